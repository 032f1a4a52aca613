// Package executor carries out screened actions: shell commands and
// file reads/writes inside the sandbox boundary.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
)

// maxReadBytes caps file_read output so one action cannot flood a chat
// message with megabytes of content.
const maxReadBytes = 256 * 1024

// Executor runs action requests. It re-checks the sandbox policy on
// every call: callers normally screen first, but the executor is also
// reachable directly (the /api/execute endpoint) and must never trust
// that someone else already did.
type Executor struct {
	policy  *sandbox.Policy
	timeout time.Duration
	log     *logging.Logger
}

// New creates an Executor.
func New(policy *sandbox.Policy, cfg config.SandboxConfig, log *logging.Logger) *Executor {
	timeout := time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{policy: policy, timeout: timeout, log: log.Sub("executor")}
}

// Run executes one action and reports the outcome. Failures are
// results, not errors: everything the user should see about the
// attempt goes in Output.
func (e *Executor) Run(ctx context.Context, req domain.ActionRequest) domain.ActionResult {
	if verdict := e.policy.Evaluate(req); !verdict.Allowed {
		e.log.Warn().
			Str("kind", string(req.Kind)).
			Str("target", req.Target()).
			Str("reason", verdict.Reason).
			Msg("action denied by policy")
		return domain.ActionResult{OK: false, Output: verdict.Reason}
	}

	switch req.Kind {
	case domain.ActionExecute:
		return e.runCommand(ctx, req.Command)
	case domain.ActionReadFile:
		return e.readFile(req.Path)
	case domain.ActionWriteFile:
		return e.writeFile(req.Path, req.Content)
	default:
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("unsupported action type: %s", req.Kind)}
	}
}

// runCommand executes a shell command with a hard timeout. Stdout and
// stderr are merged the way the chat reply renders them.
func (e *Executor) runCommand(ctx context.Context, command string) domain.ActionResult {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.log.Info().Str("command", command).Msg("executing command")

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n[stderr]: " + stderr.String()
	}

	if cctx.Err() == context.DeadlineExceeded {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("command timed out after %s", e.timeout)}
	}
	if err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("command failed (code=%d):\n%s", code, output)}
	}

	if output == "" {
		output = "command succeeded (no output)"
	}
	return domain.ActionResult{OK: true, Output: output}
}

func (e *Executor) readFile(path string) domain.ActionResult {
	abs, err := filepath.Abs(sandbox.ExpandHome(path))
	if err != nil {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("resolving path: %s", err)}
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ActionResult{OK: false, Output: fmt.Sprintf("file does not exist: %s", path)}
		}
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("reading file: %s", err)}
	}
	if info.Size() > maxReadBytes {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("file too large to display (%d bytes, limit %d)", info.Size(), maxReadBytes)}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("reading file: %s", err)}
	}
	return domain.ActionResult{OK: true, Output: string(data)}
}

// writeFile creates parent directories and writes atomically via a
// temp file, so a crash or concurrent read never sees a torn write.
func (e *Executor) writeFile(path, content string) domain.ActionResult {
	abs, err := filepath.Abs(sandbox.ExpandHome(path))
	if err != nil {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("resolving path: %s", err)}
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("creating directory: %s", err)}
	}

	tmp, err := os.CreateTemp(dir, ".chatwork-write-*")
	if err != nil {
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("writing file: %s", err)}
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("writing file: %s", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("writing file: %s", err)}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("writing file: %s", err)}
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return domain.ActionResult{OK: false, Output: fmt.Sprintf("writing file: %s", err)}
	}

	e.log.Info().Str("path", abs).Int("bytes", len(content)).Msg("file written")
	return domain.ActionResult{OK: true, Output: fmt.Sprintf("file written: %s", abs)}
}

// FormatResult renders an action outcome the way it appears in chat.
func FormatResult(req domain.ActionRequest, res domain.ActionResult) string {
	status := "✅"
	if !res.OK {
		status = "❌"
	}

	switch req.Kind {
	case domain.ActionExecute:
		header := fmt.Sprintf("%s Executed: %s", status, req.Command)
		if req.Description != "" {
			header += "\n" + req.Description
		}
		return fmt.Sprintf("%s\n\nResult:\n%s", header, res.Output)
	case domain.ActionReadFile:
		return fmt.Sprintf("%s Read file: %s\n\n%s", status, req.Path, res.Output)
	case domain.ActionWriteFile:
		out := fmt.Sprintf("%s %s", status, res.Output)
		if req.Description != "" {
			out += "\n" + req.Description
		}
		return out
	default:
		return fmt.Sprintf("%s %s", status, res.Output)
	}
}
