package engine

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/logging"
)

// claudeStreamLine is a line from `claude -p --output-format stream-json`.
type claudeStreamLine struct {
	Type string `json:"type"`

	// For type="assistant"
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`

	// For type="content_block_delta" (partial messages enabled)
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`

	// For type="result"
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// claudeCandidatePaths are checked in order when no explicit engine
// command is configured. PATH lookup is the final fallback.
var claudeCandidatePaths = []string{
	"/usr/local/bin/claude",
	"/opt/homebrew/bin/claude",
	"~/.npm-global/bin/claude",
	"~/.local/bin/claude",
}

// FindClaudePath probes well-known install locations for the claude
// CLI, returning "claude" (resolved via PATH at spawn time) when none
// exist.
func FindClaudePath() string {
	home, _ := os.UserHomeDir()
	for _, candidate := range claudeCandidatePaths {
		path := candidate
		if len(path) > 1 && path[0] == '~' && home != "" {
			path = filepath.Join(home, path[2:])
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "claude"
}

// CLIExists checks whether a CLI command is available in PATH.
func CLIExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// NewClaudeClient creates a Client that wraps the claude CLI using the
// configured command (or probed install location), model and system
// prompt.
func NewClaudeClient(cfg config.EngineConfig, log *logging.Logger) *CLIClient {
	command := cfg.Command
	if command == "" {
		command = FindClaudePath()
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	return NewCLIClient(CLIConfig{
		Command:    command,
		EngineName: "claude",
		BuildArgs:  func() []string { return buildClaudeArgs(cfg.Model, system) },
		ParseLine:  parseClaudeLine,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, log)
}

func buildClaudeArgs(model, systemPrompt string) []string {
	// SECURITY: --dangerously-skip-permissions is required for
	// non-interactive (piped stdin) mode. The CLI's own tool execution
	// is disabled below via --tools ""; proposed operations instead
	// travel through the sandbox policy as fenced json actions. Do not
	// remove --tools "" without also removing this flag.
	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}

	args = append(args, "--tools", "")

	// The transcript is piped via stdin (handled by CLIClient)
	return args
}

func parseClaudeLine(line []byte) (*streamEvent, error) {
	var msg claudeStreamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case "system":
		// Init message — skip
		return nil, nil

	case "assistant":
		if msg.Message == nil || len(msg.Message.Content) == 0 {
			return nil, nil
		}
		var text string
		for _, c := range msg.Message.Content {
			if c.Type == "text" {
				text += c.Text
			}
		}
		if text == "" {
			return nil, nil
		}
		// Assistant events carry the message text so far, not an
		// increment; the emitter diffs against what it already sent.
		return &streamEvent{Kind: "snapshot", Text: text}, nil

	case "content_block_delta":
		if msg.Delta == nil || msg.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &streamEvent{Kind: "delta", Text: msg.Delta.Text}, nil

	case "result":
		if msg.IsError {
			return &streamEvent{Kind: "error", Err: msg.Result}, nil
		}
		return &streamEvent{Kind: "done", Result: msg.Result}, nil

	default:
		return nil, nil
	}
}
