package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
)

func testExecutor(t *testing.T, allowedDirs []string) *Executor {
	t.Helper()
	cfg := config.SandboxConfig{
		AllowedDirs:           allowedDirs,
		BlockedCommands:       []string{"rm -rf /", "sudo rm", "mkfs", "dd if="},
		CommandTimeoutSeconds: 2,
	}
	log := logging.New(nil, "silent")
	return New(sandbox.New(cfg, log), cfg, log)
}

func TestRun_Command(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "echo hello world",
	})
	assert.True(t, res.OK)
	assert.Equal(t, "hello world\n", res.Output)
}

func TestRun_CommandNoOutput(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "true",
	})
	assert.True(t, res.OK)
	assert.Equal(t, "command succeeded (no output)", res.Output)
}

func TestRun_CommandMergesStderr(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "echo out; echo err >&2",
	})
	assert.True(t, res.OK)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "[stderr]: err")
}

func TestRun_CommandFailure(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "echo broken; exit 3",
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Output, "command failed (code=3)")
	assert.Contains(t, res.Output, "broken")
}

func TestRun_CommandTimeout(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "sleep 30",
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Output, "timed out")
}

func TestRun_BlockedCommand(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionExecute,
		Command: "sudo rm -r /etc",
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Output, "blocked")
}

func TestRun_ReadFile(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, []string{dir})

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind: domain.ActionReadFile,
		Path: path,
	})
	assert.True(t, res.OK)
	assert.Equal(t, "line one\nline two\n", res.Output)
}

func TestRun_ReadFileMissing(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, []string{dir})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind: domain.ActionReadFile,
		Path: filepath.Join(dir, "absent.txt"),
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Output, "does not exist")
}

func TestRun_ReadFileOutsideSandbox(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind: domain.ActionReadFile,
		Path: "/etc/passwd",
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Output, "outside")
}

func TestRun_WriteFile(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, []string{dir})

	path := filepath.Join(dir, "sub", "deep", "out.txt")
	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionWriteFile,
		Path:    path,
		Content: "written content",
	})
	assert.True(t, res.OK)
	assert.Contains(t, res.Output, "file written")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written content", string(data))
}

func TestRun_WriteFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, []string{dir})

	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionWriteFile,
		Path:    path,
		Content: "new",
	})
	assert.True(t, res.OK)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_WriteFileOutsideSandbox(t *testing.T) {
	e := testExecutor(t, []string{t.TempDir()})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind:    domain.ActionWriteFile,
		Path:    "/etc/chatwork-should-not-exist.txt",
		Content: "nope",
	})
	assert.False(t, res.OK)
	assert.NoFileExists(t, "/etc/chatwork-should-not-exist.txt")
}

func TestRun_UnsupportedKind(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, []string{dir})

	res := e.Run(context.Background(), domain.ActionRequest{
		Kind: domain.ActionKind("reboot"),
	})
	assert.False(t, res.OK)
	// The policy rejects unknown kinds before the executor dispatches.
	assert.Contains(t, res.Output, "unknown action kind")
}

// --- Result formatting ---

func TestFormatResult_Execute(t *testing.T) {
	req := domain.ActionRequest{Kind: domain.ActionExecute, Command: "ls /tmp", Description: "list files"}

	ok := FormatResult(req, domain.ActionResult{OK: true, Output: "a.txt\nb.txt"})
	assert.True(t, strings.HasPrefix(ok, "✅ Executed: ls /tmp"))
	assert.Contains(t, ok, "list files")
	assert.Contains(t, ok, "Result:\na.txt\nb.txt")

	fail := FormatResult(req, domain.ActionResult{OK: false, Output: "command failed (code=1)"})
	assert.True(t, strings.HasPrefix(fail, "❌"))
}

func TestFormatResult_ReadFile(t *testing.T) {
	req := domain.ActionRequest{Kind: domain.ActionReadFile, Path: "/tmp/a.txt"}
	out := FormatResult(req, domain.ActionResult{OK: true, Output: "contents"})
	assert.Equal(t, "✅ Read file: /tmp/a.txt\n\ncontents", out)
}

func TestFormatResult_WriteFile(t *testing.T) {
	req := domain.ActionRequest{Kind: domain.ActionWriteFile, Path: "/tmp/a.txt", Description: "save notes"}
	out := FormatResult(req, domain.ActionResult{OK: true, Output: "file written: /tmp/a.txt"})
	assert.Equal(t, "✅ file written: /tmp/a.txt\nsave notes", out)
}
