// Package sandbox decides whether proposed actions are permitted.
//
// The path rule confines file actions to configured directory trees,
// comparing canonical paths so neither `..` traversal, symlinks, nor
// sibling-prefix names (`/tmp-evil` vs `/tmp`) slip through. The
// command rule is substring containment against a blocklist: a
// best-effort deterrent against the obviously destructive shapes, not
// a security boundary.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

// Unicode spaces that should be normalized to regular space before
// path comparison.
var unicodeSpaces = regexp.MustCompile(`[\x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]`)

// Policy evaluates ActionRequests against the configured rules.
// Evaluation is pure apart from filesystem lookups needed to resolve
// symlinks; a Policy is safe for concurrent use.
type Policy struct {
	allowedDirs []string
	blockedCmds []string
	caseFold    bool
	log         *logging.Logger
}

// New builds a Policy from config. Allowed directories are
// canonicalized once here so every later containment check compares
// resolved paths on both sides.
func New(cfg config.SandboxConfig, log *logging.Logger) *Policy {
	p := &Policy{
		blockedCmds: cfg.BlockedCommands,
		caseFold:    cfg.CaseInsensitive,
		log:         log.Sub("sandbox"),
	}
	for _, dir := range cfg.AllowedDirs {
		resolved, err := canonicalize(dir)
		if err != nil {
			p.log.Warn().Str("dir", dir).Err(err).Msg("skipping unusable allowed dir")
			continue
		}
		p.allowedDirs = append(p.allowedDirs, resolved)
	}
	return p
}

// Evaluate returns a verdict for the proposed action. The path rule
// applies to file actions, the command rule to shell commands; the
// two checks are independent.
func (p *Policy) Evaluate(req domain.ActionRequest) domain.PolicyVerdict {
	switch req.Kind {
	case domain.ActionExecute:
		return p.evaluateCommand(req.Command)
	case domain.ActionWriteFile, domain.ActionReadFile:
		return p.evaluatePath(req.Path)
	default:
		return deny(fmt.Sprintf("unknown action kind %q", req.Kind))
	}
}

// EvaluatePath reports whether a filesystem path is inside one of the
// allowed directories. Exposed for callers that need to vet paths
// outside a full ActionRequest (working directories, attachments).
func (p *Policy) EvaluatePath(path string) domain.PolicyVerdict {
	return p.evaluatePath(path)
}

func (p *Policy) evaluatePath(path string) domain.PolicyVerdict {
	if strings.TrimSpace(path) == "" {
		return deny("empty path")
	}
	if len(p.allowedDirs) == 0 {
		return deny("no allowed directories configured")
	}

	resolved, err := canonicalize(path)
	if err != nil {
		p.log.Warn().Str("path", path).Err(err).Msg("path canonicalization failed")
		return deny(fmt.Sprintf("cannot resolve path %q", path))
	}

	for _, dir := range p.allowedDirs {
		if containsPath(dir, resolved) {
			return domain.PolicyVerdict{Allowed: true}
		}
	}

	p.log.Info().Str("path", path).Str("resolved", resolved).Msg("path outside allowed directories")
	return deny(fmt.Sprintf("path %q is outside the allowed directories", path))
}

func (p *Policy) evaluateCommand(command string) domain.PolicyVerdict {
	cmd := normalizeCommand(command)
	if cmd == "" {
		return deny("empty command")
	}
	if p.caseFold {
		cmd = strings.ToLower(cmd)
	}

	for _, blocked := range p.blockedCmds {
		needle := normalizeCommand(blocked)
		if needle == "" {
			continue
		}
		if p.caseFold {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(cmd, needle) {
			p.log.Info().Str("command", command).Str("blocked", blocked).Msg("command matches blocklist")
			return deny(fmt.Sprintf("command contains blocked pattern %q", blocked))
		}
	}

	return domain.PolicyVerdict{Allowed: true}
}

func deny(reason string) domain.PolicyVerdict {
	return domain.PolicyVerdict{Allowed: false, Reason: reason}
}

// normalizeCommand collapses whitespace runs so spacing tricks don't
// defeat substring matching.
func normalizeCommand(s string) string {
	return strings.Join(strings.Fields(unicodeSpaces.ReplaceAllString(s, " ")), " ")
}

// ExpandHome resolves a leading ~ against the current user's home.
// Shared with the executor so path handling cannot drift between the
// policy check and the execution.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// canonicalize produces an absolute, cleaned path with every existing
// component's symlinks resolved. Non-existent trailing components are
// kept lexically, so not-yet-created write targets still resolve
// through any symlinked ancestors.
func canonicalize(path string) (string, error) {
	p := ExpandHome(unicodeSpaces.ReplaceAllString(strings.TrimSpace(path), " "))
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", path, err)
		}
		p = abs
	}
	p = filepath.Clean(p)

	// Walk up until EvalSymlinks succeeds, then re-join the
	// non-existent tail onto the resolved prefix.
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving %q: %w", path, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// containsPath reports whether path is dir itself or inside dir,
// comparing canonical forms.
func containsPath(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
