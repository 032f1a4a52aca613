package engine

import (
	"encoding/json"
	"regexp"

	"github.com/younfor/chat-work/internal/domain"
)

// actionBlockPattern matches ```json fenced blocks holding a single
// object. The body may span lines but cannot contain backticks.
var actionBlockPattern = regexp.MustCompile("(?s)```json\\s*(\\{[^`]+\\})\\s*```")

// ParseAction scans a reply for a fenced ```json block carrying an
// "action" key and returns the first one found. Blocks that are not
// valid JSON or lack the key are skipped, so ordinary code examples in
// a reply never trigger an action. Nil means the reply proposes
// nothing.
//
// The kind is not validated here: unknown kinds flow through so the
// executor can answer with a proper "unsupported action" result
// instead of the proposal being silently ignored.
func ParseAction(reply string) *domain.ActionRequest {
	for _, match := range actionBlockPattern.FindAllStringSubmatch(reply, -1) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(match[1]), &probe); err != nil {
			continue
		}
		if _, ok := probe["action"]; !ok {
			continue
		}

		var req domain.ActionRequest
		if err := json.Unmarshal([]byte(match[1]), &req); err != nil {
			continue
		}
		return &req
	}
	return nil
}
