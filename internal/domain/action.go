package domain

// ActionKind names an operation the engine may propose. Values match
// the JSON the engine is prompted to emit.
type ActionKind string

const (
	ActionExecute   ActionKind = "execute"
	ActionWriteFile ActionKind = "write_file"
	ActionReadFile  ActionKind = "read_file"
)

// Valid reports whether k is a recognized action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionExecute, ActionWriteFile, ActionReadFile:
		return true
	}
	return false
}

// ActionRequest is a structured operation proposed by the engine (or
// submitted directly via the API). Requests are transient: evaluated,
// possibly executed, never persisted.
type ActionRequest struct {
	Kind        ActionKind `json:"action"`
	Command     string     `json:"command,omitempty"`
	Path        string     `json:"path,omitempty"`
	Content     string     `json:"content,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Target returns the thing the action operates on, for logs and
// user-facing notices.
func (a ActionRequest) Target() string {
	if a.Kind == ActionExecute {
		return a.Command
	}
	return a.Path
}

// ActionResult is the outcome of running an allowed action.
type ActionResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

// PolicyVerdict is the outcome of a sandbox policy evaluation. Reason
// is human-readable and set only on denial.
type PolicyVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
