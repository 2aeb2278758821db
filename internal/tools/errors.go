package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call names a tool that is
// not in the effective tool set: unknown to the server, disabled by the
// user, or left over from a previous tool set. It indicates a stale or
// mistaken call, not a transient failure, so callers must not retry.
type ErrToolUnavailable struct {
	ToolName string
	// Server is the server the lookup was made against, if known.
	Server string
	// Disabled is true when the server offers the tool but the user
	// switched it off.
	Disabled bool
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	switch {
	case e.Disabled:
		return fmt.Sprintf("tool %q is disabled on server %s", e.ToolName, e.Server)
	case e.Server != "":
		return fmt.Sprintf("tool %q is not available on server %s", e.ToolName, e.Server)
	default:
		return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
	}
}
