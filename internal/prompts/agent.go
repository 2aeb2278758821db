package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EmptyResponseFallback is the assistant message recorded when the
// model returns no content for the final answer of a turn.
const EmptyResponseFallback = "I ran the requested tools but wasn't able to compose a response. Please try again."

// primingTemplate is the throwaway prompt sent with the tool
// definitions when a tool set becomes active. Its answer is discarded.
const primingTemplate = `You now have access to %d tool(s): %s.
Reply with the single word READY. Do not call any tool.`

// PrimingPrompt returns the readiness prompt for the given tool names.
func PrimingPrompt(toolNames []string) string {
	names := "none"
	if len(toolNames) > 0 {
		names = strings.Join(toolNames, ", ")
	}
	return fmt.Sprintf(primingTemplate, len(toolNames), names)
}

// TruncationMarker returns the note appended to a tool result cut to
// shown of total characters.
func TruncationMarker(shown, total int) string {
	return fmt.Sprintf("\n\n[Truncated: showing %d of %d characters]", shown, total)
}

// Truncate caps s at limit characters, appending a TruncationMarker
// when anything was cut. A limit of zero or less disables truncation.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	total := utf8.RuneCountInString(s)
	if total <= limit {
		return s, false
	}
	cut := 0
	for i := range s {
		if cut == limit {
			return s[:i] + TruncationMarker(limit, total), true
		}
		cut++
	}
	return s, false
}

// ToolNotExecuted is the tool result recorded for a call skipped
// because the turn was stopped.
func ToolNotExecuted(tool string) string {
	return fmt.Sprintf("Error: %s was not executed because the request was stopped.", tool)
}

// ToolFailed is the tool result recorded for a call that failed.
func ToolFailed(tool string, err error) string {
	return fmt.Sprintf("Error: %s failed: %v", tool, err)
}

// Diagnostic is the text of a system message recording a turn failure.
func Diagnostic(stage string, err error) string {
	return fmt.Sprintf("Error during %s: %v", stage, err)
}

// StoppedDiagnostic is the text recorded when a turn is stopped.
const StoppedDiagnostic = "Request stopped by user."
