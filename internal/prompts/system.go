package prompts

import (
	"fmt"
	"strings"
)

// baseSystemTemplate is the default preamble of the system message. The
// tool list and server guidance are appended by SystemMessage.
const baseSystemTemplate = `You are Tadpole, a helpful assistant that can use tools provided by external tool servers.

## When to Use Tools
Only use tools when the user asks you to DO something or FIND something the tools can answer.
Do NOT use tools for greetings, small talk or questions about yourself.

## Rules
- Call a tool only with the parameters it declares. Never invent parameter names.
- Pass numbers as numbers and true/false as booleans.
- After tools return, answer the user in plain language using their results.
- If a tool fails, explain what went wrong instead of retrying blindly.`

// BaseSystemPrompt returns the default system prompt preamble.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// ToolParam describes one tool parameter for the system message.
type ToolParam struct {
	Name     string
	Type     string
	Required bool
}

// ToolSummary describes one available tool for the system message.
type ToolSummary struct {
	Name        string
	Description string
	Params      []ToolParam
}

// SystemInput carries the dynamic parts of the system message.
type SystemInput struct {
	// Preamble replaces BaseSystemPrompt when non-empty.
	Preamble string

	ServerName   string
	ServerPrompt string

	// Context is free-form guidance chosen by the user, e.g. the album
	// currently on screen.
	Context string

	Tools []ToolSummary
}

// SystemMessage renders the single system message placed at the start
// of a conversation.
func SystemMessage(in SystemInput) string {
	var b strings.Builder

	preamble := strings.TrimSpace(in.Preamble)
	if preamble == "" {
		preamble = baseSystemTemplate
	}
	b.WriteString(preamble)

	if in.ServerName != "" {
		fmt.Fprintf(&b, "\n\n## Tool Server\nYou are connected to %q.", in.ServerName)
	}
	if p := strings.TrimSpace(in.ServerPrompt); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}

	if len(in.Tools) > 0 {
		b.WriteString("\n\n## Available Tools")
		for _, t := range in.Tools {
			fmt.Fprintf(&b, "\n- %s(%s)", t.Name, formatParams(t.Params))
			if d := firstLine(t.Description); d != "" {
				b.WriteString(": ")
				b.WriteString(d)
			}
		}
	} else if in.ServerName != "" {
		b.WriteString("\n\nNo tools are currently available. Answer from your own knowledge.")
	}

	if c := strings.TrimSpace(in.Context); c != "" {
		b.WriteString("\n\n## Context\n")
		b.WriteString(c)
	}

	return b.String()
}

func formatParams(params []ToolParam) string {
	parts := make([]string, len(params))
	for i, p := range params {
		s := p.Name + ": " + p.Type
		if !p.Required {
			s += " (optional)"
		}
		parts[i] = s
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
