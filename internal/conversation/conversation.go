// Package conversation reshapes raw chat transcripts into the strict
// alternating user/assistant form the upstream agent protocol requires.
package conversation

import (
	"fmt"
	"strings"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is a tagged variant of turn content. Exactly one field is set.
type Part struct {
	Text       *TextPart
	Image      *ImageRef
	ToolCall   *ToolCallPart
	ToolResult *ToolResultPart
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ImageRef references an image by URL or data URI.
type ImageRef struct {
	URL string
}

// ToolCallPart is a tool invocation requested by the assistant.
type ToolCallPart struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResultPart carries the result for a prior tool call.
type ToolResultPart struct {
	CallID string
	Text   string
}

// TextOf returns a text part.
func TextOf(s string) Part {
	return Part{Text: &TextPart{Text: s}}
}

// Turn is a single conversation turn with ordered content parts.
type Turn struct {
	Role  Role
	Parts []Part
}

// JoinedText concatenates the text parts of the turn in order, with no
// separator. Tool results and tool calls are excluded.
func (t Turn) JoinedText() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Text != nil {
			b.WriteString(p.Text.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of the turn in order.
func (t Turn) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the turn in order.
func (t Turn) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range t.Parts {
		if p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// Normalized is a conversation in the shape the upstream accepts: system
// text hoisted out, roles strictly alternating user/assistant starting with
// user, tool results folded into the assistant turn they answer.
type Normalized struct {
	LeadingSystemText string
	Turns             []Turn
}

// NormalizationError reports malformed input that cannot be reshaped.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("conversation: %s", e.Reason)
}

// ErrNoUserContent is returned when the input contains system turns only.
// The caller must reject such a request: there is nothing to respond to.
var ErrNoUserContent = &NormalizationError{Reason: "no user content to respond to"}
