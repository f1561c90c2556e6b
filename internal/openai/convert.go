package openai

import (
	"github.com/tjfontaine/warpgate/internal/conversation"
)

// ToTurns maps the inbound message transcript onto conversation turns.
// Unknown roles are passed through as user turns rather than rejected; the
// normalizer decides what the upstream can accept.
func ToTurns(messages []ChatCompletionMessage) []conversation.Turn {
	turns := make([]conversation.Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, toTurn(msg))
	}
	return turns
}

func toTurn(msg ChatCompletionMessage) conversation.Turn {
	turn := conversation.Turn{Role: roleOf(msg.Role)}

	if msg.Role == "tool" {
		turn.Parts = append(turn.Parts, conversation.Part{
			ToolResult: &conversation.ToolResultPart{
				CallID: msg.ToolCallID,
				Text:   contentText(msg.Content),
			},
		})
		return turn
	}

	if msg.Content.IsParts() {
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "text":
				turn.Parts = append(turn.Parts, conversation.TextOf(part.Text))
			case "image_url":
				if part.ImageURL != nil {
					turn.Parts = append(turn.Parts, conversation.Part{
						Image: &conversation.ImageRef{URL: part.ImageURL.URL},
					})
				}
			}
		}
	} else if msg.Content.Text != "" {
		turn.Parts = append(turn.Parts, conversation.TextOf(msg.Content.Text))
	}

	for _, call := range msg.ToolCalls {
		turn.Parts = append(turn.Parts, conversation.Part{
			ToolCall: &conversation.ToolCallPart{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return turn
}

func roleOf(role string) conversation.Role {
	switch role {
	case "system", "developer":
		return conversation.RoleSystem
	case "assistant":
		return conversation.RoleAssistant
	case "tool":
		return conversation.RoleTool
	default:
		return conversation.RoleUser
	}
}

func contentText(c MessageContent) string {
	if !c.IsParts() {
		return c.Text
	}
	var out string
	for _, part := range c.Parts {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}
