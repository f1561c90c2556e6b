package upstream

import "encoding/json"

// FinishReason is the upstream's terminal classification for a generation.
type FinishReason string

const (
	// FinishComplete means the agent finished its answer naturally.
	FinishComplete FinishReason = "content_complete"
	// FinishToolCalls means the agent stopped to request tool invocations.
	FinishToolCalls FinishReason = "tool_invocation_requested"
	// FinishLength means generation hit the output length cap.
	FinishLength FinishReason = "length_limited"
)

// Event is a tagged variant over the upstream's stream emissions. Exactly
// one pointer field is set per event, so consumers can switch exhaustively
// instead of key-checking dynamic maps.
type Event struct {
	Init     *InitEvent
	Text     *TextDelta
	ToolCall *ToolCallDelta
	Citation *Citation
	Finished *Finished
	Err      *ErrorEvent
}

// InitEvent announces session identity for this stream.
type InitEvent struct {
	ConversationID string
	TaskID         string
}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallDelta is an incremental fragment of a tool invocation.
type ToolCallDelta struct {
	CallID    string
	Name      string
	Arguments string
}

// Citation references source material for preceding text.
type Citation struct {
	URL   string
	Title string
}

// Finished terminates the stream with a reason code.
type Finished struct {
	Reason FinishReason
}

// ErrorEvent is a mid-stream error reported by the upstream.
type ErrorEvent struct {
	Message string
}

// Kind names the populated variant, usable as a log or metric label.
func (e *Event) Kind() string {
	switch {
	case e.Init != nil:
		return "init"
	case e.Text != nil:
		return "text"
	case e.ToolCall != nil:
		return "tool_call"
	case e.Citation != nil:
		return "citation"
	case e.Finished != nil:
		return "finished"
	case e.Err != nil:
		return "error"
	}
	return "unknown"
}

// EventResult pairs an event with a transport error, mirroring the
// channel-of-results shape used throughout the gateway.
type EventResult struct {
	Event *Event
	Err   error
}

// responseEvent is the raw JSON shape of a decoded upstream emission. The
// upstream is camelCase/snake_case tolerant, so every lookup goes through
// both spellings.
type responseEvent struct {
	Init          *rawInit       `json:"init,omitempty"`
	ClientActions *clientActions `json:"client_actions,omitempty"`
	ClientActsAlt *clientActions `json:"clientActions,omitempty"`
	Finished      *rawFinished   `json:"finished,omitempty"`
	Error         *rawError      `json:"error,omitempty"`
}

type rawInit struct {
	ConversationID    string `json:"conversation_id,omitempty"`
	ConversationIDAlt string `json:"conversationId,omitempty"`
	TaskID            string `json:"task_id,omitempty"`
	TaskIDAlt         string `json:"taskId,omitempty"`
}

type clientActions struct {
	Actions []clientAction `json:"actions,omitempty"`
}

type clientAction struct {
	AppendToMessageContent    *appendContent `json:"append_to_message_content,omitempty"`
	AppendToMessageContentAlt *appendContent `json:"appendToMessageContent,omitempty"`
	AddMessagesToTask         *addMessages   `json:"add_messages_to_task,omitempty"`
	AddMessagesToTaskAlt      *addMessages   `json:"addMessagesToTask,omitempty"`
	AddCitation               *rawCitation   `json:"add_citation,omitempty"`
	AddCitationAlt            *rawCitation   `json:"addCitation,omitempty"`
}

type appendContent struct {
	Message rawMessage `json:"message"`
}

type addMessages struct {
	Messages []rawMessage `json:"messages,omitempty"`
	TaskID   string       `json:"task_id,omitempty"`
	TaskIDAlt string      `json:"taskId,omitempty"`
}

type rawMessage struct {
	AgentOutput    *AgentOutput `json:"agent_output,omitempty"`
	AgentOutputAlt *AgentOutput `json:"agentOutput,omitempty"`
	ToolCall       *rawToolCall `json:"tool_call,omitempty"`
	ToolCallAlt    *rawToolCall `json:"toolCall,omitempty"`
}

type rawToolCall struct {
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolCallIDAlt  string          `json:"toolCallId,omitempty"`
	CallMCPTool    *rawCallMCPTool `json:"call_mcp_tool,omitempty"`
	CallMCPToolAlt *rawCallMCPTool `json:"callMcpTool,omitempty"`
}

type rawCallMCPTool struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type rawCitation struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

type rawFinished struct {
	Reason string `json:"reason,omitempty"`
}

type rawError struct {
	Message string `json:"message,omitempty"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// flatten turns one decoded upstream emission into zero or more tagged
// events, in emission order.
func (re *responseEvent) flatten() []Event {
	var events []Event

	if re.Init != nil {
		events = append(events, Event{Init: &InitEvent{
			ConversationID: firstNonEmpty(re.Init.ConversationID, re.Init.ConversationIDAlt),
			TaskID:         firstNonEmpty(re.Init.TaskID, re.Init.TaskIDAlt),
		}})
	}

	actions := re.ClientActions
	if actions == nil {
		actions = re.ClientActsAlt
	}
	if actions != nil {
		for _, action := range actions.Actions {
			if ac := coalesceAppend(action); ac != nil {
				if out := ac.Message.agentOutput(); out != nil && out.Text != "" {
					events = append(events, Event{Text: &TextDelta{Text: out.Text}})
				}
			}
			if am := coalesceAdd(action); am != nil {
				for _, msg := range am.Messages {
					if tc := msg.toolCall(); tc != nil {
						call := tc.CallMCPTool
						if call == nil {
							call = tc.CallMCPToolAlt
						}
						if call != nil && call.Name != "" {
							args := string(call.Args)
							if args == "" {
								args = "{}"
							}
							events = append(events, Event{ToolCall: &ToolCallDelta{
								CallID:    firstNonEmpty(tc.ToolCallID, tc.ToolCallIDAlt),
								Name:      call.Name,
								Arguments: args,
							}})
							continue
						}
					}
					if out := msg.agentOutput(); out != nil && out.Text != "" {
						events = append(events, Event{Text: &TextDelta{Text: out.Text}})
					}
				}
			}
			cit := action.AddCitation
			if cit == nil {
				cit = action.AddCitationAlt
			}
			if cit != nil {
				events = append(events, Event{Citation: &Citation{URL: cit.URL, Title: cit.Title}})
			}
		}
	}

	if re.Error != nil {
		events = append(events, Event{Err: &ErrorEvent{Message: re.Error.Message}})
	}

	if re.Finished != nil {
		reason := FinishReason(re.Finished.Reason)
		switch reason {
		case FinishComplete, FinishToolCalls, FinishLength:
		default:
			reason = FinishComplete
		}
		events = append(events, Event{Finished: &Finished{Reason: reason}})
	}

	return events
}

func coalesceAppend(a clientAction) *appendContent {
	if a.AppendToMessageContent != nil {
		return a.AppendToMessageContent
	}
	return a.AppendToMessageContentAlt
}

func coalesceAdd(a clientAction) *addMessages {
	if a.AddMessagesToTask != nil {
		return a.AddMessagesToTask
	}
	return a.AddMessagesToTaskAlt
}

func (m rawMessage) agentOutput() *AgentOutput {
	if m.AgentOutput != nil {
		return m.AgentOutput
	}
	return m.AgentOutputAlt
}

func (m rawMessage) toolCall() *rawToolCall {
	if m.ToolCall != nil {
		return m.ToolCall
	}
	return m.ToolCallAlt
}
