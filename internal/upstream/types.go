// Package upstream defines the JSON mapping of the upstream agent service's
// structured request and event schema, and a client for its streaming API.
// The wire encoding itself is the upstream collaborator's concern; this
// package only maps into and out of the schema.
package upstream

import "encoding/json"

// Request is the outbound structured request.
type Request struct {
	TaskContext TaskContext `json:"task_context"`
	Input       *Input      `json:"input,omitempty"`
	Settings    *Settings   `json:"settings,omitempty"`
	Metadata    *Metadata   `json:"metadata,omitempty"`
	MCPContext  *MCPContext `json:"mcp_context,omitempty"`
}

// TaskContext carries the task history for the active conversation.
type TaskContext struct {
	Tasks        []Task `json:"tasks"`
	ActiveTaskID string `json:"active_task_id"`
}

// Task is a single task with its message history.
type Task struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      TaskStatus    `json:"status"`
	Messages    []TaskMessage `json:"messages"`
}

// TaskStatus is a oneof; exactly one field is set.
type TaskStatus struct {
	InProgress *struct{} `json:"in_progress,omitempty"`
	Complete   *struct{} `json:"complete,omitempty"`
}

// TaskMessage is a oneof over the message kinds the upstream understands.
type TaskMessage struct {
	ID             string          `json:"id,omitempty"`
	Query          *Query          `json:"query,omitempty"`
	AgentOutput    *AgentOutput    `json:"agent_output,omitempty"`
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	ToolCallResult *ToolCallResult `json:"tool_call_result,omitempty"`
}

// Query is a user-authored message.
type Query struct {
	Text string `json:"text"`
}

// AgentOutput is assistant-authored text.
type AgentOutput struct {
	Text string `json:"text"`
}

// ToolCall is an assistant-requested tool invocation.
type ToolCall struct {
	ToolCallID  string       `json:"tool_call_id"`
	CallMCPTool *CallMCPTool `json:"call_mcp_tool,omitempty"`
}

// CallMCPTool names the tool and its JSON arguments.
type CallMCPTool struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallResult carries tool output back to the agent.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Text       string `json:"text"`
}

// Input is the live portion of the request: the query being asked now, as
// opposed to replayed history.
type Input struct {
	UserInputs    *UserInputs `json:"user_inputs,omitempty"`
	SystemContext string      `json:"system_context,omitempty"`
}

// UserInputs wraps the ordered inputs for this call.
type UserInputs struct {
	Inputs []UserInput `json:"inputs"`
}

// UserInput is a oneof over live input kinds.
type UserInput struct {
	UserQuery      *Query          `json:"user_query,omitempty"`
	ToolCallResult *ToolCallResult `json:"tool_call_result,omitempty"`
}

// Settings selects models and feature flags for the request.
type Settings struct {
	ModelConfig ModelConfig `json:"model_config"`
	Features    *Features   `json:"features,omitempty"`
}

// ModelConfig names the model for each role the upstream distinguishes.
type ModelConfig struct {
	Base     string `json:"base,omitempty"`
	Planning string `json:"planning,omitempty"`
	Coding   string `json:"coding,omitempty"`
}

// Features are upstream feature flags.
type Features struct {
	PlanningEnabled  bool `json:"planning_enabled,omitempty"`
	WebContext       bool `json:"web_context,omitempty"`
	AutoDetectIntent bool `json:"auto_detect_intent,omitempty"`
}

// Metadata threads session identity across calls.
type Metadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ClientVersion  string `json:"client_version,omitempty"`
}

// MCPContext advertises callable tools to the agent.
type MCPContext struct {
	Tools []MCPTool `json:"tools,omitempty"`
}

// MCPTool is a sanitized tool definition in the upstream's shape.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
