// Package translate packs a normalized conversation into the upstream
// agent service's structured request shape.
package translate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/warpgate/internal/conversation"
	"github.com/tjfontaine/warpgate/internal/session"
	"github.com/tjfontaine/warpgate/internal/upstream"
)

// Tool is a caller-supplied tool definition: a name, a human description,
// and a JSON-Schema parameter object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// InvalidToolSchemaError is returned when tools were requested but every
// schema was malformed. Individually malformed schemas among valid ones are
// dropped with a warning instead.
type InvalidToolSchemaError struct {
	Dropped []string
}

func (e *InvalidToolSchemaError) Error() string {
	return fmt.Sprintf("no usable tool schemas (dropped: %s)", strings.Join(e.Dropped, ", "))
}

// TranslationError reports a conversation that cannot be packed.
type TranslationError struct {
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate: %s", e.Reason)
}

// Option configures a Translator.
type Option func(*Translator)

// WithKnownModels restricts model names to the given catalog; anything
// outside it falls back to the defaults. An empty catalog accepts any name.
func WithKnownModels(names []string) Option {
	return func(t *Translator) {
		t.known = make(map[string]struct{}, len(names))
		for _, n := range names {
			t.known[n] = struct{}{}
		}
	}
}

// WithClientVersion sets the client version reported in request metadata.
func WithClientVersion(v string) Option {
	return func(t *Translator) {
		t.clientVersion = v
	}
}

// WithTranslatorLogger sets the translator logger.
func WithTranslatorLogger(logger *slog.Logger) Option {
	return func(t *Translator) {
		t.logger = logger
	}
}

// WithTaskClock overrides the time source for minted task ids, for tests.
func WithTaskClock(now func() time.Time) Option {
	return func(t *Translator) {
		t.now = now
	}
}

// Translator builds upstream requests. It is stateless across calls and
// safe for concurrent use.
type Translator struct {
	defaults      upstream.ModelConfig
	known         map[string]struct{}
	clientVersion string
	logger        *slog.Logger
	now           func() time.Time
}

// NewTranslator creates a translator whose unrecognized model names fall
// back to the given defaults.
func NewTranslator(defaults upstream.ModelConfig, opts ...Option) *Translator {
	t := &Translator{
		defaults: defaults,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate packs the conversation, model selection, tools, and session
// continuity into a single upstream request. The final user turn (or the
// trailing tool results) becomes the live input; everything before it is
// replayed as task history.
func (t *Translator) Translate(conv conversation.Normalized, models upstream.ModelConfig, tools []Tool, sess session.Snapshot) (*upstream.Request, error) {
	if len(conv.Turns) == 0 {
		return nil, &TranslationError{Reason: "conversation has no turns"}
	}

	// The agent protocol has no image slot; text and tool parts survive.
	if n := countImages(conv.Turns); n > 0 {
		t.logger.Warn("dropping image content the agent protocol cannot carry",
			slog.Int("images", n))
	}

	history, inputs := t.splitLiveInput(conv.Turns)

	var messages []upstream.TaskMessage
	for _, turn := range history {
		messages = append(messages, t.messagesFor(turn)...)
	}

	taskID := sess.PriorTaskID
	if taskID == "" {
		taskID = EncodeTaskID(uuid.New(), t.now())
	}

	req := &upstream.Request{
		TaskContext: upstream.TaskContext{
			Tasks: []upstream.Task{{
				ID:          taskID,
				Description: describe(conv.Turns),
				Status:      upstream.TaskStatus{InProgress: &struct{}{}},
				Messages:    messages,
			}},
			ActiveTaskID: taskID,
		},
		Input: &upstream.Input{
			UserInputs:    &upstream.UserInputs{Inputs: inputs},
			SystemContext: conv.LeadingSystemText,
		},
		Settings: &upstream.Settings{ModelConfig: t.resolveModels(models)},
		Metadata: &upstream.Metadata{
			ConversationID: sess.ConversationID,
			ClientVersion:  t.clientVersion,
		},
	}

	mcp, err := t.sanitizeTools(tools)
	if err != nil {
		return nil, err
	}
	req.MCPContext = mcp
	return req, nil
}

// splitLiveInput peels the live portion off the turn list. A trailing user
// turn becomes a user query; trailing tool results on an assistant turn
// become tool_call_result inputs with the rest of that turn kept in
// history; a bare trailing assistant turn gets an empty continuation query.
func (t *Translator) splitLiveInput(turns []conversation.Turn) ([]conversation.Turn, []upstream.UserInput) {
	last := turns[len(turns)-1]

	if last.Role == conversation.RoleUser {
		return turns[:len(turns)-1], []upstream.UserInput{{
			UserQuery: &upstream.Query{Text: last.JoinedText()},
		}}
	}

	if results := last.ToolResults(); len(results) > 0 {
		var inputs []upstream.UserInput
		for _, r := range results {
			inputs = append(inputs, upstream.UserInput{
				ToolCallResult: &upstream.ToolCallResult{ToolCallID: r.CallID, Text: r.Text},
			})
		}
		trimmed := last
		trimmed.Parts = nil
		for _, p := range last.Parts {
			if p.ToolResult == nil {
				trimmed.Parts = append(trimmed.Parts, p)
			}
		}
		history := append([]conversation.Turn{}, turns[:len(turns)-1]...)
		return append(history, trimmed), inputs
	}

	return turns, []upstream.UserInput{{UserQuery: &upstream.Query{Text: ""}}}
}

// messagesFor flattens one turn into upstream task messages.
func (t *Translator) messagesFor(turn conversation.Turn) []upstream.TaskMessage {
	var messages []upstream.TaskMessage

	switch turn.Role {
	case conversation.RoleUser:
		messages = append(messages, upstream.TaskMessage{
			ID:    uuid.NewString(),
			Query: &upstream.Query{Text: turn.JoinedText()},
		})
	case conversation.RoleAssistant:
		if text := turn.JoinedText(); text != "" {
			messages = append(messages, upstream.TaskMessage{
				ID:          uuid.NewString(),
				AgentOutput: &upstream.AgentOutput{Text: text},
			})
		}
		for _, call := range turn.ToolCalls() {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			messages = append(messages, upstream.TaskMessage{
				ID: uuid.NewString(),
				ToolCall: &upstream.ToolCall{
					ToolCallID:  call.ID,
					CallMCPTool: &upstream.CallMCPTool{Name: call.Name, Args: json.RawMessage(args)},
				},
			})
		}
		for _, result := range turn.ToolResults() {
			messages = append(messages, upstream.TaskMessage{
				ID:             uuid.NewString(),
				ToolCallResult: &upstream.ToolCallResult{ToolCallID: result.CallID, Text: result.Text},
			})
		}
	}
	return messages
}

func countImages(turns []conversation.Turn) int {
	n := 0
	for _, turn := range turns {
		for _, part := range turn.Parts {
			if part.Image != nil {
				n++
			}
		}
	}
	return n
}

func (t *Translator) resolveModels(models upstream.ModelConfig) upstream.ModelConfig {
	return upstream.ModelConfig{
		Base:     t.resolveModel(models.Base, t.defaults.Base),
		Planning: t.resolveModel(models.Planning, t.defaults.Planning),
		Coding:   t.resolveModel(models.Coding, t.defaults.Coding),
	}
}

func (t *Translator) resolveModel(name, fallback string) string {
	if name == "" {
		return fallback
	}
	if len(t.known) > 0 {
		if _, ok := t.known[name]; !ok {
			t.logger.Warn("unrecognized model, using default",
				slog.String("model", name), slog.String("default", fallback))
			return fallback
		}
	}
	return name
}

func (t *Translator) sanitizeTools(tools []Tool) (*upstream.MCPContext, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	var out []upstream.MCPTool
	var dropped []string
	for _, tool := range tools {
		schema, ok := sanitizeSchema(tool.Parameters)
		if tool.Name == "" || !ok {
			name := tool.Name
			if name == "" {
				name = "(unnamed)"
			}
			dropped = append(dropped, name)
			t.logger.Warn("dropping malformed tool schema", slog.String("tool", name))
			continue
		}
		out = append(out, upstream.MCPTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	if len(out) == 0 {
		return nil, &InvalidToolSchemaError{Dropped: dropped}
	}
	return &upstream.MCPContext{Tools: out}, nil
}

// sanitizeSchema normalizes a JSON-Schema parameter object into the
// upstream's expected shape. A nil schema means a no-argument tool. A
// missing required list is inferred from the property names.
func sanitizeSchema(params map[string]any) (map[string]any, bool) {
	if params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, true
	}

	schema := make(map[string]any, len(params))
	for k, v := range params {
		schema[k] = v
	}

	if typ, ok := schema["type"]; ok {
		s, isString := typ.(string)
		if !isString || s != "object" {
			return nil, false
		}
	} else {
		schema["type"] = "object"
	}

	properties := map[string]any{}
	if raw, ok := schema["properties"]; ok {
		props, isMap := raw.(map[string]any)
		if !isMap {
			return nil, false
		}
		properties = props
	}
	schema["properties"] = properties

	if raw, ok := schema["required"]; ok {
		if !validRequiredList(raw) {
			return nil, false
		}
	} else {
		names := make([]string, 0, len(properties))
		for name := range properties {
			names = append(names, name)
		}
		sort.Strings(names)
		schema["required"] = names
	}
	return schema, true
}

func validRequiredList(raw any) bool {
	switch list := raw.(type) {
	case []string:
		return true
	case []any:
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// describe summarizes the conversation for the task record from the first
// user text, clipped to keep the packet small.
func describe(turns []conversation.Turn) string {
	for _, turn := range turns {
		if turn.Role != conversation.RoleUser {
			continue
		}
		text := turn.JoinedText()
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > 80 {
			return string(runes[:80])
		}
		return text
	}
	return "conversation"
}
