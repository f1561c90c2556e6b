package tokens

import (
	"testing"

	"github.com/tjfontaine/warpgate/internal/openai"
)

func TestCountText(t *testing.T) {
	e := NewEstimator()

	if got := e.CountText(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
	short := e.CountText("Hello, world")
	if short <= 0 {
		t.Fatalf("short text = %d tokens, want > 0", short)
	}
	long := e.CountText("Hello, world. This is a much longer sentence with many more words in it.")
	if long <= short {
		t.Errorf("longer text counted %d tokens, short counted %d", long, short)
	}
}

func TestUsage(t *testing.T) {
	e := NewEstimator()
	messages := []openai.ChatCompletionMessage{
		{Role: "system", Content: openai.MessageContent{Text: "be brief"}},
		{Role: "user", Content: openai.MessageContent{Text: "what is the capital of France?"}},
	}

	usage := e.Usage(messages, "Paris.")
	if usage.PromptTokens <= 0 || usage.CompletionTokens <= 0 {
		t.Fatalf("usage = %+v, want positive counts", usage)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("total %d != prompt %d + completion %d",
			usage.TotalTokens, usage.PromptTokens, usage.CompletionTokens)
	}
}

func TestCountMessages_IncludesToolCalls(t *testing.T) {
	e := NewEstimator()
	base := []openai.ChatCompletionMessage{{Role: "user", Content: openai.MessageContent{Text: "hi"}}}
	withTools := append(base, openai.ChatCompletionMessage{
		Role: "assistant",
		ToolCalls: []openai.ToolCall{{
			ID: "call-1", Type: "function",
			Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
		}},
	})

	if e.CountMessages(withTools) <= e.CountMessages(base) {
		t.Error("tool calls did not contribute to the estimate")
	}
}
