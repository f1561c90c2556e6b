// Package tokens estimates token counts for usage reporting. The upstream
// agent reports no usage, so aggregate responses carry a tiktoken-based
// estimate instead.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/warpgate/internal/openai"
)

// Estimator counts tokens with a cached tokenizer codec. Counts are
// estimates: upstream models are not OpenAI models, so the cl100k encoding
// stands in for all of them.
type Estimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewEstimator creates an estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) getCodec() (tokenizer.Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.codec != nil {
		return e.codec, nil
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("tokenizer unavailable: %w", err)
	}
	e.codec = codec
	return codec, nil
}

// CountText returns the token count of a single string. Tokenizer failures
// degrade to a character-based estimate rather than erroring.
func (e *Estimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	codec, err := e.getCodec()
	if err != nil {
		return len(s) / 4
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return len(s) / 4
	}
	return len(ids)
}

// perMessageOverhead approximates the framing tokens around each message.
const perMessageOverhead = 4

// CountMessages estimates the prompt size of a transcript.
func (e *Estimator) CountMessages(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += e.CountText(msg.Role)
		if msg.Content.IsParts() {
			for _, part := range msg.Content.Parts {
				total += e.CountText(part.Text)
			}
		} else {
			total += e.CountText(msg.Content.Text)
		}
		for _, call := range msg.ToolCalls {
			total += e.CountText(call.Function.Name)
			total += e.CountText(call.Function.Arguments)
		}
	}
	return total
}

// Usage builds a usage block from a prompt transcript and completion text.
func (e *Estimator) Usage(messages []openai.ChatCompletionMessage, completion string) *openai.Usage {
	prompt := e.CountMessages(messages)
	out := e.CountText(completion)
	return &openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
