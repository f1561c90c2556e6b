// Package stream turns the upstream agent's event stream into OpenAI-style
// chat completion chunks, in both streaming and aggregate form.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/warpgate/internal/openai"
	"github.com/tjfontaine/warpgate/internal/upstream"
)

// ErrStalled means the upstream went silent past the idle timeout while a
// stream was open.
var ErrStalled = errors.New("stream stalled: no upstream event within the idle timeout")

// DefaultIdleTimeout bounds the wait for the next upstream event.
const DefaultIdleTimeout = 30 * time.Second

// state tracks where the transformer is in the stream lifecycle.
type state int

const (
	stateIdle state = iota
	stateStreaming
	stateToolCalling
	stateFinished
	stateErrored
)

const (
	finishStop      = "stop"
	finishToolCalls = "tool_calls"
	finishLength    = "length"
	finishError     = "error"
)

// InitObserver receives the session identifiers announced at stream start.
type InitObserver func(conversationID, taskID string)

// Option configures a Transformer.
type Option func(*Transformer)

// WithIdleTimeout overrides the per-event idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Transformer) {
		if d > 0 {
			t.idleTimeout = d
		}
	}
}

// WithInitObserver registers a callback for Init events, so session state
// can be updated without this package touching it directly.
func WithInitObserver(fn InitObserver) Option {
	return func(t *Transformer) {
		t.onInit = fn
	}
}

// WithStreamLogger sets the transformer logger.
func WithStreamLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// Transformer drives one stream from upstream events to completion chunks.
// It holds no credential or quota state; a fresh Transformer serves each
// request.
type Transformer struct {
	completionID string
	model        string
	created      int64
	idleTimeout  time.Duration
	onInit       InitObserver
	logger       *slog.Logger

	state       state
	roleEmitted bool
	toolIndexes map[string]int
	nextIndex   int
	citations   map[string]struct{}
}

// New creates a transformer stamping chunks with the given completion id
// and model name.
func New(completionID, model string, opts ...Option) *Transformer {
	t := &Transformer{
		completionID: completionID,
		model:        model,
		created:      time.Now().Unix(),
		idleTimeout:  DefaultIdleTimeout,
		logger:       slog.Default(),
		toolIndexes:  make(map[string]int),
		citations:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run consumes upstream events and emits completion chunks until the
// stream finishes, errors, stalls, or the context is canceled. The output
// channel always closes; a terminal error condition is reported as a final
// chunk with finish_reason "error", never as silent truncation.
func (t *Transformer) Run(ctx context.Context, events <-chan upstream.EventResult) <-chan openai.ChatCompletionChunk {
	out := make(chan openai.ChatCompletionChunk)
	go func() {
		defer close(out)
		t.run(ctx, events, out)
	}()
	return out
}

func (t *Transformer) run(ctx context.Context, events <-chan upstream.EventResult, out chan<- openai.ChatCompletionChunk) {
	timer := time.NewTimer(t.idleTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.idleTimeout)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.logger.Warn("upstream stream stalled", slog.Duration("idle_timeout", t.idleTimeout))
			t.emitError(ctx, out, ErrStalled.Error())
			return
		case result, ok := <-events:
			if !ok {
				if t.state == stateFinished || t.state == stateErrored {
					return
				}
				// Upstream hung up without a finish event.
				t.emitError(ctx, out, "upstream closed the stream before finishing")
				return
			}
			if result.Err != nil {
				t.emitError(ctx, out, result.Err.Error())
				return
			}
			if done := t.handle(ctx, result.Event, out); done {
				return
			}
		}
	}
}

// handle dispatches one upstream event. It returns true when the stream
// has reached a terminal state.
func (t *Transformer) handle(ctx context.Context, ev *upstream.Event, out chan<- openai.ChatCompletionChunk) bool {
	switch {
	case ev == nil:
		return false

	case ev.Init != nil:
		if t.onInit != nil {
			t.onInit(ev.Init.ConversationID, ev.Init.TaskID)
		}
		return false

	case ev.Text != nil:
		t.ensureRole(ctx, out)
		t.state = stateStreaming
		t.send(ctx, out, openai.ChunkDelta{Content: ev.Text.Text}, nil)
		return false

	case ev.ToolCall != nil:
		t.ensureRole(ctx, out)
		t.state = stateToolCalling
		t.send(ctx, out, openai.ChunkDelta{ToolCalls: []openai.ToolCallChunk{t.toolChunk(ev.ToolCall)}}, nil)
		return false

	case ev.Citation != nil:
		// Citations have no chunk representation; deduplicate and drop.
		if _, seen := t.citations[ev.Citation.URL]; !seen {
			t.citations[ev.Citation.URL] = struct{}{}
			t.logger.Debug("citation", slog.String("url", ev.Citation.URL))
		}
		return false

	case ev.Err != nil:
		t.emitError(ctx, out, ev.Err.Message)
		return true

	case ev.Finished != nil:
		reason := t.mapFinish(ev.Finished.Reason)
		t.state = stateFinished
		t.send(ctx, out, openai.ChunkDelta{}, &reason)
		return true
	}
	return false
}

// mapFinish translates the upstream reason, promoting to "tool_calls"
// whenever tool invocations were actually emitted.
func (t *Transformer) mapFinish(reason upstream.FinishReason) string {
	mapped := finishStop
	switch reason {
	case upstream.FinishToolCalls:
		mapped = finishToolCalls
	case upstream.FinishLength:
		mapped = finishLength
	}
	if mapped == finishStop && t.nextIndex > 0 {
		mapped = finishToolCalls
	}
	return mapped
}

// ensureRole emits the role-marker chunk before the first content.
func (t *Transformer) ensureRole(ctx context.Context, out chan<- openai.ChatCompletionChunk) {
	if t.roleEmitted {
		return
	}
	t.roleEmitted = true
	t.send(ctx, out, openai.ChunkDelta{Role: "assistant"}, nil)
}

// toolChunk assigns a stable index per call id so argument fragments for
// the same invocation land on the same slot.
func (t *Transformer) toolChunk(delta *upstream.ToolCallDelta) openai.ToolCallChunk {
	index, seen := t.toolIndexes[delta.CallID]
	if !seen || delta.CallID == "" {
		index = t.nextIndex
		t.nextIndex++
		if delta.CallID != "" {
			t.toolIndexes[delta.CallID] = index
		}
	}

	chunk := openai.ToolCallChunk{
		Index:    index,
		Function: &openai.FunctionCallChunk{Arguments: delta.Arguments},
	}
	if !seen {
		chunk.ID = delta.CallID
		chunk.Type = "function"
		chunk.Function.Name = delta.Name
	}
	return chunk
}

func (t *Transformer) emitError(ctx context.Context, out chan<- openai.ChatCompletionChunk, message string) {
	t.state = stateErrored
	reason := finishError
	chunk := t.chunk(openai.ChunkDelta{}, &reason)
	chunk.Error = &openai.APIError{Message: message, Type: "upstream_error"}
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

func (t *Transformer) send(ctx context.Context, out chan<- openai.ChatCompletionChunk, delta openai.ChunkDelta, finish *string) {
	select {
	case out <- t.chunk(delta, finish):
	case <-ctx.Done():
	}
}

func (t *Transformer) chunk(delta openai.ChunkDelta, finish *string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      t.completionID,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// Collect drains a chunk stream into one aggregate completion. Content is
// the exact concatenation of the streamed deltas and the finish reason is
// carried over unchanged. An error chunk aborts with its message.
func Collect(ctx context.Context, chunks <-chan openai.ChatCompletionChunk) (*openai.ChatCompletionResponse, error) {
	var (
		resp      *openai.ChatCompletionResponse
		content   strings.Builder
		toolCalls []openai.ToolCall
		finish    = finishStop
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if resp == nil {
					return nil, errors.New("stream produced no chunks")
				}
				resp.Choices[0].Message.Content = openai.MessageContent{Text: content.String()}
				resp.Choices[0].Message.ToolCalls = toolCalls
				resp.Choices[0].FinishReason = finish
				return resp, nil
			}

			if chunk.Error != nil {
				return nil, errors.New(chunk.Error.Message)
			}
			if resp == nil {
				resp = &openai.ChatCompletionResponse{
					ID:      chunk.ID,
					Object:  "chat.completion",
					Created: chunk.Created,
					Model:   chunk.Model,
					Choices: []openai.Choice{{Message: openai.ChatCompletionMessage{Role: "assistant"}}},
				}
			}
			for _, choice := range chunk.Choices {
				content.WriteString(choice.Delta.Content)
				toolCalls = mergeToolChunks(toolCalls, choice.Delta.ToolCalls)
				if choice.FinishReason != nil {
					finish = *choice.FinishReason
				}
			}
		}
	}
}

// mergeToolChunks folds partial tool calls into complete ones by index.
func mergeToolChunks(calls []openai.ToolCall, chunks []openai.ToolCallChunk) []openai.ToolCall {
	for _, c := range chunks {
		for len(calls) <= c.Index {
			calls = append(calls, openai.ToolCall{Type: "function"})
		}
		call := &calls[c.Index]
		if c.ID != "" {
			call.ID = c.ID
		}
		if c.Function != nil {
			if c.Function.Name != "" {
				call.Function.Name = c.Function.Name
			}
			call.Function.Arguments += c.Function.Arguments
		}
	}
	return calls
}
