package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/warpgate/internal/config"
	"github.com/tjfontaine/warpgate/internal/conversation"
	"github.com/tjfontaine/warpgate/internal/credential"
	"github.com/tjfontaine/warpgate/internal/metrics"
	"github.com/tjfontaine/warpgate/internal/openai"
	"github.com/tjfontaine/warpgate/internal/session"
	"github.com/tjfontaine/warpgate/internal/stream"
	"github.com/tjfontaine/warpgate/internal/tokens"
	"github.com/tjfontaine/warpgate/internal/translate"
	"github.com/tjfontaine/warpgate/internal/upstream"
	"github.com/tjfontaine/warpgate/internal/usage"
)

// TokenProvider supplies a fresh upstream credential per request.
type TokenProvider interface {
	Acquire(ctx context.Context) (credential.Credential, error)
}

// ChatHandlerConfig carries the collaborators the handler drives.
type ChatHandlerConfig struct {
	Credentials TokenProvider
	Streamer    upstream.Streamer
	Translator  *translate.Translator
	Usage       *usage.Tracker
	Session     *session.State
	Estimator   *tokens.Estimator
	Metrics     *metrics.Metrics
	Models      config.ModelsConfig
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// ChatHandler serves the chat-completions surface.
type ChatHandler struct {
	cfg ChatHandlerConfig
}

// NewChatHandler creates the handler. Usage may be nil when no quota
// endpoint is configured.
func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = stream.DefaultIdleTimeout
	}
	if cfg.Estimator == nil {
		cfg.Estimator = tokens.NewEstimator()
	}
	return &ChatHandler{cfg: cfg}
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *ChatHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, r, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.reject(w, r, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	mode := "aggregate"
	if req.Stream {
		mode = "stream"
	}
	AddLogField(ctx, "model", req.Model)
	AddLogField(ctx, "mode", mode)

	norm, err := conversation.Normalize(openai.ToTurns(req.Messages))
	if err != nil {
		h.reject(w, r, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if h.cfg.Usage != nil && h.cfg.Usage.ShouldThrottle(ctx, usage.KindRequest) {
		h.count(mode, "throttled")
		h.writeError(w, http.StatusTooManyRequests, "insufficient_quota",
			"request quota nearly exhausted, retry after the quota window resets")
		return
	}

	ureq, err := h.cfg.Translator.Translate(norm,
		upstream.ModelConfig{Base: req.Model},
		toolsOf(req.Tools),
		h.cfg.Session.Snapshot())
	if err != nil {
		h.reject(w, r, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	cred, err := h.cfg.Credentials.Acquire(ctx)
	if err != nil {
		AddError(ctx, err)
		h.count(mode, "credential_error")
		h.writeError(w, http.StatusBadGateway, "upstream_error", "upstream authentication unavailable")
		return
	}

	events, err := h.cfg.Streamer.Stream(ctx, ureq, cred.AccessToken)
	if err != nil {
		AddError(ctx, err)
		if upstream.IsQuotaExhausted(err) {
			h.count(mode, "quota_exhausted")
			h.writeError(w, http.StatusTooManyRequests, "insufficient_quota", "upstream request quota exhausted")
			return
		}
		h.count(mode, "upstream_error")
		h.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	if h.cfg.Metrics != nil {
		events = h.observeEvents(ctx, events)
	}

	tr := stream.New("chatcmpl-"+uuid.NewString(), req.Model,
		stream.WithIdleTimeout(h.cfg.IdleTimeout),
		stream.WithStreamLogger(h.cfg.Logger),
		stream.WithInitObserver(func(conversationID, taskID string) {
			h.cfg.Session.Observe(conversationID, taskID)
			AddLogField(ctx, "conversation_id", conversationID)
		}),
	)

	started := time.Now()
	chunks := tr.Run(ctx, events)
	var outcome string
	if req.Stream {
		outcome = h.writeStream(ctx, w, chunks)
	} else {
		outcome = h.writeAggregate(ctx, w, req, chunks)
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.StreamDuration.Observe(time.Since(started).Seconds())
	}
	if h.cfg.Usage != nil {
		h.cfg.Usage.RecordUse()
	}
	h.count(mode, outcome)
}

// observeEvents forwards the upstream channel while counting event kinds.
func (h *ChatHandler) observeEvents(ctx context.Context, in <-chan upstream.EventResult) <-chan upstream.EventResult {
	out := make(chan upstream.EventResult)
	go func() {
		defer close(out)
		for res := range in {
			if res.Event != nil {
				h.cfg.Metrics.UpstreamEvents.WithLabelValues(res.Event.Kind()).Inc()
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (h *ChatHandler) writeStream(ctx context.Context, w http.ResponseWriter, chunks <-chan openai.ChatCompletionChunk) string {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	outcome := "ok"
	flusher, _ := w.(http.Flusher)
	for chunk := range chunks {
		if chunk.Error != nil {
			outcome = "stream_error"
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			h.cfg.Logger.Error("chunk marshal failed", slog.String("error", err.Error()))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away; the context cancellation stops upstream.
			return "client_gone"
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return outcome
}

func (h *ChatHandler) writeAggregate(ctx context.Context, w http.ResponseWriter, req openai.ChatCompletionRequest, chunks <-chan openai.ChatCompletionChunk) string {
	resp, err := stream.Collect(ctx, chunks)
	if err != nil {
		AddError(ctx, err)
		h.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return "upstream_error"
	}

	resp.Usage = h.cfg.Estimator.Usage(req.Messages, resp.Choices[0].Message.Content.Text)
	h.writeJSON(w, http.StatusOK, resp)
	return "ok"
}

// HandleModels serves GET /v1/models from the configured catalog.
func (h *ChatHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	list := openai.ModelList{Object: "list", Data: []openai.Model{}}
	for _, item := range h.cfg.Models.Catalog {
		owned := item.OwnedBy
		if owned == "" {
			owned = "warpgate"
		}
		list.Data = append(list.Data, openai.Model{
			ID:      item.ID,
			Object:  "model",
			Created: item.Created,
			OwnedBy: owned,
		})
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleHealth serves GET /healthz.
func (h *ChatHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toolsOf(tools []openai.Tool) []translate.Tool {
	out := make([]translate.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out = append(out, translate.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func (h *ChatHandler) reject(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	AddLogField(r.Context(), "reject_reason", message)
	h.writeError(w, status, errType, message)
}

func (h *ChatHandler) count(mode, outcome string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RequestsTotal.WithLabelValues(mode, outcome).Inc()
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, openai.ErrorResponse{
		Error: &openai.APIError{Message: message, Type: errType},
	})
}

func (h *ChatHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.cfg.Logger.Error("response encode failed", slog.String("error", err.Error()))
	}
}
