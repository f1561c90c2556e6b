package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultClientVersion = "v0.2025.08.06.08.12.stable_02"
	defaultOSCategory    = "Windows"
	defaultOSName        = "Windows"
	defaultOSVersion     = "11 (26100)"
)

// Streamer is the abstract surface the bridge engine depends on for
// outbound calls: composed request out, event stream back.
type Streamer interface {
	Stream(ctx context.Context, req *Request, accessToken string) (<-chan EventResult, error)
}

// QuotaFetcher retrieves the account's request-quota state.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken string) (*QuotaInfo, error)
}

// QuotaInfo is the upstream's view of quota consumption.
type QuotaInfo struct {
	RequestLimit int       `json:"request_limit"`
	RequestsUsed int       `json:"requests_used"`
	ResetsAt     time.Time `json:"resets_at"`
	Unlimited    bool      `json:"is_unlimited"`
}

// RequestError is a non-200 reply from the upstream.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Body)
}

// IsQuotaExhausted reports whether err is the upstream's quota-exhaustion
// rejection, as opposed to an auth 429.
func IsQuotaExhausted(err error) bool {
	re, ok := err.(*RequestError)
	if !ok || re.Status != http.StatusTooManyRequests {
		return false
	}
	return strings.Contains(re.Body, "No remaining quota") ||
		strings.Contains(re.Body, "No AI requests remaining")
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientVersion overrides the advertised client version header.
func WithClientVersion(version string) ClientOption {
	return func(c *Client) {
		c.clientVersion = version
	}
}

// WithQuotaURL sets the quota query endpoint.
func WithQuotaURL(url string) ClientOption {
	return func(c *Client) {
		c.quotaURL = url
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is the HTTP implementation of Streamer and QuotaFetcher.
type Client struct {
	streamURL     string
	quotaURL      string
	httpClient    *http.Client
	clientVersion string
	osCategory    string
	osName        string
	osVersion     string
	logger        *slog.Logger
}

// NewClient creates an upstream client for the given stream endpoint.
func NewClient(streamURL string, opts ...ClientOption) *Client {
	c := &Client{
		streamURL:     strings.TrimSuffix(streamURL, "/"),
		httpClient:    http.DefaultClient,
		clientVersion: defaultClientVersion,
		osCategory:    defaultOSCategory,
		osName:        defaultOSName,
		osVersion:     defaultOSVersion,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Streamer = (*Client)(nil)
var _ QuotaFetcher = (*Client)(nil)

// Stream sends the composed request and returns a channel of decoded
// events. The channel closes when the upstream signals completion, the
// stream ends, or ctx is cancelled; transport failures arrive as the final
// EventResult with Err set.
func (c *Client) Stream(ctx context.Context, req *Request, accessToken string) (<-chan EventResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &RequestError{Status: resp.StatusCode, Body: string(respBody)}
	}

	out := make(chan EventResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Client-Version", c.clientVersion)
	req.Header.Set("X-OS-Category", c.osCategory)
	req.Header.Set("X-OS-Name", c.osName)
	req.Header.Set("X-OS-Version", c.osVersion)
}

// streamReader decodes SSE blocks into events. Every send is guarded by
// ctx so an abandoned consumer never strands this goroutine or the
// response body.
func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- EventResult) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large event payloads
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var current strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(line[5:])
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				c.dispatchBlock(ctx, &current, out)
				return
			}
			current.WriteString(payload)
			continue
		}

		// Blank line terminates the current event block.
		if strings.TrimSpace(line) != "" || current.Len() == 0 {
			continue
		}
		if !c.dispatchBlock(ctx, &current, out) {
			return
		}
	}

	// A block still pending at EOF is a complete payload; the upstream does
	// not always terminate the final event with a blank line.
	if !c.dispatchBlock(ctx, &current, out) {
		return
	}

	if err := scanner.Err(); err != nil {
		c.send(ctx, out, EventResult{Err: fmt.Errorf("stream read error: %w", err)})
	}
}

// dispatchBlock decodes and emits the accumulated data block. It returns
// false when the consumer is gone and the reader should stop.
func (c *Client) dispatchBlock(ctx context.Context, current *strings.Builder, out chan<- EventResult) bool {
	if current.Len() == 0 {
		return true
	}

	raw, err := decodePayload(current.String())
	current.Reset()
	if err != nil {
		c.logger.Debug("skipping unparseable stream block", slog.String("error", err.Error()))
		return true
	}

	var re responseEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		c.logger.Debug("skipping undecodable event", slog.String("error", err.Error()))
		return true
	}

	for _, ev := range re.flatten() {
		ev := ev
		if !c.send(ctx, out, EventResult{Event: &ev}) {
			return false
		}
	}
	return true
}

func (c *Client) send(ctx context.Context, out chan<- EventResult, res EventResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// decodePayload restores the raw event bytes from an SSE data block. The
// upstream emits hex or URL-safe base64, with or without padding.
func decodePayload(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}

	if hexPattern.MatchString(s) && len(s)%2 == 0 {
		if raw, err := hex.DecodeString(s); err == nil {
			return raw, nil
		}
	}

	padded := s + strings.Repeat("=", (4-len(s)%4)%4)
	if raw, err := base64.URLEncoding.DecodeString(padded); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(padded); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("payload is neither hex nor base64")
}

// FetchQuota queries the upstream for current quota consumption.
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (*QuotaInfo, error) {
	if c.quotaURL == "" {
		return nil, fmt.Errorf("quota endpoint not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.quotaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("X-Client-Version", c.clientVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var info QuotaInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota response: %w", err)
	}
	return &info, nil
}
