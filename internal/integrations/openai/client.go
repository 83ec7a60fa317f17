package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"chat-relay/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// errorEnvelope is the error body OpenAI-compatible APIs return on non-2xx.
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions. A Client
// is bound to a single API key; build one per caller credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	api        oai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: DefaultHTTPClient(),
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = DefaultHTTPClient()
	}
	// Provider failures are surfaced as-is; the SDK's retries are disabled.
	c.api = oai.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(apiBaseURL(c.baseURL)),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
		option.WithMiddleware(statusErrors),
	)
	return c, nil
}

// DefaultHTTPClient returns a client suited to long-lived streams: it bounds
// connection setup and the wait for response headers but not the body.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
		},
	}
}

// apiBaseURL normalizes baseURL to the versioned API root with a trailing
// slash, which the SDK resolves "chat/completions" against.
func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/"
}

// StreamChat opens a streaming chat completion. The returned Stream must be
// closed by the caller; cancelling ctx aborts the upstream request.
func (c *Client) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (*Stream, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	events := c.api.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(model),
		Messages: toSDKMessages(messages),
	})
	if err := events.Err(); err != nil {
		_ = events.Close()
		return nil, requestError(err)
	}
	return newStream(events), nil
}

// Chat performs a single non-streaming completion and returns the first
// choice's content. maxTokens <= 0 leaves the provider default.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage, maxTokens int) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(model),
		Messages: toSDKMessages(messages),
	}
	if maxTokens > 0 {
		params.MaxTokens = oai.Int(int64(maxTokens))
	}

	res, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", requestError(err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return res.Choices[0].Message.Content, nil
}

func toSDKMessages(messages []domain.ChatMessage) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleDeveloper {
			out = append(out, oai.DeveloperMessage(m.Content))
			continue
		}
		out = append(out, oai.UserMessage(m.Content))
	}
	return out
}

// requestError returns status errors unwrapped so callers see the provider's
// message; anything else is a transport or decoding failure.
func requestError(err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	return fmt.Errorf("openai: request failed: %w", err)
}

// statusErrors is SDK middleware turning non-2xx responses into
// *HTTPStatusError before the SDK parses them.
func statusErrors(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	res, err := next(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, newHTTPStatusError(res, req.URL.String())
	}
	return res, nil
}

func newHTTPStatusError(res *http.Response, url string) *HTTPStatusError {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	statusErr := &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
	var env errorEnvelope
	if json.Unmarshal(buf, &env) == nil && env.Error != nil {
		statusErr.Message = strings.TrimSpace(env.Error.Message)
	}
	return statusErr
}
