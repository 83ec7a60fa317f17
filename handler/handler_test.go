package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/usecase"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) StreamChat(_ context.Context, model string, messages []domain.ChatMessage) (usecase.ChunkReader, error) {
	args := m.Called(model, messages)
	if r := args.Get(0); r != nil {
		return r.(usecase.ChunkReader), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage, maxTokens int) (string, error) {
	args := m.Called(model, messages, maxTokens)
	return args.String(0), args.Error(1)
}

// sliceReader replays chunks, then returns err (io.EOF when nil).
type sliceReader struct {
	chunks []domain.StreamChunk
	err    error
	closed bool
}

func (r *sliceReader) Recv() (domain.StreamChunk, error) {
	if len(r.chunks) > 0 {
		c := r.chunks[0]
		r.chunks = r.chunks[1:]
		return c, nil
	}
	if r.err != nil {
		return domain.StreamChunk{}, r.err
	}
	return domain.StreamChunk{}, io.EOF
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

func textReader(parts ...string) *sliceReader {
	r := &sliceReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, domain.StreamChunk{Content: p})
	}
	return r
}

// endlessReader yields a fragment every few milliseconds until closed.
type endlessReader struct {
	closed chan struct{}
	once   sync.Once
}

func newEndlessReader() *endlessReader {
	return &endlessReader{closed: make(chan struct{})}
}

func (r *endlessReader) Recv() (domain.StreamChunk, error) {
	select {
	case <-r.closed:
		return domain.StreamChunk{}, io.EOF
	case <-time.After(5 * time.Millisecond):
		return domain.StreamChunk{Content: "tick"}, nil
	}
}

func (r *endlessReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type testEnv struct {
	engine   *gin.Engine
	llm      *mockLLM
	apiKeys  []string
	frontend string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{llm: &mockLLM{}}
	relay, err := usecase.NewRelayService(func(apiKey string) (usecase.LLMClient, error) {
		env.apiKeys = append(env.apiKeys, apiKey)
		return env.llm, nil
	}, "")
	require.NoError(t, err)

	if opts.FrontendDir == "" {
		opts.FrontendDir = filepath.Join(t.TempDir(), "missing-frontend")
	}
	if opts.CORSOrigins == nil {
		opts.CORSOrigins = []string{"*"}
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	env.frontend = opts.FrontendDir

	h, err := NewHandler(relay, opts)
	require.NoError(t, err)
	env.engine = h.Routes()
	return env
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, Options{})
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// POST /api/chat
// ---------------------------------------------------------------------------

func TestChat_StreamsFragments(t *testing.T) {
	env := newTestEnv(t, Options{})
	reader := textReader("H", "i", "!")
	env.llm.On("StreamChat", usecase.DefaultModel, []domain.ChatMessage{{Role: "user", Content: "hi"}}).Return(reader, nil)

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"k"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hi!", rec.Body.String())
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.True(t, rec.Flushed)
	require.True(t, reader.closed)
	require.Equal(t, []string{"k"}, env.apiKeys)
	env.llm.AssertExpectations(t)
}

func TestChat_ForwardsDeveloperMessageAndModel(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("StreamChat", "gpt-4o", []domain.ChatMessage{
		{Role: "developer", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}).Return(textReader("ok"), nil)

	rec := env.do(http.MethodPost, "/api/chat",
		`{"developer_message":"be terse","user_message":"hi","model":"gpt-4o","api_key":"k"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	env.llm.AssertExpectations(t)
}

func TestChat_SkipsEmptyChunks(t *testing.T) {
	env := newTestEnv(t, Options{})
	reader := &sliceReader{chunks: []domain.StreamChunk{
		{},
		{Content: "Hel"},
		{Content: "lo"},
		{},
		{Content: " world"},
		{FinishReason: "stop"},
	}}
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(reader, nil)

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"k","developer_message":"  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hello world", rec.Body.String())
}

func TestChat_EmptyCompletion(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(&sliceReader{}, nil)

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"k"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestChat_ValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		detail string
	}{
		{name: "missing user_message", body: `{"api_key":"k"}`, status: http.StatusUnprocessableEntity, detail: "user_message is required"},
		{name: "missing api_key", body: `{"user_message":"hi"}`, status: http.StatusUnprocessableEntity, detail: "api_key is required"},
		{name: "both missing", body: `{}`, status: http.StatusUnprocessableEntity, detail: "user_message is required; api_key is required"},
		{name: "empty user_message", body: `{"user_message":"","api_key":"k"}`, status: http.StatusUnprocessableEntity, detail: "user_message is required"},
		{name: "blank user_message", body: `{"user_message":"  ","api_key":"k"}`, status: http.StatusUnprocessableEntity, detail: "user_message is required"},
		{name: "blank api_key", body: `{"user_message":"hi","api_key":" "}`, status: http.StatusUnprocessableEntity, detail: "api_key is required"},
		{name: "wrong type", body: `{"user_message":5,"api_key":"k"}`, status: http.StatusUnprocessableEntity, detail: "user_message must be a string"},
		{name: "not json", body: `not-json`, status: http.StatusBadRequest},
		{name: "empty body", body: ``, status: http.StatusBadRequest, detail: "request body is empty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			rec := env.do(http.MethodPost, "/api/chat", tc.body)
			require.Equal(t, tc.status, rec.Code)

			out := parseBody[errorResponse](t, rec.Body.Bytes())
			require.NotEmpty(t, out.Detail)
			if tc.detail != "" {
				require.Equal(t, tc.detail, out.Detail)
			}
			require.Empty(t, env.apiKeys)
			env.llm.AssertNotCalled(t, "StreamChat", mock.Anything, mock.Anything)
		})
	}
}

func TestChat_AuthFailureBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(nil, &openai.HTTPStatusError{
		StatusCode: http.StatusUnauthorized,
		Message:    "Incorrect API key provided",
	})

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"bad"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.Bytes())
	require.Equal(t, "openai: unexpected status 401: Incorrect API key provided", out.Detail)
}

func TestChat_FailureBeforeFirstFragment(t *testing.T) {
	env := newTestEnv(t, Options{})
	reader := &sliceReader{chunks: []domain.StreamChunk{{}}, err: errors.New("openai: decode stream chunk: bad frame")}
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(reader, nil)

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"k"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.Bytes())
	require.Equal(t, "openai: decode stream chunk: bad frame", out.Detail)
	require.True(t, reader.closed)
}

func TestChat_MidStreamFailureAbortsConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	reader := &sliceReader{
		chunks: []domain.StreamChunk{{Content: "par"}, {Content: "tial"}},
		err:    errors.New("connection reset by peer"),
	}
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(reader, nil)

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewBufferString(`{"user_message":"hi","api_key":"k"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	require.Equal(t, "partial", string(body))
}

func TestChat_ClientDisconnectClosesStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	reader := newEndlessReader()
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(reader, nil)

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat", bytes.NewBufferString(`{"user_message":"hi","api_key":"k"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := make([]byte, len("tick"))
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)
	require.Equal(t, "tick", string(first))

	cancel()
	_ = resp.Body.Close()

	select {
	case <-reader.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("provider stream still open after the client disconnected")
	}
}

func TestChat_OverHTTPServer(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Return(textReader("H", "i", "!"), nil)

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewBufferString(`{"user_message":"hi","api_key":"k"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hi!", string(body))
}

// ---------------------------------------------------------------------------
// Peripheral endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	rec := newTestEnv(t, Options{}).do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTestEndpoint(t *testing.T) {
	rec := newTestEnv(t, Options{}).do(http.MethodGet, "/api/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[map[string]any](t, rec.Body.Bytes())
	require.Equal(t, "success", out["status"])
	require.Contains(t, out["endpoints"], "chat")
}

func TestDebug_EchoesBody(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodPost, "/api/debug", `{"user_message":"hi","n":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := parseBody[map[string]any](t, rec.Body.Bytes())
	require.Equal(t, map[string]any{"user_message": "hi", "n": float64(2)}, out["received_data"])

	rec = env.do(http.MethodPost, "/api/debug", `[`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndex_Fallback(t *testing.T) {
	rec := newTestEnv(t, Options{}).do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "Frontend Not Found")
	require.Contains(t, rec.Body.String(), "missing-frontend")
}

func newFrontend(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>chat</h1>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "styles.css"), []byte("body{}"), 0o600))
	return dir
}

func TestIndex_ServesFrontendAndStatic(t *testing.T) {
	env := newTestEnv(t, Options{FrontendDir: newFrontend(t)})

	rec := env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>chat</h1>", rec.Body.String())

	rec = env.do(http.MethodGet, "/static/styles.css", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "body{}", rec.Body.String())

	rec = env.do(http.MethodGet, "/static/missing.js", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaticNotMountedWithoutFrontend(t *testing.T) {
	rec := newTestEnv(t, Options{}).do(http.MethodGet, "/static/styles.css", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugStatic(t *testing.T) {
	dir := newFrontend(t)
	rec := newTestEnv(t, Options{FrontendDir: dir}).do(http.MethodGet, "/api/debug-static", "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := parseBody[struct {
		FrontendPath   string          `json:"frontend_path"`
		FrontendExists bool            `json:"frontend_exists"`
		StaticFiles    []string        `json:"static_files"`
		FilesExist     map[string]bool `json:"files_exist"`
	}](t, rec.Body.Bytes())
	require.Equal(t, dir, out.FrontendPath)
	require.True(t, out.FrontendExists)
	require.Len(t, out.StaticFiles, 3)
	require.Equal(t, map[string]bool{"index.html": true, "script.js": false, "styles.css": true}, out.FilesExist)
}

func TestTestOpenAI(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("Chat", usecase.ProbeModel, mock.Anything, 50).Return("Hello, OpenAI API is working!", nil).Once()
	env.llm.On("Chat", usecase.ProbeModel, mock.Anything, 50).Return("", errors.New("openai: unexpected status 401: bad key")).Once()

	rec := env.do(http.MethodGet, "/api/test-openai", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "instructions")

	rec = env.do(http.MethodPost, "/api/test-openai", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"error":"API key required"}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/test-openai", `{"api_key":"k"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ok := parseBody[map[string]any](t, rec.Body.Bytes())
	require.Equal(t, "success", ok["status"])
	require.Equal(t, "Hello, OpenAI API is working!", ok["response"])
	require.Equal(t, usecase.ProbeModel, ok["model_used"])

	rec = env.do(http.MethodPost, "/api/test-openai", `{"api_key":"k"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := parseBody[map[string]any](t, rec.Body.Bytes())
	require.Equal(t, "error", failed["status"])
	require.Equal(t, "openai: unexpected status 401: bad key", failed["error"])
	env.llm.AssertExpectations(t)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestCorrelationID(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/api/health", "", "x-correlation-id", "corr-123")
	require.Equal(t, "corr-123", rec.Header().Get(headerCorrelationID))

	rec = env.do(http.MethodGet, "/api/health", "")
	_, err := uuid.Parse(rec.Header().Get(headerCorrelationID))
	require.NoError(t, err)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodOptions, "/api/chat", "", "Origin", "https://app.example", "Access-Control-Request-Method", "POST")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")

	rec = env.do(http.MethodOptions, "/api/chat", "",
		"Origin", "https://app.example",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "content-type, x-client-version",
	)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "content-type, x-client-version", rec.Header().Get("Access-Control-Allow-Headers"))
	require.Contains(t, rec.Header().Values("Vary"), "Access-Control-Request-Headers")

	restricted := newTestEnv(t, Options{CORSOrigins: []string{"https://a.example"}})
	rec = restricted.do(http.MethodGet, "/api/health", "", "Origin", "https://evil.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = restricted.do(http.MethodGet, "/api/health", "", "Origin", "https://a.example")
	require.Equal(t, "https://a.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverer(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.llm.On("StreamChat", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("unexpected")
	})

	rec := env.do(http.MethodPost, "/api/chat", `{"user_message":"hi","api_key":"k"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
}
