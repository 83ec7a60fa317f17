package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaAdapter serves an http.Handler behind a Lambda function URL
// configured with the RESPONSE_STREAM invoke mode, so streamed bodies reach
// the caller as they are written.
type LambdaAdapter struct {
	handler http.Handler
}

func NewLambdaAdapter(h http.Handler) (*LambdaAdapter, error) {
	if h == nil {
		return nil, errors.New("handler: http handler must not be nil")
	}
	return &LambdaAdapter{handler: h}, nil
}

// Handle returns as soon as the wrapped handler commits its status; the body
// keeps streaming through the returned reader.
func (a *LambdaAdapter) Handle(ctx context.Context, ev events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req, err := newHTTPRequest(ctx, ev)
	if err != nil {
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       strings.NewReader(`{"detail":"malformed request"}`),
		}, nil
	}

	pr, pw := io.Pipe()
	w := newStreamingWriter(pw)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				perr, ok := rec.(error)
				if !ok {
					perr = fmt.Errorf("handler: panic: %v", rec)
				}
				w.WriteHeader(http.StatusInternalServerError)
				_ = pw.CloseWithError(perr)
				return
			}
			w.WriteHeader(http.StatusOK)
			_ = pw.Close()
		}()
		a.handler.ServeHTTP(w, req)
	}()

	select {
	case <-w.ready:
	case <-ctx.Done():
		_ = pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	headers, cookies := flattenHeaders(w.committed)
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    headers,
		Body:       pr,
		Cookies:    cookies,
	}, nil
}

func newHTTPRequest(ctx context.Context, ev events.LambdaFunctionURLRequest) (*http.Request, error) {
	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = decoded
	}

	target := ev.RawPath
	if target == "" {
		target = "/"
	}
	if ev.RawQueryString != "" {
		target += "?" + ev.RawQueryString
	}
	method := ev.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	for _, cookie := range ev.Cookies {
		req.Header.Add("Cookie", cookie)
	}
	req.RequestURI = target
	req.Host = ev.RequestContext.DomainName
	req.RemoteAddr = ev.RequestContext.HTTP.SourceIP
	return req, nil
}

func flattenHeaders(h http.Header) (map[string]string, []string) {
	out := make(map[string]string, len(h))
	var cookies []string
	for k, vals := range h {
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			cookies = append(cookies, vals...)
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out, cookies
}

// streamingWriter is an http.ResponseWriter writing the body into a pipe.
// Status and headers are frozen by the first WriteHeader or Write.
type streamingWriter struct {
	header http.Header
	pw     *io.PipeWriter

	once      sync.Once
	ready     chan struct{}
	status    int
	committed http.Header
}

func newStreamingWriter(pw *io.PipeWriter) *streamingWriter {
	return &streamingWriter{header: make(http.Header), pw: pw, ready: make(chan struct{})}
}

func (w *streamingWriter) Header() http.Header {
	return w.header
}

func (w *streamingWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		w.committed = w.header.Clone()
		close(w.ready)
	})
}

func (w *streamingWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pw.Write(p)
}

// Flush is a no-op: pipe writes are handed to the reader directly.
func (w *streamingWriter) Flush() {}
