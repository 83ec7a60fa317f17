package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CHAT_RELAY_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	if cfg.ParamPrefix != "" {
		overrides, err := loadParameterOverrides(ctx, cfg.ParamPrefix)
		if err != nil {
			slog.Error("failed to load parameter store overrides", "prefix", cfg.ParamPrefix, "err", err)
			os.Exit(1)
		}
		cfg.ApplyOverrides(overrides)
	}

	// ---- Relay ----
	relay, err := usecase.NewRelayService(newClientFactory(cfg.OpenAI.BaseURL), cfg.OpenAI.DefaultModel)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(relay, handler.Options{
		FrontendDir: cfg.Frontend.Dir,
		CORSOrigins: cfg.CORS.AllowedOrigins,
		Logger:      slog.Default(),
	})
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}
	gin.SetMode(gin.ReleaseMode)
	engine := h.Routes()

	frontendAbs, _ := filepath.Abs(cfg.Frontend.Dir)
	_, statErr := os.Stat(cfg.Frontend.Dir)
	slog.Info("starting chat relay",
		"runtime", cfg.Runtime,
		"default_model", relay.DefaultModel(),
		"frontend_dir", frontendAbs,
		"frontend_exists", statErr == nil,
		"cors_origins", cfg.CORS.AllowedOrigins,
	)

	if cfg.Runtime == config.RuntimeLambda {
		adapter, err := handler.NewLambdaAdapter(engine)
		if err != nil {
			slog.Error("failed to create lambda adapter", "err", err)
			os.Exit(1)
		}
		lambda.Start(adapter.Handle)
		return
	}

	if err := serve(engine, cfg.Addr()); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server until SIGINT or SIGTERM. No write timeout is
// set because chat responses stream for as long as the provider does.
func serve(h http.Handler, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadParameterOverrides(ctx context.Context, prefix string) (config.Overrides, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return config.Overrides{}, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return config.Overrides{}, err
	}
	return ps.LoadOverrides(ctx, prefix)
}

// newClientFactory builds one provider client per caller credential. The
// HTTP transport is shared so upstream connections are pooled.
func newClientFactory(baseURL string) usecase.ClientFactory {
	httpClient := openai.DefaultHTTPClient()
	return func(apiKey string) (usecase.LLMClient, error) {
		c, err := openai.NewClient(apiKey, openai.WithBaseURL(baseURL), openai.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}
		return llmClient{c}, nil
	}
}

// llmClient adapts *openai.Client to usecase.LLMClient.
type llmClient struct {
	*openai.Client
}

func (c llmClient) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (usecase.ChunkReader, error) {
	s, err := c.Client.StreamChat(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return s, nil
}
