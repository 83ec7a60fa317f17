package handler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/usecase"
)

const headerCorrelationID = "X-Correlation-Id"

// Relayer is the completion relay consumed by the gateway.
type Relayer interface {
	Relay(ctx context.Context, in usecase.RelayInput) (*usecase.FragmentStream, error)
	Probe(ctx context.Context, apiKey string) (usecase.ProbeOutput, error)
}

type Options struct {
	FrontendDir string
	CORSOrigins []string
	Logger      *slog.Logger
}

// Handler is the HTTP gateway in front of the completion relay.
type Handler struct {
	relay       Relayer
	frontendDir string
	corsOrigins []string
	log         *slog.Logger
}

func NewHandler(relay Relayer, opts Options) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	dir := strings.TrimSpace(opts.FrontendDir)
	if dir == "" {
		dir = "frontend"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registerJSONFieldNames()
	return &Handler{
		relay:       relay,
		frontendDir: dir,
		corsOrigins: opts.CORSOrigins,
		log:         logger,
	}, nil
}

// Routes builds the gin engine serving every endpoint.
func (h *Handler) Routes() *gin.Engine {
	r := gin.New()
	r.Use(h.recoverer(), h.correlationID(), h.requestLogger(), h.cors())

	r.GET("/", h.index)
	if h.frontendExists() {
		r.Static("/static", h.frontendDir)
	} else {
		h.log.Warn("frontend directory not found; static files disabled", "frontend_dir", h.frontendDir)
	}

	api := r.Group("/api")
	api.POST("/chat", h.chat)
	api.GET("/health", h.health)
	api.GET("/test", h.test)
	api.POST("/debug", h.debug)
	api.GET("/debug-static", h.debugStatic)
	api.GET("/test-openai", h.testOpenAIInfo)
	api.POST("/test-openai", h.testOpenAI)
	return r
}

func (h *Handler) frontendExists() bool {
	info, err := os.Stat(h.frontendDir)
	return err == nil && info.IsDir()
}

func (h *Handler) frontendAbs() string {
	abs, err := filepath.Abs(h.frontendDir)
	if err != nil {
		return h.frontendDir
	}
	return abs
}

type errorResponse struct {
	Detail string `json:"detail"`
}
