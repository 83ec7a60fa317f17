package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// recoverer turns handler panics into a 500. http.ErrAbortHandler is passed
// through so the server drops the connection.
func (h *Handler) recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.Error("panic recovered",
				"panic", rec,
				"path", c.Request.URL.Path,
				"correlation_id", c.GetString("correlation_id"),
			)
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Detail: "internal server error"})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}

func (h *Handler) correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Header(headerCorrelationID, id)
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.LogAttrs(c.Request.Context(), levelForStatus(c.Writer.Status()), "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("bytes", c.Writer.Size()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.String("correlation_id", c.GetString("correlation_id")),
		)
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// cors allows the configured origins. A lone "*" reflects the caller's
// origin so credentialed browser requests are accepted. Preflight request
// headers are echoed back.
func (h *Handler) cors() gin.HandlerFunc {
	allowAll := len(h.corsOrigins) == 1 && h.corsOrigins[0] == "*"
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			allowOrigin := ""
			if allowAll {
				allowOrigin = origin
			} else {
				for _, allowed := range h.corsOrigins {
					if allowed == origin {
						allowOrigin = origin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
			c.Header("Access-Control-Allow-Headers", requested)
			c.Writer.Header().Add("Vary", "Access-Control-Request-Headers")
		} else {
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerCorrelationID)
		}
		c.Header("Access-Control-Expose-Headers", headerCorrelationID)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
