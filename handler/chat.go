package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"chat-relay/internal/usecase"
)

type chatRequest struct {
	DeveloperMessage string `json:"developer_message"`
	UserMessage      string `json:"user_message" binding:"required"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key" binding:"required"`
}

// chat relays one completion as a text/plain body, flushing after every
// fragment. The first fragment is awaited before the status is committed so
// failures that happen before any output still get a JSON error.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, detail := bindErrorResponse(err)
		c.JSON(status, errorResponse{Detail: detail})
		return
	}

	stream, err := h.relay.Relay(c.Request.Context(), usecase.RelayInput{
		DeveloperMessage: req.DeveloperMessage,
		UserMessage:      req.UserMessage,
		Model:            req.Model,
		APIKey:           req.APIKey,
	})
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	defer func() { _ = stream.Close() }()

	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeRelayError(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	if errors.Is(err, io.EOF) {
		h.logStreamEnd(c, stream)
		return
	}

	frag := first
	for {
		if _, err := io.WriteString(c.Writer, frag); err != nil {
			h.log.Debug("client went away", "err", err, "correlation_id", c.GetString("correlation_id"))
			return
		}
		c.Writer.Flush()

		frag, err = stream.Next()
		if errors.Is(err, io.EOF) {
			h.logStreamEnd(c, stream)
			return
		}
		if err != nil {
			// Headers are committed; dropping the connection is the only
			// failure signal left.
			h.log.Warn("stream aborted mid-response",
				"err", err,
				"fragments", stream.Fragments(),
				"correlation_id", c.GetString("correlation_id"),
			)
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *Handler) logStreamEnd(c *gin.Context, stream *usecase.FragmentStream) {
	h.log.Debug("stream completed",
		"fragments", stream.Fragments(),
		"finish_reason", stream.FinishReason(),
		"correlation_id", c.GetString("correlation_id"),
	)
}

func (h *Handler) writeRelayError(c *gin.Context, err error) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.log.Error("relay failed", "err", err, "correlation_id", c.GetString("correlation_id"))
		c.JSON(http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}
	if usecase.IsValidation(ucErr) {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: ucErr.Detail()})
		return
	}
	h.log.Error("relay failed",
		"code", ucErr.Code,
		"reason", ucErr.Reason,
		"err", ucErr.Err,
		"correlation_id", c.GetString("correlation_id"),
	)
	c.JSON(http.StatusInternalServerError, errorResponse{Detail: ucErr.Detail()})
}

// bindErrorResponse maps a ShouldBindJSON failure to a status and message.
// Schema problems are 422; bodies that are not JSON at all are 400.
func bindErrorResponse(err error) (int, string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldErrorMessage(fe))
		}
		return http.StatusUnprocessableEntity, strings.Join(msgs, "; ")
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return http.StatusUnprocessableEntity, fmt.Sprintf("%s must be a %s", typeErr.Field, typeErr.Type)
	}
	if errors.Is(err, io.EOF) {
		return http.StatusBadRequest, "request body is empty"
	}
	return http.StatusBadRequest, "invalid JSON body: " + err.Error()
}

func fieldErrorMessage(fe validator.FieldError) string {
	if fe.Tag() == "required" {
		return fe.Field() + " is required"
	}
	return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
}

var registerOnce sync.Once

// registerJSONFieldNames makes validation errors report JSON field names.
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
}
