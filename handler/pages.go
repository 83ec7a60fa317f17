package handler

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/usecase"
)

var probedStaticFiles = []string{"index.html", "script.js", "styles.css"}

const fallbackPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat - Frontend Not Found</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
        .error { color: #e74c3c; }
        .info { color: #3498db; }
    </style>
</head>
<body>
    <h1 class="error">Frontend Not Found</h1>
    <p class="info">The frontend files are not in the expected location.</p>
    <p>Please ensure the frontend directory exists and contains index.html</p>
    <p>Expected frontend directory: %s</p>
</body>
</html>
`

func (h *Handler) index(c *gin.Context) {
	page, err := os.ReadFile(filepath.Join(h.frontendDir, "index.html"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.log.Warn("read frontend index", "err", err)
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8",
			[]byte(fmt.Sprintf(fallbackPage, html.EscapeString(h.frontendAbs()))))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) test(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Server is running and responding!",
		"endpoints": gin.H{
			"health":      "/api/health",
			"test":        "/api/test",
			"test_openai": "/api/test-openai (POST with API key)",
			"chat":        "/api/chat (POST with chat request)",
			"debug":       "/api/debug (POST with any data)",
		},
	})
}

func (h *Handler) debug(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		status, detail := bindErrorResponse(err)
		c.JSON(status, errorResponse{Detail: detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received_data": body,
		"message":       "This endpoint shows you exactly what data was received",
	})
}

func (h *Handler) debugStatic(c *gin.Context) {
	files := make([]string, 0, len(probedStaticFiles))
	exists := make(map[string]bool, len(probedStaticFiles))
	for _, name := range probedStaticFiles {
		p := filepath.Join(h.frontendDir, name)
		files = append(files, p)
		_, err := os.Stat(p)
		exists[name] = err == nil
	}
	wd, _ := os.Getwd()
	c.JSON(http.StatusOK, gin.H{
		"frontend_path":       h.frontendDir,
		"frontend_exists":     h.frontendExists(),
		"frontend_absolute":   h.frontendAbs(),
		"current_working_dir": wd,
		"static_files":        files,
		"files_exist":         exists,
	})
}

func (h *Handler) testOpenAIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":      "This is a GET endpoint for testing",
		"instructions": "To test your OpenAI API key, use POST with your API key in the request body",
		"example": gin.H{
			"method": "POST",
			"url":    "/api/test-openai",
			"body":   gin.H{"api_key": "your-api-key-here"},
		},
	})
}

type probeRequest struct {
	APIKey string `json:"api_key"`
}

// testOpenAI always answers 200; the outcome is reported in the body.
func (h *Handler) testOpenAI(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, detail := bindErrorResponse(err)
		c.JSON(status, errorResponse{Detail: detail})
		return
	}
	if req.APIKey == "" {
		c.JSON(http.StatusOK, gin.H{"error": "API key required"})
		return
	}

	out, err := h.relay.Probe(c.Request.Context(), req.APIKey)
	if err != nil {
		detail := err.Error()
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) {
			detail = ucErr.Detail()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "error",
			"error":   detail,
			"message": "OpenAI API test failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "OpenAI API is working!",
		"response":   out.Response,
		"model_used": out.Model,
	})
}
