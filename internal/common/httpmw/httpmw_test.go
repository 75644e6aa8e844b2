package httpmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func TestRequestLoggerWritesAccessLine(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logPath := filepath.Join(t.TempDir(), "access.log")
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		OutputPath: logPath,
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(log, "test-api"))
	router.GET("/v1/sessions/:id", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.String(http.StatusInternalServerError, "boom")
	})

	for _, target := range []string{"/v1/sessions/abc", "/boom"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := splitLogLines(raw)
	require.Len(t, lines, 2)

	ok := decodeLogLine(t, lines[0])
	assert.Equal(t, "debug", ok["level"])
	assert.Equal(t, "GET", ok["method"])
	assert.Equal(t, "/v1/sessions/:id", ok["path"])
	assert.Equal(t, float64(http.StatusOK), ok["status"])
	assert.Equal(t, "test-api", ok["server"])

	boom := decodeLogLine(t, lines[1])
	assert.Equal(t, "error", boom["level"])
	assert.Equal(t, float64(http.StatusInternalServerError), boom["status"])
	assert.Contains(t, boom["errors"], assert.AnError.Error())
}

func TestOtelTracingPassesRequestThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(OtelTracing("test-api"))
	router.GET("/ping", func(c *gin.Context) {
		// The span context must have replaced the request context.
		require.NotNil(t, c.Request.Context())
		c.String(http.StatusOK, "pong")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func splitLogLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

func decodeLogLine(t *testing.T, line []byte) map[string]any {
	t.Helper()
	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(line, &entry))
	return entry
}
