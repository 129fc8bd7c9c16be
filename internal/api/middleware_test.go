package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"tubebroker/internal/api"
	"tubebroker/internal/logger"
)

func TestThrottleMiddleware(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(api.ThrottleMiddleware(0.001, 2))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", http.NoBody))
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(api.RecoveryMiddleware(logger.NewNop()), api.LoggerMiddleware(logger.NewNop()))
	router.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, w.Body.String())
}
