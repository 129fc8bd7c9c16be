// Package api exposes the broker over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/service"
)

// Broker is what the handlers need from the service layer.
type Broker interface {
	Submit(ctx context.Context, req service.SubmitRequest) (string, error)
	Poll(token, ip string) (domain.Projection, error)
	Retrieve(token, ip string) (*ports.Artifact, error)
	Wait(ctx context.Context, token, ip string) (domain.JobRecord, error)
	Stats() map[domain.State]int
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

const healthCheckTimeout = 2 * time.Second

// Handler serves the broker routes.
type Handler struct {
	broker  Broker
	logger  logger.Logger
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHandler creates a Handler.
func NewHandler(broker Broker, log logger.Logger, version string) *Handler {
	return &Handler{
		broker:  broker,
		logger:  log,
		service: "tubebroker",
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a dependency probed by /health. Call it before serving.
func (h *Handler) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Watch admits a job. By default it answers with the polling links; with
// not-json or blocking=1 it waits for the job and streams the file.
func (h *Handler) Watch(c *gin.Context) {
	_, notJSON := c.GetQuery("not-json")
	blocking := notJSON || c.Query("blocking") == "1"

	spec, err := parseSpec(c)
	if err != nil {
		h.respondError(c, err, blocking)
		return
	}

	ip := c.ClientIP()
	token, err := h.broker.Submit(c.Request.Context(), service.SubmitRequest{
		Spec:  spec,
		Token: c.Query("token"),
		IP:    ip,
	})
	if err != nil {
		h.respondError(c, err, blocking)
		return
	}

	if !blocking {
		c.JSON(http.StatusOK, gin.H{
			"status":   domain.StateQueued,
			"token":    token,
			"progress": "/progress?token=" + token,
			"download": "/download?token=" + token,
		})
		return
	}
	h.waitAndServe(c, token, ip)
}

func (h *Handler) waitAndServe(c *gin.Context, token, ip string) {
	ctx := c.Request.Context()
	rec, err := h.broker.Wait(ctx, token, ip)
	switch {
	case ctx.Err() != nil:
		h.logger.Debug("Client left before job finished", logger.String("token", token))
		c.Abort()
		return
	case errors.Is(err, domain.ErrNotFound):
		c.AbortWithStatus(http.StatusGone)
		return
	case err != nil:
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	case rec.State == domain.StateError:
		_ = c.Error(fmt.Errorf("job %s failed: %s", token, rec.ErrorDetail))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	art, err := h.broker.Retrieve(token, ip)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotReady) {
		c.AbortWithStatus(http.StatusGone)
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	serveArtifact(c, art)
}

// Progress returns the poll projection of a job.
func (h *Handler) Progress(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing token"})
		return
	}
	proj, err := h.broker.Poll(token, c.ClientIP())
	if err != nil {
		h.respondError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, proj)
}

// Download streams a finished artifact.
func (h *Handler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing token"})
		return
	}
	art, err := h.broker.Retrieve(token, c.ClientIP())
	if err != nil {
		h.respondError(c, err, false)
		return
	}
	serveArtifact(c, art)
}

// Health reports liveness, dependency checks and job counts. A failing
// check answers 503 with status "degraded".
func (h *Handler) Health(c *gin.Context) {
	jobs := gin.H{}
	for state, n := range h.broker.Stats() {
		jobs[string(state)] = n
	}

	status, code := "healthy", http.StatusOK
	checks := gin.H{}
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("Health check failed", logger.String("check", name), logger.Error(err))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":  status,
		"service": h.service,
		"version": h.version,
		"checks":  checks,
		"jobs":    jobs,
	})
}

func serveArtifact(c *gin.Context, art *ports.Artifact) {
	defer art.Content.Close()
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	http.ServeContent(c.Writer, c.Request, art.Name, art.ModTime, art.Content)
}

// parseSpec reads the request spec from the query string.
func parseSpec(c *gin.Context) (domain.RequestSpec, error) {
	spec := domain.RequestSpec{
		VideoID: c.Query("v"),
		Format:  domain.Format(c.Query("format")),
	}
	if spec.VideoID == "" {
		return spec, fmt.Errorf("%w: missing v", domain.ErrInvalidInput)
	}
	if raw := strings.TrimSuffix(strings.ToLower(c.Query("res")), "p"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			return spec, fmt.Errorf("%w: invalid res %q", domain.ErrInvalidInput, c.Query("res"))
		}
		spec.MaxHeight = h
	}
	if raw := strings.TrimSuffix(strings.ToLower(c.Query("audio")), "k"); raw != "" {
		b, err := strconv.Atoi(raw)
		if err != nil || b <= 0 {
			return spec, fmt.Errorf("%w: invalid audio %q", domain.ErrInvalidInput, c.Query("audio"))
		}
		spec.AudioBitrate = b
	}
	return spec, nil
}

// statusFor maps broker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTokenInUse), errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error, bare bool) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "Internal server error"
	}
	if bare {
		c.AbortWithStatus(status)
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
