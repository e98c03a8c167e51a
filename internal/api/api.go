// Package api exposes the task service over HTTP with gin.
//
//	POST /process               multipart upload, starts a task
//	GET  /tasks                 list (user_id, is_admin, skip, limit)
//	GET  /tasks/:id             one task
//	PUT  /tasks/:id             manual edit / speaker rename
//	POST /tasks/:id/retry       restart the pipeline
//	GET  /tasks/:id/events      websocket stream of status changes
//	GET  /media/:ref            stored audio
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/health"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/service"
	"github.com/PinQiH/speech-to-text/internal/task"
)

const defaultMaxUploadBytes = 512 << 20

// Service is the task boundary the handlers call.
type Service interface {
	Submit(ctx context.Context, up service.Upload, creds pipeline.Credentials) (string, error)
	Retry(ctx context.Context, id string, creds pipeline.Credentials) error
	Update(ctx context.Context, id string, p service.Patch) (*task.Task, error)
	List(ctx context.Context, q task.ListQuery) ([]*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
}

// EventSource is the read side of the status event bus.
type EventSource interface {
	Subscribe(taskID string) (<-chan events.Event, func())
	Since(seq int64, taskID string) []events.Event
}

// MediaLocator resolves audio references to files.
type MediaLocator interface {
	Path(ref string) (string, error)
}

// Config wires a [Router].
type Config struct {
	Service Service
	Events  EventSource
	Media   MediaLocator
	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler is mounted at MetricsPath when both are set.
	MetricsHandler http.Handler
	MetricsPath    string

	// MaxUploadBytes caps the multipart body of POST /process. Default 512 MiB.
	MaxUploadBytes int64
}

type handler struct {
	svc       Service
	events    EventSource
	media     MediaLocator
	maxUpload int64
}

// NewRouter builds the gin engine serving every endpoint.
func NewRouter(cfg Config) *gin.Engine {
	h := &handler{
		svc:       cfg.Service,
		events:    cfg.Events,
		media:     cfg.Media,
		maxUpload: cfg.MaxUploadBytes,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = defaultMaxUploadBytes
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	r := gin.New()
	r.Use(gin.Recovery(), observe.Middleware(metrics))

	r.POST("/process", h.process)
	r.GET("/tasks", h.listTasks)
	r.GET("/tasks/:id", h.getTask)
	r.PUT("/tasks/:id", h.updateTask)
	r.POST("/tasks/:id/retry", h.retryTask)
	if h.events != nil {
		r.GET("/tasks/:id/events", h.streamEvents)
	}
	if h.media != nil {
		r.GET("/media/:ref", h.serveMedia)
	}
	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	if cfg.MetricsHandler != nil && cfg.MetricsPath != "" {
		r.GET(cfg.MetricsPath, gin.WrapH(cfg.MetricsHandler))
	}
	return r
}

// fail maps service errors to status codes. Unexpected errors are logged and
// hidden from the client.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
	case errors.Is(err, service.ErrInvalidUpload):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		observe.Logger(c.Request.Context()).Error("request failed",
			slog.String("route", c.FullPath()), slog.Any("err", err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": msg})
}
