package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brendaschussler/scaniot-capture/internal/capture"
	"github.com/brendaschussler/scaniot-capture/internal/logger"
	"github.com/brendaschussler/scaniot-capture/internal/metadata"
	"github.com/brendaschussler/scaniot-capture/internal/notify"
	"github.com/brendaschussler/scaniot-capture/internal/orchestrator"
	"github.com/brendaschussler/scaniot-capture/internal/shell"
	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// Service is the orchestration surface the API exposes.
type Service interface {
	CheckPreconditions(ctx context.Context) error
	StartCapture(ctx context.Context, req orchestrator.CaptureRequest) (*store.CaptureSession, error)
	ListSessions(ctx context.Context) ([]store.CaptureSession, error)
	GetSession(ctx context.Context, sessionID string) (*store.CaptureSession, error)
	StopDevice(ctx context.Context, sessionID, mac string) error
	StopSession(ctx context.Context, sessionID string) error
	DeleteDevice(ctx context.Context, sessionID, mac string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Server serves the capture control API plus a live progress stream.
type Server struct {
	svc      Service
	notifier *notify.Notifier
	engine   *gin.Engine
	log      *logger.Logger
}

// NewServer builds the router. The notifier feeds the SSE stream and
// may be nil when no live stream is wanted.
func NewServer(svc Service, notifier *notify.Notifier) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		svc:      svc,
		notifier: notifier,
		engine:   engine,
		log:      logger.GetLogger(),
	}
	s.routes()
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/api/v1")
	v1.GET("/status", s.status)
	v1.POST("/captures", s.createCapture)
	v1.GET("/captures", s.listCaptures)
	v1.GET("/captures/:id", s.getCapture)
	v1.POST("/captures/:id/stop", s.stopSession)
	v1.DELETE("/captures/:id", s.deleteSession)
	v1.POST("/captures/:id/devices/:mac/stop", s.stopDevice)
	v1.DELETE("/captures/:id/devices/:mac", s.deleteDevice)
	v1.GET("/events", s.streamEvents)
}

// status reports host identity and whether the elevated environment
// can run captures right now.
func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"host":          metadata.Collect(""),
		"capture_ready": true,
	}
	if err := s.svc.CheckPreconditions(c.Request.Context()); err != nil {
		resp["capture_ready"] = false
		resp["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// createCaptureRequest is the wire form of a capture request.
type createCaptureRequest struct {
	Mode            string                    `json:"mode" binding:"required"`
	PacketCount     int                       `json:"packet_count"`
	DurationSeconds int                       `json:"duration_seconds"`
	OutputName      string                    `json:"output_name"`
	Devices         []orchestrator.DeviceSpec `json:"devices" binding:"required"`
}

func (s *Server) createCapture(c *gin.Context) {
	var req createCaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.svc.StartCapture(c.Request.Context(), orchestrator.CaptureRequest{
		Mode:        store.CaptureMode(req.Mode),
		PacketCount: req.PacketCount,
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
		OutputName:  req.OutputName,
		Devices:     req.Devices,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listCaptures(c *gin.Context) {
	sessions, err := s.svc.ListSessions(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getCapture(c *gin.Context) {
	sess, err := s.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) stopSession(c *gin.Context) {
	if err := s.svc.StopSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.svc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stopDevice(c *gin.Context) {
	if err := s.svc.StopDevice(c.Request.Context(), c.Param("id"), c.Param("mac")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.svc.DeleteDevice(c.Request.Context(), c.Param("id"), c.Param("mac")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvents pushes live progress events as server-sent events until
// the client disconnects. Slow clients miss events and reconcile from
// the session endpoints.
func (s *Server) streamEvents(c *gin.Context) {
	if s.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream not enabled"})
		return
	}

	id, ch := s.notifier.Subscribe()
	defer s.notifier.Unsubscribe(id)

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNoDevices),
		errors.Is(err, orchestrator.ErrUnknownMode),
		errors.Is(err, capture.ErrInvalidTarget),
		errors.Is(err, capture.ErrLimitExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, shell.ErrNoElevatedAccess),
		errors.Is(err, shell.ErrCaptureToolMissing),
		errors.Is(err, shell.ErrTimeoutHelperMissing):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("[api] Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
