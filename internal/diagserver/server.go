// Package diagserver is skyrelay's diagnostic HTTP surface: a small
// Gin router exposing the health-check engine and the task registry,
// scoped to operator diagnostics rather than device control.
package diagserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/task"
	"github.com/skyrelay/skyrelay/pkg/healthcheck"
)

// RunSink is invoked with every task instance created through the
// server before it starts executing, giving the caller a chance to
// wire per-instance observers (the event bus history sink) without
// diagserver depending on that package.
type RunSink func(*task.Task)

// Server is the diagnostic HTTP surface: GET /healthz for the
// aggregated health-check result, GET /tasks for the registered task
// type names, POST /tasks/{type} to start a run, and
// GET /tasks/{type}/{runID} to poll it.
type Server struct {
	logger       *zap.Logger
	factory      *task.Factory
	healthEngine *healthcheck.Engine
	onCreate     RunSink

	mu   sync.Mutex
	runs map[string]*task.Task

	httpServer *http.Server
	stopCh     chan struct{}
}

// NewServer builds a diagnostic server bound to factory and
// healthEngine. onCreate may be nil.
func NewServer(addr string, factory *task.Factory, healthEngine *healthcheck.Engine, onCreate RunSink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:       logger.With(zap.String("component", "diagserver")),
		factory:      factory,
		healthEngine: healthEngine,
		onCreate:     onCreate,
		runs:         make(map[string]*task.Task),
		stopCh:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.setupRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.recoveryMiddleware())
	router.Use(s.loggingMiddleware())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/tasks", s.handleListTaskTypes)
	router.POST("/tasks/:type", s.handleStartTask)
	router.GET("/tasks/:type/:runID", s.handleGetRun)
	return router
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered in diagnostic handler", zap.Any("error", r))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.healthEngine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": healthcheck.StatusUnknown})
		return
	}
	result := s.healthEngine.CheckAll(c.Request.Context())
	code := http.StatusOK
	if result.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	} else if result.IsDegraded() {
		code = http.StatusOK
	}
	c.JSON(code, result)
}

func (s *Server) handleListTaskTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"types": s.factory.Names()})
}

func (s *Server) handleStartTask(c *gin.Context) {
	taskType := c.Param("type")
	var params map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	t, err := s.factory.Create(taskType)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if s.onCreate != nil {
		s.onCreate(t)
	}

	s.mu.Lock()
	s.runs[t.RunID] = t
	s.mu.Unlock()

	go func() {
		if err := t.Execute(context.Background(), params); err != nil {
			s.logger.Warn("task execution failed",
				zap.String("type", taskType), zap.String("run_id", t.RunID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"run_id": t.RunID, "type": taskType})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("runID")
	s.mu.Lock()
	t, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no run %q", runID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     t.RunID,
		"type":       t.Type(),
		"name":       t.Name(),
		"error_kind": string(t.ErrorKind()),
		"param_errs": t.GetParamErrors(),
		"result":     t.GetResult(),
		"history":    t.History(),
	})
}

// Start runs the HTTP server until ctx is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("diagnostic server starting", zap.String("address", s.httpServer.Addr))
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("diagnostic server: %w", err)
		}
	case <-ctx.Done():
	case <-s.stopCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop requests a graceful shutdown.
func (s *Server) Stop() {
	close(s.stopCh)
}
