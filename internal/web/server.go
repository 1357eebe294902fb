// Package web serves the HTTP API over the stream manager, the ingest
// runner and the alert store.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/health"
	"github.com/YousifYassi/prototype/internal/ingest"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/registry"
	"github.com/YousifYassi/prototype/internal/service"
	"github.com/YousifYassi/prototype/internal/state"
	"github.com/YousifYassi/prototype/internal/stream"
)

// StreamManager is the stream surface the API drives
type StreamManager interface {
	Add(ctx context.Context, desc stream.Descriptor) (bool, error)
	Remove(ctx context.Context, id string) bool
	Get(id string) (stream.Descriptor, bool)
	List() []stream.Descriptor
	GetFrame(id string, format stream.FrameFormat) ([]byte, error)
	Status(id string) (stream.RuntimeStatus, error)
	StartStream(ctx context.Context, id string) error
	StopStream(ctx context.Context, id string) error
	Update(ctx context.Context, id string, upd stream.Update) (stream.Descriptor, error)
	Counts() map[stream.Status]int
}

// JobRunner runs uploaded or local videos as batch jobs
type JobRunner interface {
	Submit(ctx context.Context, videoPath string, project policy.ProjectContext) (*ingest.Job, error)
	Get(ctx context.Context, id string) (ingest.Report, error)
	List(ctx context.Context, limit int) ([]ingest.Report, error)
	Active() int
}

// UploadStore accepts uploaded videos and serves snapshots
type UploadStore interface {
	SaveUpload(ctx context.Context, filename string, r io.Reader) (string, error)
	SnapshotsDir() string
}

// AlertStore lists persisted alerts
type AlertStore interface {
	ListAlerts(ctx context.Context, f state.AlertFilter) ([]state.AlertRecord, error)
}

// ModelCatalog lists and resolves model artifacts
type ModelCatalog interface {
	ListAvailable() ([]registry.Artifact, error)
	Resolve(jurisdiction, industry, customPath string) (registry.Resolution, error)
}

// HealthReporter runs health checks
type HealthReporter interface {
	Check(ctx context.Context) health.Report
}

// SourceProber probes RTSP sources
type SourceProber interface {
	Probe(ctx context.Context, uri string) (*capture.ProbeResult, error)
}

// Dependencies wires the server to the rest of the process. Nil members
// disable their routes with 503.
type Dependencies struct {
	Streams  StreamManager
	Jobs     JobRunner
	Uploads  UploadStore
	Alerts   AlertStore
	Models   ModelCatalog
	Health   HealthReporter
	Prober   SourceProber
	Services *service.Manager
	Hub      *Hub
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.ServerConfig
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
	version    string
	startTime  time.Time

	mu         sync.Mutex
	addr       string
	stopEvents func()
}

// NewServer creates a new web server service
func NewServer(cfg config.ServerConfig, deps Dependencies, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if cfg.UploadLimitMB > 0 {
		router.MaxMultipartMemory = cfg.UploadLimitMB << 20
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log.With("component", "web")),
		config:      cfg,
		deps:        deps,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Hub returns the websocket hub alerts are broadcast through
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// WriteTimeout stays disabled: MJPEG and websocket responses are long lived
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.forwardEvents()

	s.GetStatus().SetStatus(service.StatusRunning)
	go func() {
		s.LogInfo("Web server started", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", addr)
			s.GetStatus().SetError(err)
		}
	}()
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopEvents := s.stopEvents
	s.stopEvents = nil
	s.mu.Unlock()
	if stopEvents != nil {
		stopEvents()
	}
	s.deps.Hub.Close()
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

func (s *Server) forwardEvents() {
	bus := s.GetEventBus()
	if bus == nil {
		return
	}
	ch := bus.SubscribeAll()
	ctx, cancel := context.WithCancel(context.Background())
	go s.deps.Hub.ForwardEvents(ctx, ch)

	s.mu.Lock()
	s.stopEvents = func() {
		cancel()
		bus.UnsubscribeAll(ch)
	}
	s.mu.Unlock()
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		streams := api.Group("/streams", s.requireStreams)
		{
			streams.GET("", s.handleListStreams)
			streams.POST("", s.handleAddStream)
			streams.POST("/validate", s.handleValidateStream)
			streams.GET("/:id", s.handleGetStream)
			streams.PUT("/:id", s.handleUpdateStream)
			streams.DELETE("/:id", s.handleDeleteStream)
			streams.POST("/:id/start", s.handleStartStream)
			streams.POST("/:id/stop", s.handleStopStream)
			streams.GET("/:id/status", s.handleStreamStatus)
			streams.GET("/:id/frame", s.handleStreamFrame)
			streams.GET("/:id/mjpeg", s.handleMJPEGStream)
		}

		jobs := api.Group("/jobs", s.requireJobs)
		{
			jobs.GET("", s.handleListJobs)
			jobs.POST("", s.handleSubmitJob)
			jobs.GET("/:id", s.handleGetJob)
		}

		api.GET("/alerts", s.handleListAlerts)
		api.GET("/alerts/ws", s.handleAlertsWS)

		api.GET("/models", s.handleListModels)
		api.GET("/models/resolve", s.handleResolveModel)
	}

	if s.deps.Uploads != nil {
		s.router.Static(strings.TrimSuffix(snapshotRoute, "/"), s.deps.Uploads.SnapshotsDir())
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", capture.Redact(path),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware allows browser dashboards on the local network
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
