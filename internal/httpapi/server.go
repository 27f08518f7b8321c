// Package httpapi is modelhub's HTTP surface: notification reads, manual
// rule triggers, import submission, catalog writes and ops endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhub/internal/metrics"
	"modelhub/internal/notification"
	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

// Store is the persistence the handlers use. *storage.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	ListNotifications(ctx context.Context, userID string, opt storage.ListOptions) ([]storage.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Watermarks(ctx context.Context) ([]storage.Watermark, error)
	OptOut(ctx context.Context, userID, typ string) error
	OptIn(ctx context.Context, userID, typ string) error
	OptOuts(ctx context.Context, userID string) ([]string, error)
	CreateImportJob(ctx context.Context, source, userID string, data []byte) (storage.ImportJob, error)
	ImportJob(ctx context.Context, id string) (storage.ImportJob, error)
	ChildJobs(ctx context.Context, parentID string) ([]storage.ImportJob, error)
	RecordDownload(ctx context.Context, userID, versionID string) error
	ToggleFavorite(ctx context.Context, userID, modelID string) (bool, error)
	ToggleEngagement(ctx context.Context, userID, target, typ string) (bool, error)
}

// ImportQueue schedules a stored import job for processing.
type ImportQueue interface {
	EnqueueImport(jobID string) error
}

type Deps struct {
	Store    Store
	Registry *notification.Registry
	Runner   *notification.Runner
	Imports  ImportQueue
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *gin.Engine
	srv    *http.Server
}

func New(cfg Config, d Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: d, log: log}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on the configured address until Shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if s.cfg.Pprof {
		pp := r.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(pprof.Index))
		pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pp.GET("/profile", gin.WrapF(pprof.Profile))
		pp.GET("/symbol", gin.WrapF(pprof.Symbol))
		pp.GET("/trace", gin.WrapF(pprof.Trace))
		pp.GET("/:name", gin.WrapF(pprof.Index))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/notification-types", s.listTypes)
	v1.POST("/notifications/run", s.runAll)
	v1.POST("/notifications/:type/run", s.runOne)

	users := v1.Group("/users/:userID")
	users.GET("/notifications", s.listNotifications)
	users.GET("/notifications/unread-count", s.unreadCount)
	users.GET("/notification-settings", s.listOptOuts)
	users.PUT("/notification-settings/:type", s.optOut)
	users.DELETE("/notification-settings/:type", s.optIn)
	users.POST("/favorites/:modelID", s.toggleFavorite)
	users.POST("/follows/:targetID", s.toggleEngagement(storage.EngagementFollow))
	users.POST("/hides/:targetID", s.toggleEngagement(storage.EngagementHide))

	v1.POST("/model-versions/:versionID/downloads", s.recordDownload)
	v1.POST("/imports", s.createImport)
	v1.GET("/imports/:id", s.getImport)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !s.log.Enabled(logx.LevelDebug) {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
