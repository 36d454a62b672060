package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickerflow/config"
	"tickerflow/internal/directory"
	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/orchestrator"
	"tickerflow/logger"
)

const defaultHistory = 200

// Ingestion is what the control surface drives.
type Ingestion interface {
	Start(ctx context.Context, category models.Category) (bool, error)
	Status() []orchestrator.Status
}

// Server exposes the ingest trigger, status and metrics over HTTP.
type Server struct {
	cfg           config.ControlConfig
	ingest        Ingestion
	log           *logger.Log
	events      *recent[metrics.Event]
	logs        *logFeed
	unsubscribe func()
	sampler     *resourceSampler
	httpServer  *http.Server
	started     time.Time

	mu  sync.RWMutex
	ctx context.Context
}

// NewServer returns nil when the control surface is disabled.
func NewServer(cfg config.ControlConfig, ingest Ingestion, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if ingest == nil {
		return nil, errors.New("control server needs an ingestion manager")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}

	events := newRecent[metrics.Event](cfg.History)
	logs := newLogFeed(cfg.History)
	log.AddHook(logs)

	return &Server{
		cfg:         cfg,
		ingest:      ingest,
		log:         log,
		events:      events,
		logs:        logs,
		unsubscribe: metrics.Subscribe(events.push),
		sampler:     newResourceSampler(cfg.History, cfg.SampleInterval, log),
		started:     time.Now(),
		ctx:         context.Background(),
	}, nil
}

// Run serves until ctx is cancelled. Categories started through the trigger
// live as long as ctx.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("control").WithField("address", s.cfg.Address).Info("control server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.unsubscribe()
	s.logs.detach()
	s.sampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) lifetime() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.started).Round(time.Second).String()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/ingest/:category", s.handleIngest)
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router, nil
}

func (s *Server) handleIngest(c *gin.Context) {
	category, err := models.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log := s.log.WithComponent("control").WithField("category", string(category))
	started, err := s.ingest.Start(s.lifetime(), category)
	switch {
	case err == nil && started:
		log.Info("ingestion started by trigger")
		c.JSON(http.StatusAccepted, gin.H{"category": category, "status": "started"})
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"category": category, "status": "running"})
	case errors.Is(err, orchestrator.ErrUnknownCategory), errors.Is(err, orchestrator.ErrNoInstruments):
		c.JSON(http.StatusNotFound, gin.H{"category": category, "error": err.Error()})
	case errors.Is(err, directory.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"category": category, "error": err.Error()})
	default:
		log.WithError(err).Error("ingestion trigger failed")
		c.JSON(http.StatusInternalServerError, gin.H{"category": category, "error": err.Error()})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories": s.ingest.Status(),
		"ticks": gin.H{
			"received": logger.StageCount(logger.StageReceived),
			"dropped":  logger.StageCount(logger.StageDropped),
			"applied":  logger.StageCount(logger.StageApplied),
			"failed":   logger.StageCount(logger.StageFailed),
		},
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	events := s.events.list()
	payload := make([]gin.H, 0, len(events))
	for _, ev := range events {
		payload = append(payload, gin.H{
			"at":        ev.At.Format(time.RFC3339Nano),
			"component": ev.Component,
			"name":      ev.Name,
			"value":     ev.Value,
			"kind":      ev.Kind,
			"labels":    ev.Labels,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.lines.list()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
