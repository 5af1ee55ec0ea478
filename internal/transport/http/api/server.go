package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"corthex/internal/logger"

	"github.com/gin-gonic/gin"
)

var log = logger.Named("http")

// Server serves the chain, learning and quant API.
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Handler *Handler
	Metrics http.Handler
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("api server requires a handler")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	return &Server{addr: cfg.Addr, router: NewEngine(cfg.Handler, cfg.Metrics)}, nil
}

// NewEngine builds the gin engine with every route mounted.
func NewEngine(h *Handler, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/healthz", h.handleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	h.Register(router.Group("/api"))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		log.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Infof("listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
