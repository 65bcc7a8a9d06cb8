// Package resthttp is the REST and WebSocket boundary of the engine. All API
// routes sit behind HMAC authentication; /healthz is open for probes.
package resthttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ordo/internal/balance"
	"ordo/internal/broker"
	"ordo/internal/hub"
	"ordo/internal/lifecycle"
	"ordo/internal/tracker"
)

type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr      string
	Lifecycle *lifecycle.Service
	Tracker   *tracker.Tracker
	Balances  *balance.Service
	Brokers   *broker.Manager
	Events    *hub.Hub
	Keys      *KeyRegistry
	Skew      time.Duration
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Lifecycle == nil || cfg.Tracker == nil || cfg.Keys == nil {
		return nil, errors.New("http server requires lifecycle, tracker and key registry")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(hmacAuth(cfg.Keys, cfg.Skew))
	NewRouter(cfg.Lifecycle, cfg.Tracker, cfg.Balances, cfg.Brokers).Register(api)

	if cfg.Events != nil {
		ws := NewWSHandler(cfg.Keys, cfg.Events, cfg.Skew)
		router.GET("/ws", ws.Handle)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
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
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen on %s: %w", s.addr, err)
		}
		close(errCh)
	}()

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
