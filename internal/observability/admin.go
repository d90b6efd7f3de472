package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StateFunc returns a JSON-serializable snapshot of a role's state.
type StateFunc func() any

// AdminConfig configures the per-role admin HTTP endpoint.
type AdminConfig struct {
	Node        string
	Addr        string
	CORSOrigins []string
}

// Admin is the per-role HTTP endpoint serving health, metrics and state.
type Admin struct {
	cfg      AdminConfig
	router   *gin.Engine
	appeared time.Time
	state    StateFunc
}

func NewAdmin(cfg AdminConfig, state StateFunc) *Admin {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observeRequests(log.Logger, cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		cfg:      cfg,
		router:   r,
		appeared: time.Now(),
		state:    state,
	}
	a.registerRoutes()
	return a
}

// Handler exposes the router for httptest.
func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(a.appeared).String(),
			"node":   a.cfg.Node,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/state", func(c *gin.Context) {
		if a.state == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no state published"})
			return
		}
		c.JSON(http.StatusOK, a.state())
	})
}

// Serve blocks serving the admin endpoint until ctx is done.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("node", a.cfg.Node).Str("addr", a.cfg.Addr).Msg("observability.Admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
