// Package httpserver exposes the consent and ingestion services over REST.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/metrics"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/service"
)

// Deps are the collaborators of the REST server.
type Deps struct {
	Grants   service.GrantService
	Ingest   *service.IngestService
	Verifier *identity.Verifier
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// Ready reports backend health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	// MaxBody bounds request bodies; <= 0 leaves them unbounded.
	MaxBody int64
}

// Server is the REST front end.
type Server struct {
	e    *echo.Echo
	addr string
	log  *zap.Logger
}

// New builds the echo router with all routes and middleware.
func New(addr string, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(d.Log)

	e.Use(middleware.RequestID())
	e.Use(Logger(d.Log))
	e.Use(Recovery(d.Log))
	e.Use(Metrics(d.Metrics))
	if d.MaxBody > 0 {
		e.Use(BodyLimit(d.MaxBody))
	}

	h := &handler{grants: d.Grants, ingest: d.Ingest, clock: d.Clock, log: d.Log}

	e.GET("/healthz", healthz(d.Ready))
	e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	// the token is the credential
	e.GET("/v1/blobs/:token", h.openBlob)

	v1 := e.Group("/v1", Auth(d.Verifier))

	doctors := v1.Group("", RequireRole(model.RoleDoctor))
	doctors.POST("/grants", h.requestGrant)
	doctors.GET("/grants", h.listGrants)
	doctors.DELETE("/grants/:id", h.revokeGrant)
	doctors.GET("/patients/:id/access", h.access)

	v1.GET("/patients/:id/summary", h.summary)
	v1.GET("/patients/:id/records", h.records)
	v1.POST("/patients/:id/records", h.upload)
	v1.POST("/records/:id/resubmit", h.resubmit)
	v1.GET("/records/:id/link", h.link)

	return &Server{e: e, addr: addr, log: d.Log}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("http listening", zap.String("addr", s.addr))
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func healthz(ready func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
