package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/fleetrotate/internal/audit"
	"github.com/org/fleetrotate/internal/provision"
	"github.com/org/fleetrotate/internal/rotation"
	"github.com/org/fleetrotate/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	AdminToken  string
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the API server. It exposes two planes: an admin plane for
// operators (device provisioning, rotation control) and a device plane the
// fleet itself calls during a rotation handoff.
type Server struct {
	store    storage.Store
	engine   *rotation.Engine
	devices  *provision.Service
	recorder *audit.Recorder
	cfg      Config
	httpSrv  *http.Server
}

// NewServer wires the HTTP layer around an already-built rotation engine and
// provisioning service.
func NewServer(store storage.Store, engine *rotation.Engine, devices *provision.Service, recorder *audit.Recorder, cfg Config) *Server {
	return &Server{
		store:    store,
		engine:   engine,
		devices:  devices,
		recorder: recorder,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(requestLogMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/healthz", s.HealthHandler)
	})

	// Admin plane
	r.Group(func(r chi.Router) {
		r.Use(adminAuthMiddleware(s.cfg.AdminToken))

		// Devices
		r.Post("/v1/admin/devices", s.DeviceCreateHandler)
		r.Get("/v1/admin/devices", s.DeviceListHandler)
		r.Get("/v1/admin/devices/{id}", s.DeviceGetHandler)
		r.Delete("/v1/admin/devices/{id}", s.DeviceDeleteHandler)

		// Rotation control
		r.Get("/v1/admin/rotation/status", s.RotationStatusHandler)
		r.Post("/v1/admin/rotation/wave", s.WaveTriggerHandler)
		r.Post("/v1/admin/rotation/pass", s.PassRunHandler)
		r.Get("/v1/admin/rotation/events", s.EventsHandler)
	})

	// Device plane
	r.Group(func(r chi.Router) {
		r.Use(deviceAuthMiddleware(s.store))

		r.Post("/v1/device/rotation/handoff", s.HandoffHandler)
		r.Post("/v1/device/rotation/confirm", s.ConfirmHandler)
	})

	return r
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
