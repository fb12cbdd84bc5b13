// Package api is the HTTP and WebSocket transport for the dispatch engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"roadside/internal/auth"
	"roadside/internal/dispatch"
	"roadside/internal/events"
	"roadside/internal/logger"
	"roadside/internal/presence"
	"roadside/internal/store"
)

// Server holds the collaborators the handlers need.
type Server struct {
	Coord    *dispatch.Coordinator
	Store    store.Store
	Broker   events.Broker
	Presence presence.Registry
	Auth     *auth.Verifier
	Log      logger.Logger

	limiter *limiterStore
	pool    poolSockets
	info    map[string]any
	checks  map[string]func(context.Context) error

	// set by NewServer for Run
	background []func(ctx context.Context)
	closers    []func() error
}

// Options builds a Server from ready-made parts.
type Options struct {
	Coordinator *dispatch.Coordinator
	Store       store.Store
	Broker      events.Broker
	Presence    presence.Registry
	Auth        *auth.Verifier
	Log         logger.Logger
	RateRPS     float64
	RateBurst   int
	// Info is echoed by /debug/info.
	Info map[string]any
}

func New(o Options) *Server {
	if o.Log == nil {
		o.Log = logger.NopLogger{}
	}
	if o.Auth == nil {
		o.Auth = auth.NewVerifier(auth.Options{Mode: "dev"})
	}
	if o.Broker == nil {
		o.Broker = events.NewMemoryBroker()
	}
	s := &Server{
		Coord:    o.Coordinator,
		Store:    o.Store,
		Broker:   o.Broker,
		Presence: o.Presence,
		Auth:     o.Auth,
		Log:      o.Log,
		limiter:  newLimiterStore(o.RateRPS, o.RateBurst),
		info:     o.Info,
		checks:   map[string]func(context.Context) error{},
	}
	if o.Store != nil {
		s.checks["store"] = o.Store.Ping
	}
	return s
}

// Router wires every route with the middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("roadside-api"))
	r.Use(s.recoverer, s.accessLog, s.observe)

	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/info", s.DebugJSON).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", s.OpenAPIHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit)
	v1.HandleFunc("/requests", s.authed(s.CreateRequestHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests", s.authed(s.ListRequestsHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}", s.authed(s.GetRequestHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}/accept", s.authed(s.AcceptHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/reject", s.authed(s.RejectHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/status", s.authed(s.StatusHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/cancel", s.authed(s.CancelHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/notes", s.authed(s.NotesHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/events/stream", s.authed(s.RequestStreamHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/ws", s.authed(s.WSHandler)).Methods(http.MethodGet)

	v1.HandleFunc("/mechanics/nearby", s.authed(s.NearbyHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/mechanics/{id}", s.authed(s.UpsertMechanicHandler)).Methods(http.MethodPut)
	v1.HandleFunc("/mechanics/{id}/heartbeat", s.authed(s.HeartbeatHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/mechanics/{id}/presence", s.authed(s.GoOfflineHandler)).Methods(http.MethodDelete)
	v1.HandleFunc("/devices", s.authed(s.DeviceHandler)).Methods(http.MethodPut)
	v1.HandleFunc("/quotes", s.authed(s.QuoteHandler)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
	})
	return r
}

// Run serves on addr, runs background workers and shuts down when ctx ends.
func (s *Server) Run(ctx context.Context, addr string, readHeaderTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	bgCtx, stopBackground := context.WithCancel(ctx)
	for _, fn := range s.background {
		go fn(bgCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Infof("API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	s.Log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Log.Warnf("http shutdown: %v", err)
	}
	stopBackground()
	s.Close()
	return runErr
}

// Close releases what NewServer opened, last opened first.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Log.Warnf("close: %v", err)
		}
	}
	s.closers = nil
}
