// Package server exposes the coordinator's HTTP surface: the BR
// WebSocket upgrade endpoint, a JSON status/REST surface over the
// registry and topology, and an SSE stream over the fan-out bus for any
// (out-of-scope) web UI to consume.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"meshcoord/bus"
	"meshcoord/gateway"
	"meshcoord/registry"
	"meshcoord/resolver"
	"meshcoord/topology"
)

// Server owns the HTTP listener and routes requests to the core
// components. It does not itself hold protocol state.
type Server struct {
	port     int
	version  string
	gateway  *gateway.Gateway
	registry *registry.Registry
	topo     *topology.Aggregator
	resolver *resolver.Resolver
	bus      *bus.Bus

	activeNodeWindow time.Duration

	router     *mux.Router
	httpServer *http.Server
}

func New(port int, gw *gateway.Gateway, reg *registry.Registry, topo *topology.Aggregator, res *resolver.Resolver, b *bus.Bus, activeNodeWindow time.Duration, version string) *Server {
	s := &Server{
		port:             port,
		version:          version,
		gateway:          gw,
		registry:         reg,
		topo:             topo,
		resolver:         res,
		bus:              b,
		activeNodeWindow: activeNodeWindow,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.gateway.ServeHTTP)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/brs", s.handleListBRs).Methods(http.MethodGet)
	api.HandleFunc("/brs/{id}", s.handleGetBR).Methods(http.MethodGet)
	api.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	api.HandleFunc("/topology/stats", s.handleTopologyStats).Methods(http.MethodGet)
	api.HandleFunc("/nodes/active", s.handleActiveNodes).Methods(http.MethodGet)
	api.HandleFunc("/command", s.handleSendCommand).Methods(http.MethodPost)
	api.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	r.Use(s.loggingMiddleware)
	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// Run starts the HTTP listener and blocks until ctx is cancelled, then
// shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("server: listening on :%d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
