package hcserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/coordinator"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
	"github.com/EnMasseProject/enmasse-sub000/internal/router"
)

type Coordinator interface {
	VerifyAddresses(expected []models.AddressCheck) bool
	Routers() []router.Info
	Topology() map[string][]string
	Network(ctx context.Context, id string) ([]router.NodeInfo, error)
}

const networkTimeout = 5 * time.Second

type Server struct {
	crd   Coordinator
	ready atomic.Bool
	srv   *http.Server
}

func NewServer(crd Coordinator) *Server {
	return &Server{crd: crd}
}

// SetReady flips the /ready endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(addJSONContentType)
	api.HandleFunc("/health-check", s.handleHealthCheck).Methods(http.MethodPost)
	api.HandleFunc("/routers", s.handleListRouters).Methods(http.MethodGet)
	api.HandleFunc("/routers/{id}", s.handleGetRouter).Methods(http.MethodGet)
	api.HandleFunc("/routers/{id}/network", s.handleRouterNetwork).Methods(http.MethodGet)
	api.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	return r
}

// Start serves on addr in the background. The returned func stops the server.
func (s *Server) Start(addr string) func() {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
}

func addJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListRouters(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	writeJSON(w, http.StatusOK, s.crd.Routers())
}

func (s *Server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := mux.Vars(r)["id"]
	for _, info := range s.crd.Routers() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("router %s is not connected", id))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	writeJSON(w, http.StatusOK, s.crd.Topology())
}

func (s *Server) handleRouterNetwork(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx, cancel := context.WithTimeout(r.Context(), networkTimeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	nodes, err := s.crd.Network(ctx, id)
	switch {
	case errors.Is(err, coordinator.ErrUnknownRouter):
		writeError(w, http.StatusNotFound, fmt.Errorf("router %s is not connected", id))
	case err != nil:
		log.Error().Err(err).Msgf("failed to list network of router %s", id)
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, nodes)
	}
}
