package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wagate/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with recovery, request logging and per-route metrics.
func New() *Server {
	m := mux.NewRouter()
	m.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	m.Use(Recover, Logging, Metrics(observability.APIRequests))
	return &Server{Mux: m}
}

// RegisterHealth mounts /healthz and /readyz.
func (s *Server) RegisterHealth(timeout time.Duration, checks ...ReadyzCheck) {
	s.Mux.HandleFunc("/healthz", Healthz())
	s.Mux.HandleFunc("/readyz", Readyz(timeout, checks...))
}
