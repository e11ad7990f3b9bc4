// Package diagnostics exposes a small read-only HTTP surface for
// operators: GET /healthz, GET /triggers, and a debug metrics dump. This
// is not the admin CRUD API; trigger create/delete lives in the admin
// service.
package diagnostics

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mailgun/manners"
	"github.com/pkg/errors"

	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/registry"
)

// Server is the diagnostics HTTP listener.
type Server struct {
	httpServer *manners.GracefulServer
	listener   net.Listener
}

type triggerView struct {
	ID                   string  `json:"id"`
	CurrentState         string  `json:"currentState"`
	DesiredState         string  `json:"desiredState"`
	SecondsSinceLastPoll float64 `json:"secondsSinceLastPoll"`
	RestartCount         int     `json:"restartCount"`
}

// New builds (but does not start) a diagnostics server bound to addr,
// backed by reg for /triggers and m for the debug metrics dump.
func New(addr string, reg *registry.Registry, m *metrics.Metrics) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create diagnostics listener")
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods("GET")
	router.HandleFunc("/triggers", handleTriggers(reg)).Methods("GET")
	router.HandleFunc("/debug/metrics", handleMetrics(m)).Methods("GET")

	return &Server{
		httpServer: manners.NewWithServer(&http.Server{Handler: router}),
		listener:   manners.NewListener(listener),
	}, nil
}

// Start serves in the background; errors surface through the returned
// channel, closed once the server has fully stopped.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil {
			errCh <- errors.Wrap(err, "diagnostics HTTP server failed")
		}
		close(errCh)
	}()
	return errCh
}

// Stop closes the listener and returns without waiting; Serve finishes
// in-flight requests before the channel from Start is closed.
func (s *Server) Stop() {
	s.httpServer.Close()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleTriggers(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handles := reg.List()
		views := make([]triggerView, 0, len(handles))
		for _, h := range handles {
			views = append(views, triggerView{
				ID:                   h.ID(),
				CurrentState:         h.CurrentState().String(),
				DesiredState:         h.DesiredState().String(),
				SecondsSinceLastPoll: h.SecondsSinceLastPoll(),
				RestartCount:         h.RestartCount(),
			})
		}
		respondJSON(w, http.StatusOK, views)
	}
}

func handleMetrics(m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, m.Snapshot())
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
