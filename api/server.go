// Package api exposes the local HTTP control surface consumed by the UI
// layer and CLI. It binds to loopback; it is not a LAN-facing service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pebble/core"
	"pebble/identity"
	"pebble/storage"
	"pebble/transfer"
)

// Server routes control requests onto the core.
type Server struct {
	core   *core.Core
	router *mux.Router
	log    *logrus.Entry
}

// NewServer builds the router.
func NewServer(c *core.Core) *Server {
	s := &Server{
		core: c,
		log:  logrus.WithField("component", "api"),
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	v1.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	v1.HandleFunc("/stats/discovery", s.handleDiscoveryStats).Methods(http.MethodGet)

	v1.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleChangeEvent).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/events", s.handleWatchSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", s.handleCancelSession).Methods(http.MethodPost)
	v1.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	v1.HandleFunc("/pairing", s.handleCreatePairing).Methods(http.MethodGet)
	v1.HandleFunc("/pairing", s.handleImportPairing).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Debug("encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, transfer.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transfer.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, core.ErrPeerUnavailable), errors.Is(err, core.ErrDiscoveryNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, identity.ErrInvalidPairingPayload),
		errors.Is(err, core.ErrNotPaired),
		errors.Is(err, core.ErrInvalidChange):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, into any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return errors.New("api: malformed request body: " + err.Error())
	}
	return nil
}
