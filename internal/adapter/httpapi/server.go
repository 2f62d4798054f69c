// Package httpapi serves the command API of the monitor over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/service"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Monitor is the part of the monitor service the API drives.
type Monitor interface {
	Connect(ctx context.Context, profileID int64) (string, error)
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, tagID int64) (domain.Tag, error)
	Unsubscribe(ctx context.Context, tagID int64) (domain.Tag, error)
	AddTag(ctx context.Context, nodeID string, personID *int64) (domain.Tag, error)
	AddTags(ctx context.Context, nodeIDs []string) ([]domain.Tag, error)
	DeleteTag(ctx context.Context, tagID int64) error
	AssignPerson(ctx context.Context, tagID int64, personID *int64) (domain.Tag, error)
	SetDefaultSettings(ctx context.Context, settings domain.SubscriptionSettings) (domain.SubscriptionSettings, error)
	Status() service.MonitorStatus
}

// StatsFunc reports the counters of an optional component.
type StatsFunc func() map[string]interface{}

// Server holds the API handlers.
type Server struct {
	monitor Monitor
	store   domain.Store
	logger  zerolog.Logger
	stats   map[string]StatsFunc
}

// NewServer creates the API.
func NewServer(monitor Monitor, store domain.Store, logger zerolog.Logger) *Server {
	return &Server{
		monitor: monitor,
		store:   store,
		logger:  logging.WithComponent(logger, "http-api"),
		stats:   make(map[string]StatsFunc),
	}
}

// AddStats exposes a component's counters on /api/stats. Call before Register.
func (s *Server) AddStats(name string, fn StatsFunc) {
	s.stats[name] = fn
}

// Register mounts every route under /api/ on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/connections", s.handleCreateConnection)
	mux.HandleFunc("GET /api/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("PUT /api/connections/{id}", s.handleUpdateConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", s.handleDeleteConnection)
	mux.HandleFunc("POST /api/connections/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)

	mux.HandleFunc("GET /api/tags", s.handleListTags)
	mux.HandleFunc("POST /api/tags", s.handleCreateTag)
	mux.HandleFunc("POST /api/tags/bulk", s.handleCreateTags)
	mux.HandleFunc("GET /api/tags/{id}", s.handleGetTag)
	mux.HandleFunc("DELETE /api/tags/{id}", s.handleDeleteTag)
	mux.HandleFunc("POST /api/tags/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/tags/{id}/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("PUT /api/tags/{id}/person", s.handleAssignPerson)
	mux.HandleFunc("GET /api/tags/{id}/readings", s.handleTagReadings)
	mux.HandleFunc("GET /api/readings/latest", s.handleLatestReadings)

	mux.HandleFunc("GET /api/people", s.handleListPeople)
	mux.HandleFunc("POST /api/people", s.handleCreatePerson)
	mux.HandleFunc("GET /api/people/{id}", s.handleGetPerson)
	mux.HandleFunc("PUT /api/people/{id}", s.handleUpdatePerson)
	mux.HandleFunc("DELETE /api/people/{id}", s.handleDeletePerson)
	mux.HandleFunc("GET /api/people/{id}/tags", s.handlePersonTags)

	mux.HandleFunc("GET /api/settings", s.handleListSettings)
	mux.HandleFunc("GET /api/settings/default", s.handleDefaultSettings)
	mux.HandleFunc("PUT /api/settings/default", s.handleSetDefaultSettings)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{}, len(s.stats)+1)
	out["monitor"] = s.monitor.Status().Subscription
	for name, fn := range s.stats {
		out[name] = fn()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.store.RecentActivity(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProtocolFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("Request rejected")
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrValidation, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, raw)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid %s %q, expected RFC3339", domain.ErrValidation, name, raw)
	}
	return t, nil
}
