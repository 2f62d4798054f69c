package httpapi

import (
	"net/http"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

// settingsBody exchanges intervals as milliseconds.
type settingsBody struct {
	ID                   int64     `json:"id,omitempty"`
	Name                 string    `json:"name"`
	PublishingIntervalMs int64     `json:"publishingIntervalMs"`
	SamplingIntervalMs   int64     `json:"samplingIntervalMs"`
	QueueSize            uint32    `json:"queueSize"`
	IsDefault            bool      `json:"isDefault"`
	UpdatedAt            time.Time `json:"updatedAt,omitempty"`
}

func toSettingsBody(s domain.SubscriptionSettings) settingsBody {
	return settingsBody{
		ID:                   s.ID,
		Name:                 s.Name,
		PublishingIntervalMs: s.PublishingInterval.Milliseconds(),
		SamplingIntervalMs:   s.SamplingInterval.Milliseconds(),
		QueueSize:            s.QueueSize,
		IsDefault:            s.IsDefault,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (b settingsBody) settings() domain.SubscriptionSettings {
	name := b.Name
	if name == "" {
		name = "default"
	}
	return domain.SubscriptionSettings{
		ID:                 b.ID,
		Name:               name,
		PublishingInterval: time.Duration(b.PublishingIntervalMs) * time.Millisecond,
		SamplingInterval:   time.Duration(b.SamplingIntervalMs) * time.Millisecond,
		QueueSize:          b.QueueSize,
		IsDefault:          true,
	}
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.ListSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bodies := make([]settingsBody, 0, len(all))
	for _, st := range all {
		bodies = append(bodies, toSettingsBody(st))
	}
	s.writeJSON(w, http.StatusOK, bodies)
}

func (s *Server) handleDefaultSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetDefaultSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSettingsBody(st))
}

// handleSetDefaultSettings answers 200 with a warning when the settings were
// saved but some monitored items could not be recreated.
func (s *Server) handleSetDefaultSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	saved, err := s.monitor.SetDefaultSettings(r.Context(), body.settings())
	if err != nil && saved.ID == 0 {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]interface{}{"settings": toSettingsBody(saved)}
	if err != nil {
		resp["warning"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
