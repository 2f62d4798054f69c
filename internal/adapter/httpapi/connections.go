package httpapi

import (
	"fmt"
	"net/http"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

// connectionRequest carries the password, which profiles never serialize.
type connectionRequest struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	SecurityPolicy string `json:"securityPolicy"`
	SecurityMode   string `json:"securityMode"`
	Username       string `json:"username"`
	Password       string `json:"password"`
}

func (req connectionRequest) profile() (domain.ConnectionProfile, error) {
	policy, err := domain.ParseSecurityPolicy(req.SecurityPolicy)
	if err != nil {
		return domain.ConnectionProfile{}, err
	}
	mode, err := domain.ParseSecurityMode(req.SecurityMode)
	if err != nil {
		return domain.ConnectionProfile{}, err
	}

	p := domain.ConnectionProfile{
		Name:           req.Name,
		Host:           req.Host,
		Port:           req.Port,
		SecurityPolicy: policy,
		SecurityMode:   mode,
		Username:       req.Username,
		Password:       req.Password,
	}
	if p.Name == "" {
		p.Name = p.Endpoint()
	}
	return p, p.Validate()
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListConnections(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := req.profile()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.store.CreateConnection(r.Context(), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleUpdateConnection keeps the stored password when none is sent.
func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req connectionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	existing, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Password == "" && req.Username == existing.Username {
		req.Password = existing.Password
	}

	profile, err := req.profile()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile.ID = id
	profile.IsActive = existing.IsActive

	updated, err := s.store.UpdateConnection(r.Context(), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if profile.IsActive && s.monitor.Status().Connected {
		s.writeError(w, r, fmt.Errorf("%w: connection %d is in use, disconnect first", domain.ErrValidation, id))
		return
	}

	if err := s.store.DeleteConnection(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	endpoint, err := s.monitor.Connect(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": true,
		"endpoint":  endpoint,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Disconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}
