package httpapi

import (
	"fmt"
	"net/http"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

type personRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

func (req personRequest) person() (domain.Person, error) {
	p := domain.Person{Name: req.Name, Email: req.Email, Phone: req.Phone, Role: req.Role}
	return p, p.Validate()
}

func invalidParam(name, raw string) error {
	return fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, raw)
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := s.store.ListPeople(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, people)
}

func (s *Server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	person, err := s.store.GetPerson(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, person)
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req personRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	person, err := req.person()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.store.CreatePerson(r.Context(), person)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req personRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	person, err := req.person()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	person.ID = id

	updated, err := s.store.UpdatePerson(r.Context(), person)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// handleDeletePerson leaves the person's tags unassigned.
func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeletePerson(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePersonTags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetPerson(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	tags, err := s.store.ListTagsByPerson(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}
