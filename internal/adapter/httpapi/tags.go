package httpapi

import (
	"net/http"
	"strconv"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

type createTagRequest struct {
	NodeID   string `json:"nodeId"`
	PersonID *int64 `json:"personId"`
}

type bulkTagsRequest struct {
	NodeIDs []string `json:"nodeIds"`
}

type assignPersonRequest struct {
	PersonID *int64 `json:"personId"`
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	var (
		tags []domain.Tag
		err  error
	)

	switch raw := r.URL.Query().Get("personId"); {
	case raw != "":
		personID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			s.writeError(w, r, invalidParam("personId", raw))
			return
		}
		tags, err = s.store.ListTagsByPerson(r.Context(), personID)
	case r.URL.Query().Get("subscribed") == "true":
		tags, err = s.store.ListSubscribedTags(r.Context())
	default:
		tags, err = s.store.ListTags(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.store.GetTag(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req createTagRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tag, err := s.monitor.AddTag(r.Context(), req.NodeID, req.PersonID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleCreateTags(w http.ResponseWriter, r *http.Request) {
	var req bulkTagsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tags, err := s.monitor.AddTags(r.Context(), req.NodeIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tags)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.monitor.DeleteTag(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.monitor.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.monitor.Unsubscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tag)
}

// handleAssignPerson clears the assignment when personId is null.
func (s *Server) handleAssignPerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req assignPersonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tag, err := s.monitor.AssignPerson(r.Context(), id, req.PersonID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tag)
}

// handleTagReadings accepts from/to as RFC3339 and limit/offset paging.
func (s *Server) handleTagReadings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetTag(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	query := domain.ReadingQuery{TagID: id}
	if query.From, err = queryTime(r, "from"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if query.To, err = queryTime(r, "to"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if query.Limit, err = queryInt(r, "limit", domain.DefaultReadingLimit); err != nil {
		s.writeError(w, r, err)
		return
	}
	if query.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := query.Normalize(); err != nil {
		s.writeError(w, r, err)
		return
	}

	readings, err := s.store.QueryReadings(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.store.LatestReadings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}
