package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	var body createLabRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.lab.Create(r.Context(), user, body.toLabRequest()); err != nil {
		writeError(w, statusForLabError(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	snap, err := s.lab.Status(user)
	if err != nil {
		writeError(w, statusForLabError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toLabStatusResponse(snap))
}

func (s *Server) handleDeleteLab(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.lab.Delete(r.Context(), user); err != nil {
		writeError(w, statusForLabError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	snaps := s.lab.List()
	out := make([]labListEntry, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, labListEntry{User: snap.Username, Status: string(snap.Status)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLabEvents streams a user's progress events as SSE, resuming from
// Last-Event-ID when present (spec.md §6).
func (s *Server) handleLabEvents(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	var afterID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterID = n
		}
	}

	sub, err := s.lab.Events(user, afterID)
	if err != nil {
		writeError(w, statusForLabError(err), err)
		return
	}
	defer sub.Unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Kind == events.KindShutdown {
				return
			}
		}
	}
}

// statusForLabError maps the lab package's sentinel errors to HTTP status
// codes (spec.md §7).
func statusForLabError(err error) int {
	switch {
	case errors.Is(err, lab.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lab.ErrAlreadyExists), errors.Is(err, apierrors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, lab.ErrConflict), errors.Is(err, apierrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apierrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apierrors.ErrImageUnknown):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apierrors.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apierrors.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apierrors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
