package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateFileServer(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.files.Create(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetFileServer(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	snap, ok := s.files.Status(user)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, fileServerStatusResponse{
		User:      snap.Username,
		Status:    string(snap.Status),
		CreatedAt: snap.CreatedAt,
	})
}

func (s *Server) handleDeleteFileServer(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.files.Delete(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
