package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListSpiders(w http.ResponseWriter, r *http.Request) {
	spiders, err := s.spiders.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spiders": spiders})
}

func (s *Server) handleGetSpider(w http.ResponseWriter, r *http.Request) {
	sp, err := s.spiders.Get(r.Context(), chi.URLParam(r, "spiderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleRunSpider(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.RunNow(r.Context(), chi.URLParam(r, "spiderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}
