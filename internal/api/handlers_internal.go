package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlhub/crawlhub/internal/spider"
)

func (s *Server) handleIngestItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpiderID string        `json:"spider_id"`
		Items    []spider.Item `json:"items"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.SpiderID == "" {
		writeError(w, http.StatusBadRequest, "spider_id is required")
		return
	}

	result, err := s.pipeline.Ingest(r.Context(), chi.URLParam(r, "taskID"), req.SpiderID, req.Items)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Progress int `json:"progress"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Progress < 0 || req.Progress > 100 {
		writeError(w, http.StatusBadRequest, "progress must be within 0..100")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if task.Status != spider.TaskStatusRunning {
		writeDomainError(w, spider.ErrTaskNotRunning)
		return
	}
	if err := s.tasks.UpdateProgress(r.Context(), taskID, req.Progress); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemoryMB   float64 `json:"memory_mb"`
		ItemsCount int64   `json:"items_count"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Heartbeats for tasks that are not running are acknowledged but ignored.
	// The process may still be flushing after a cancel or monitor kill.
	if task.Status != spider.TaskStatusRunning {
		writeJSON(w, http.StatusOK, map[string]any{"recorded": false, "status": task.Status})
		return
	}

	hb := spider.Heartbeat{MemoryMB: req.MemoryMB, ItemsCount: req.ItemsCount}
	if err := s.tasks.RecordHeartbeat(r.Context(), taskID, hb, s.clock.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true, "status": task.Status})
}

func (s *Server) handleSaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	if err := s.tasks.SaveCheckpoint(r.Context(), chi.URLParam(r, "taskID"), req.Data); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLastCheckpoint(w http.ResponseWriter, r *http.Request) {
	data, err := s.tasks.LastFailedCheckpoint(r.Context(), chi.URLParam(r, "spiderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"checkpoint": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint": json.RawMessage(data)})
}
