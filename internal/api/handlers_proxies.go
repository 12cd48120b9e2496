package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlhub/crawlhub/internal/spider"
)

type proxyRequest struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Protocol    string   `json:"protocol"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	SuccessRate *float64 `json:"success_rate"`
}

func (req proxyRequest) validate() string {
	if req.Host == "" {
		return "host is required"
	}
	if req.Port <= 0 || req.Port > 65535 {
		return "port must be within 1..65535"
	}
	if req.SuccessRate != nil && (*req.SuccessRate < 0 || *req.SuccessRate > 1) {
		return "success_rate must be within [0,1]"
	}
	return ""
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	proxy, err := s.proxies.Get(r.Context(), chi.URLParam(r, "proxyID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// New proxies start healthy so the pool will hand them out.
	rate := 1.0
	if req.SuccessRate != nil {
		rate = *req.SuccessRate
	}
	proxy := spider.Proxy{
		ID:          id,
		Host:        req.Host,
		Port:        req.Port,
		Protocol:    req.Protocol,
		Username:    req.Username,
		Password:    req.Password,
		Status:      spider.ProxyStatusActive,
		SuccessRate: rate,
	}
	if err := s.proxies.Create(r.Context(), proxy); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proxy)
}

func (s *Server) handleUpdateProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	proxyID := chi.URLParam(r, "proxyID")
	proxy := spider.Proxy{
		ID:       proxyID,
		Host:     req.Host,
		Port:     req.Port,
		Protocol: req.Protocol,
		Username: req.Username,
		Password: req.Password,
	}
	if err := s.proxies.Update(r.Context(), proxy); err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := s.proxies.Get(r.Context(), proxyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.proxies.Delete(r.Context(), chi.URLParam(r, "proxyID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxyID")
	reachable, err := s.pool.Check(r.Context(), proxyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proxy_id":  proxyID,
		"reachable": reachable,
	})
}

func (s *Server) handleCheckAllProxies(w http.ResponseWriter, r *http.Request) {
	results, err := s.pool.CheckAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleAcquireProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinSuccessRate float64 `json:"min_success_rate"`
	}
	// Body is optional; an empty one means the configured floor applies.
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.MinSuccessRate < 0 || req.MinSuccessRate > 1 {
			writeError(w, http.StatusBadRequest, "min_success_rate must be within [0,1]")
			return
		}
	}
	proxy, err := s.pool.Acquire(r.Context(), req.MinSuccessRate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleReportProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pool.Report(r.Context(), chi.URLParam(r, "proxyID"), req.Success); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
