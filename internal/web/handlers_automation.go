package web

import (
	"net/http"
)

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.automation == nil {
		s.writeJSON(w, http.StatusOK, []string{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.automation.Scripts())
}

func (s *Server) handleAPIReloadAutomations(w http.ResponseWriter, r *http.Request) {
	if s.automation == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return
	}
	if err := s.automation.Reload(); err != nil {
		s.logger.Error("reload automations", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scripts": s.automation.Scripts()})
}
