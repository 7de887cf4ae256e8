package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aprilaire-go-home/internal/entity"
	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/setup"
	"aprilaire-go-home/internal/store"
)

func (s *Server) handleAPIListEntries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Entries())
}

func (s *Server) handleAPIGetEntry(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleAPICreateEntry runs the user step of the config flow. An empty body
// returns the form; a created entry is set up right away.
func (s *Server) handleAPICreateEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var input *setup.Input
	if len(strings.TrimSpace(string(body))) > 0 {
		input = &setup.Input{}
		if err := json.Unmarshal(body, input); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	// The reachability check can outlast the server's write timeout. The
	// flow bounds itself, so drop the deadline for this response.
	if input != nil {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Warn("clear write deadline", "err", err)
		}
	}

	res, err := s.flow.StepUser(r.Context(), input)
	if err != nil {
		s.logger.Error("config flow", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if res.Type != setup.ResultCreateEntry {
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	if err := s.hub.Setup(res.Entry); err != nil {
		s.logger.Error("setup new entry", "entry_id", res.Entry.ID, "err", err)
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAPIDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.Unload(id); err != nil && !errors.Is(err, hub.ErrNotFound) {
		s.logger.Error("unload entry", "entry_id", id, "err", err)
	}
	if err := s.flow.Remove(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error("remove entry", "entry_id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIEntryData(w http.ResponseWriter, r *http.Request) {
	coord, err := s.hub.Coordinator(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.writeJSON(w, http.StatusOK, coord.Data())
}

func (s *Server) handleAPIEntryEntities(w http.ResponseWriter, r *http.Request) {
	states, err := s.hub.Entities(r.PathValue("id"))
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

// handleAPIEntryDevice prefers live device info and falls back to the
// stored record, so unloaded entries still show their last known device.
func (s *Server) handleAPIEntryDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if coord, err := s.hub.Coordinator(id); err == nil {
		if info := coord.DeviceInfo(); info != nil {
			s.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	dev, err := s.devices.GetDevice(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIListServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Services().Services())
}

func (s *Server) handleAPICallService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	service := r.PathValue("service")

	params := map[string]any{}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.hub.Call(r.Context(), id, service, params); err != nil {
		s.writeHubError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeHubError maps hub and service errors to HTTP statuses.
func (s *Server) writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrUnknownService):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hub.ErrNotReady):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidParams),
		errors.Is(err, entity.ErrInvalidValue),
		errors.Is(err, entity.ErrUnsupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("service call", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}
