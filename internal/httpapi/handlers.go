package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/schererja/starfish/internal/buildstore"
	"github.com/schererja/starfish/internal/notifybus"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// listBuilds is GET /builds: the latest 10 builds by creation time.
func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.store.ListRecentBuilds(r.Context(), 10)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, builds)
}

type createBuildRequest struct {
	Origin string `json:"origin"`
	Rev    string `json:"rev"`
	Paths  string `json:"paths"`
}

// createBuild is PUT /build: create a Build and its Inputs from
// {origin, rev, paths}, where paths is a comma-separated list whose
// entries are trimmed and empty ones dropped, then notify build_queued
// so a waiting worker picks it up immediately.
func (s *Server) createBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	b, err := s.store.CreateBuild(r.Context(), req.Origin, req.Rev)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var paths []string
	for _, p := range strings.Split(req.Paths, ",") {
		if t := strings.TrimSpace(p); t != "" {
			paths = append(paths, t)
		}
	}
	if err := s.store.SetInputs(r.Context(), b.ID, paths); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.bus.Publish(r.Context(), notifybus.ChannelBuildQueued, strconv.Itoa(b.ID)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, b)
}

type buildResponse struct {
	Build  *buildstore.Build          `json:"build"`
	Inputs []buildstore.InputOutputs `json:"inputs"`
}

// getBuild is GET /build/{id}: {build, inputs}, each input carrying its
// outputs.
func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	id, err := buildIDFromURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	b, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if b == nil {
		s.writeJSON(w, http.StatusOK, nil)
		return
	}

	inputs, err := s.store.ListInputsWithOutputs(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, buildResponse{Build: b, Inputs: inputs})
}

// restartBuild is PUT /build/{id}/restart: notify build_restarted so a
// worker discards the build's prior outputs and runs it again.
func (s *Server) restartBuild(w http.ResponseWriter, r *http.Request) {
	id, err := buildIDFromURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.bus.Publish(r.Context(), notifybus.ChannelBuildRestarted, strconv.Itoa(id)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
