package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/schererja/starfish/internal/tail"
)

// rawLog is GET /build/{id}/raw: the raw log file as text/plain.
func (s *Server) rawLog(w http.ResponseWriter, r *http.Request) {
	id, err := buildIDFromURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	path := s.cfg.LogFile(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, path, info.ModTime(), f)
}

// tailBuild is GET /build/{id}/tail?len=N: a server-sent-event stream of
// the last N lines followed by live updates.
func (s *Server) tailBuild(w http.ResponseWriter, r *http.Request) {
	id, err := buildIDFromURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	n := 20
	if raw := r.URL.Query().Get("len"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		n = v
	}

	events, err := tail.Stream(r.Context(), s.cfg.LogFile(id), n)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("httpapi: streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
