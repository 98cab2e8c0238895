// Package httpapi is the web HTTP surface: a chi router exposing the
// build store over JSON, plus a content-type-guarded static/index route
// and a server-sent-event log tailer.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schererja/starfish/internal/buildstore"
	"github.com/schererja/starfish/internal/config"
	"github.com/schererja/starfish/internal/notifybus"
	"github.com/schererja/starfish/pkg/logger"
)

// Server wires the build store and notification bus into an http.Handler.
type Server struct {
	store *buildstore.DB
	bus   *notifybus.Bus
	cfg   *config.WebConfig
	log   *logger.Logger
	mux   chi.Router
}

// New builds the router: GET /builds, PUT /build, GET /build/{id} and
// PUT /build/{id}/restart live under /api behind the JSON content-type
// guard; GET /build/{id}/tail lives under /api outside that guard, since
// it answers with an event stream; GET /build/{id}/raw is registered outside
// /api, matching original_source's top-level get_build_raw route. A
// static file server and an HTML catch-all guarded to requests that
// prefer text/html round out the surface.
func New(store *buildstore.DB, bus *notifybus.Bus, cfg *config.WebConfig, log *logger.Logger) *Server {
	s := &Server{store: store, bus: bus, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Group(func(jsonOnly chi.Router) {
			jsonOnly.Use(requireJSON)
			jsonOnly.Get("/builds", s.listBuilds)
			jsonOnly.Put("/build", s.createBuild)
			jsonOnly.Get("/build/{id}", s.getBuild)
			jsonOnly.Put("/build/{id}/restart", s.restartBuild)
		})
		api.Get("/build/{id}/tail", s.tailBuild)
	})
	r.Get("/build/{id}/raw", s.rawLog)

	if cfg.StaticRoot != "" {
		fileServer := http.FileServer(http.Dir(cfg.StaticRoot))
		r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	}
	r.Group(func(html chi.Router) {
		html.Use(preferHTML)
		html.NotFound(s.index)
		html.Get("/", s.index)
	})

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticRoot == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, s.cfg.StaticRoot+"/index.html")
}

// requireJSON mirrors original_source's content_type_guard: reject
// requests that do not accept a JSON response.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		if accept != "" && !strings.Contains(accept, "application/json") && !strings.Contains(accept, "*/*") {
			http.Error(w, "not acceptable", http.StatusNotAcceptable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// preferHTML is the inverse of requireJSON: it guards the catch-all index
// route so that an API client asking only for application/json gets a 404
// instead of an HTML page, matching original_source's content_type_guard.
func preferHTML(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		if accept != "" && !strings.Contains(accept, "text/html") && !strings.Contains(accept, "*/*") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func buildIDFromURL(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "id"))
}
