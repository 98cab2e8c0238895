package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schererja/starfish/internal/config"
	"github.com/schererja/starfish/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(nil, nil, &config.WebConfig{
		LogPath:       t.TempDir(),
		StaticRoot:    t.TempDir(),
		DatabaseURL:   "unused",
		ListenAddress: "127.0.0.1",
		ListenPort:    8080,
	}, logger.NewLogger())
}

func TestRawLogServesFileContent(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(s.cfg.LogFile(7), []byte("hello build\n"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/build/7/raw", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Equal(t, "hello build\n", rec.Body.String())
}

func TestRawLogMissingFileIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/build/999/raw", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTailBuildMissingFileIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/build/999/tail?len=3", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTailBuildStreamsHeadAsSSE(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(s.cfg.LogFile(1), []byte("L1\nL2\nL3\nL4\nL5\n"), 0o644))

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/build/1/tail?len=3", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"t":"Text"`)
	require.Contains(t, line, `L3\nL4\nL5\n`)
}

func TestRequireJSONRejectsHTMLOnlyRequests(t *testing.T) {
	handler := requireJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/builds", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotAcceptable, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/builds", nil)
	req2.Header.Set("Accept", "application/json")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestIndexServesStaticRootIndexHTML(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.cfg.StaticRoot, "index.html"), []byte("<html></html>"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<html>")
}
