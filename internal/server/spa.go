package server

import (
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// spaHandler serves a single-page app with fallback to index.html for
// client-side routes
type spaHandler struct {
	staticFS   http.FileSystem
	indexBytes []byte
}

// ServeHTTP serves static files, falling back to index.html
func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filePath := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if filePath == "" {
		filePath = "index.html"
	}

	file, err := h.staticFS.Open(filePath)
	if err == nil {
		defer file.Close()
		stat, statErr := file.Stat()

		if filePath == "index.html" {
			h.serveIndex(w)
			return
		}

		if statErr == nil && !stat.IsDir() {
			if strings.HasPrefix(filePath, "assets/") {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			}
			http.ServeContent(w, r, filePath, stat.ModTime(), file)
			return
		}
	}

	// Missing static assets are real 404s, not routes
	if isAssetPath(filePath) {
		http.NotFound(w, r)
		return
	}

	h.serveIndex(w)
}

func (h *spaHandler) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(h.indexBytes)
}

func isAssetPath(p string) bool {
	if strings.HasPrefix(p, "assets/") || strings.HasPrefix(p, "_next/") {
		return true
	}
	switch path.Ext(p) {
	case ".js", ".css", ".map", ".png", ".jpg", ".svg", ".ico", ".woff", ".woff2", ".json", ".txt":
		return true
	}
	return false
}

// newSPAHandler creates a SPA handler, reading index.html into memory
func newSPAHandler(fsys fs.FS) (*spaHandler, error) {
	staticFS := http.FS(fsys)

	indexFile, err := staticFS.Open("index.html")
	if err != nil {
		return nil, err
	}
	defer indexFile.Close()

	indexBytes, err := io.ReadAll(indexFile)
	if err != nil {
		return nil, err
	}

	return &spaHandler{
		staticFS:   staticFS,
		indexBytes: indexBytes,
	}, nil
}

// frontendHandler serves web_root when it holds a built UI, otherwise a
// placeholder page
func (s *Server) frontendHandler() http.Handler {
	if s.config.WebRoot != "" {
		handler, err := newSPAHandler(os.DirFS(s.config.WebRoot))
		if err == nil {
			logrus.WithField("web_root", s.config.WebRoot).Info("Serving web UI")
			return handler
		}
		logrus.WithError(err).WithField("web_root", s.config.WebRoot).Warn("Failed to load web UI, using placeholder")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
	<title>s3desk</title>
	<style>
		body { font-family: system-ui, -apple-system, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
		.warning { background: #fff3cd; border: 1px solid #ffc107; border-radius: 4px; padding: 15px; margin: 20px 0; }
		code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; font-family: monospace; }
	</style>
</head>
<body>
	<h1>s3desk</h1>
	<div class="warning">
		<p><strong>No web UI is configured.</strong></p>
		<p>Point <code>web_root</code> (or <code>--web-root</code>) at a directory containing the built UI.</p>
	</div>
	<p><strong>API:</strong> <code>` + s.config.PublicURL + `/api/s3/buckets</code></p>
</body>
</html>`))
	})
}
