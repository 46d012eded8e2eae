package router

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/scottylabs/kennel/internal/logfields"
)

// serveStatic serves a file under base. Paths are canonicalized and any
// target escaping base is rejected with 403. Directories serve their
// index.html; with spa set, unresolvable paths fall back to the root
// index.html.
func (r *Router) serveStatic(w http.ResponseWriter, req *http.Request, base string, spa bool) {
	baseCanonical, err := filepath.EvalSymlinks(base)
	if err != nil {
		r.log.Warn("static base unresolvable", logfields.Path(base), logfields.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	candidate := filepath.Join(base, strings.TrimPrefix(req.URL.Path, "/"))
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if spa {
			r.serveFile(w, filepath.Join(baseCanonical, "index.html"), "text/html")
			return
		}
		http.NotFound(w, req)
		return
	}

	if resolved != baseCanonical && !strings.HasPrefix(resolved, baseCanonical+string(filepath.Separator)) {
		r.log.Warn("path traversal attempt rejected", logfields.Path(req.URL.Path))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(resolved)
	if err == nil && info.IsDir() {
		resolved = filepath.Join(resolved, "index.html")
	}

	contentType := mime.TypeByExtension(filepath.Ext(resolved))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if spa {
			r.serveFile(w, filepath.Join(baseCanonical, "index.html"), "text/html")
			return
		}
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (r *Router) serveFile(w http.ResponseWriter, path, contentType string) {
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
