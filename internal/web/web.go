// Package web serves the built dashboard bundle for passthrough paths.
//
// The gateway treats the dashboard as opaque static content: files are
// served as-is, and unknown paths fall back to the app shell so the
// dashboard's client-side router can resolve them.
package web

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
)

// Handler serves the dashboard application from a directory on disk.
type Handler struct {
	root  string
	files http.Handler
}

// NewHandler creates a Handler serving cfg.Web.Root.
func NewHandler(cfg *config.Config) *Handler {
	return &Handler{
		root:  cfg.Web.Root,
		files: http.FileServer(http.Dir(cfg.Web.Root)),
	}
}

// ServeHTTP serves the requested file, or the app shell when the path does
// not name one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := filepath.Join(h.root, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		h.files.ServeHTTP(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.root, "index.html"))
}
