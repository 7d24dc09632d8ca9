// ABOUTME: Media upload and download endpoints
// ABOUTME: Uploads go through the disk uploader; downloads are served from its directory

package gateway

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// handleUploadMedia handles POST /api/media. The raw request body is the
// file; ?name= is an optional original file name.
func (g *Gateway) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if g.uploader == nil {
		g.sendJSONError(w, http.StatusNotImplemented, "media uploads are not enabled")
		return
	}

	body := r.Body
	if limit := g.uploader.MaxBytes(); limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	stored, err := g.uploader.Upload(r.Context(), data, r.URL.Query().Get("name"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, stored)
}

// handleServeMedia handles GET /media/{name}.
func (g *Gateway) handleServeMedia(w http.ResponseWriter, r *http.Request) {
	if g.uploader == nil {
		http.NotFound(w, r)
		return
	}
	name := r.PathValue("name")
	if name == "" || strings.HasPrefix(name, ".") || name != filepath.Base(name) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, filepath.Join(g.uploader.Dir(), name))
}
