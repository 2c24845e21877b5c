package export

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Handler serves retry files at GET /retry-files/{jobID}?token=...
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rawID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/retry-files"), "/")
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}
	if err := h.service.ValidateDownloadToken(jobID, r.URL.Query().Get("token")); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	file, meta, err := h.service.Open(jobID)
	switch {
	case errors.Is(err, ErrFileNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer file.Close()

	name := filepath.Base(meta.Path)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, meta.CreatedAt, file)
}
