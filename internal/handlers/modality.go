package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/pacslink/internal/index"
	"github.com/otcheredev/pacslink/internal/services"
	"github.com/otcheredev/pacslink/internal/storage"
	"github.com/rs/zerolog/log"
)

type ModalityHandler struct {
	modalityService *services.ModalityService
}

func NewModalityHandler(modalityService *services.ModalityService) *ModalityHandler {
	return &ModalityHandler{modalityService: modalityService}
}

// Routes mounts the handler under /modality.
func (h *ModalityHandler) Routes(r chi.Router) {
	r.Get("/", h.ListStudies)
	r.Get("/uids", h.ListStudyUIDs)
	r.Get("/studies/{studyUID}/instances/{sopUID}", h.RetrieveInstance)
	r.Post("/echo", h.EchoPeer)
	r.Get("/peer", h.LastSend)
}

// ListStudies returns one record per stored study. An unreadable storage
// root yields an empty list.
func (h *ModalityHandler) ListStudies(w http.ResponseWriter, r *http.Request) {
	studies, err := h.modalityService.ListStudies(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Study listing interrupted")
		http.Error(w, "Study listing interrupted", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, studies)
}

// ListStudyUIDs returns the plain study instance UID list.
func (h *ModalityHandler) ListStudyUIDs(w http.ResponseWriter, r *http.Request) {
	uids, err := h.modalityService.ListStudyUIDs(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Study listing interrupted")
		http.Error(w, "Study listing interrupted", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, uids)
}

// RetrieveInstance streams a stored Part 10 file.
func (h *ModalityHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	sopUID := chi.URLParam(r, "sopUID")

	path, err := h.modalityService.InstancePath(studyUID, sopUID)
	switch {
	case errors.Is(err, storage.ErrInvalidIdentity):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, index.ErrInstanceNotFound):
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("study_uid", studyUID).Str("sop_uid", sopUID).Msg("Failed to locate instance")
		http.Error(w, "Failed to locate instance", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to open instance")
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Failed to read instance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dicom")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// EchoPeer runs C-ECHO against the configured peer. ?force=true bypasses
// the cached result.
func (h *ModalityHandler) EchoPeer(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	status, err := h.modalityService.EchoPeer(r.Context(), force)
	if err != nil {
		log.Warn().Err(err).Msg("Peer echo interrupted")
		http.Error(w, "Peer echo interrupted", http.StatusServiceUnavailable)
		return
	}

	code := http.StatusOK
	if !status.IsConnected {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, status)
}

// LastSend reports the most recent scheduled C-STORE.
func (h *ModalityHandler) LastSend(w http.ResponseWriter, r *http.Request) {
	status, err := h.modalityService.LastSend(r.Context())
	if errors.Is(err, services.ErrNoSendRecorded) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read send status")
		http.Error(w, "Failed to read send status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
