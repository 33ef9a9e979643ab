package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type HealthHandler struct {
	storageRoot string
	checks      map[string]Check
}

// NewHealthHandler checks the storage root plus any optional dependencies
// (database, cache) registered in checks.
func NewHealthHandler(storageRoot string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{storageRoot: storageRoot, checks: checks}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]string),
	}

	// a missing root only means nothing was stored yet
	switch err := h.checkStorage(); {
	case err == nil:
		response.Services["storage"] = "healthy"
	case errors.Is(err, fs.ErrNotExist):
		response.Services["storage"] = "empty"
	default:
		response.Services["storage"] = "unhealthy"
		response.Status = "degraded"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			response.Services[name] = "unhealthy"
			response.Status = "degraded"
		} else {
			response.Services[name] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.checkStorage(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "Storage not ready", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *HealthHandler) checkStorage() error {
	info, err := os.Stat(h.storageRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("storage root is not a directory")
	}
	return nil
}
