package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/otcheredev/pacslink/internal/models"
	"github.com/rs/zerolog/log"
)

// AuditQuerier reads the persisted audit trail. *repository.AuditRepository
// satisfies it.
type AuditQuerier interface {
	ListRecent(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
	GetByAssociation(ctx context.Context, associationID string) ([]models.AuditLog, error)
	GetBySOPInstance(ctx context.Context, sopInstanceUID string) ([]models.AuditLog, error)
}

const maxAuditLimit = 1000

type AuditHandler struct {
	audits AuditQuerier
}

func NewAuditHandler(audits AuditQuerier) *AuditHandler {
	return &AuditHandler{audits: audits}
}

// List handles GET /modality/audit. Filters: association_id,
// sop_instance_uid, or limit/offset paging (default 100, at most 1000).
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		logs []models.AuditLog
		err  error
	)
	switch {
	case q.Get("association_id") != "":
		logs, err = h.audits.GetByAssociation(r.Context(), q.Get("association_id"))
	case q.Get("sop_instance_uid") != "":
		logs, err = h.audits.GetBySOPInstance(r.Context(), q.Get("sop_instance_uid"))
	default:
		limit, offset := 100, 0
		if v, convErr := strconv.Atoi(q.Get("limit")); convErr == nil && v > 0 {
			limit = min(v, maxAuditLimit)
		}
		if v, convErr := strconv.Atoi(q.Get("offset")); convErr == nil && v > 0 {
			offset = v
		}
		logs, err = h.audits.ListRecent(r.Context(), limit, offset)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to query audit log")
		http.Error(w, "Failed to query audit log", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
