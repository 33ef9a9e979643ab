package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/pacslink/internal/database"
	"github.com/otcheredev/pacslink/internal/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create creates a new audit log entry
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if err := database.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries first.
func (r *AuditRepository) ListRecent(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	query := database.DB.WithContext(ctx).Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return logs, nil
}

// GetByAssociation returns the events of one association in order.
func (r *AuditRepository) GetByAssociation(ctx context.Context, associationID string) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	if err := database.DB.WithContext(ctx).
		Where("association_id = ?", associationID).
		Order("created_at ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return logs, nil
}

// GetBySOPInstance returns every event that touched an instance.
func (r *AuditRepository) GetBySOPInstance(ctx context.Context, sopInstanceUID string) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	if err := database.DB.WithContext(ctx).
		Where("sop_instance_uid = ?", sopInstanceUID).
		Order("created_at DESC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return logs, nil
}
