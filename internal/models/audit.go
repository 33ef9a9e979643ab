package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog records one association lifecycle event or DIMSE operation.
type AuditLog struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	AssociationID  string    `gorm:"type:varchar(36);index" json:"association_id"`
	Action         string    `gorm:"type:varchar(50);not null;index" json:"action"`
	CallingAETitle string    `gorm:"type:varchar(16);index" json:"calling_ae_title"`
	CalledAETitle  string    `gorm:"type:varchar(16)" json:"called_ae_title"`
	RemoteAddr     string    `gorm:"type:varchar(64)" json:"remote_addr"`
	SOPClassUID    string    `gorm:"type:varchar(64)" json:"sop_class_uid,omitempty"`
	SOPInstanceUID string    `gorm:"type:varchar(64);index" json:"sop_instance_uid,omitempty"`
	StudyUID       string    `gorm:"type:varchar(64);index" json:"study_instance_uid,omitempty"`
	Status         string    `gorm:"type:varchar(20);index" json:"status"` // success, failure
	DIMSEStatus    uint16    `json:"dimse_status"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64     `json:"duration_ms"` // milliseconds
	CreatedAt      time.Time `gorm:"index" json:"timestamp"`
}

func (AuditLog) TableName() string {
	return "dicom_audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
