package models

import "time"

// UploadState is the lifecycle position of a stored image.
type UploadState string

const (
	// UploadStaged files are written but not yet referenced by a committed disease.
	UploadStaged UploadState = "staged"
	// UploadAttached files are referenced by a disease.
	UploadAttached UploadState = "attached"
	// UploadPendingDelete files were released by a committed change and await removal.
	UploadPendingDelete UploadState = "pending_delete"
)

// UploadedFile is the ledger row for one stored disease image.
// Rows that outlive their purpose are picked up by the reconciler.
type UploadedFile struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	Key       string      `gorm:"column:storage_key;size:255;uniqueIndex;not null" json:"key"`
	Path      string      `gorm:"size:1024;not null" json:"path"`
	Backend   string      `gorm:"size:16;not null" json:"backend"`
	DiseaseID *uint       `gorm:"index" json:"disease_id,omitempty"`
	State     UploadState `gorm:"size:16;index;not null" json:"state"`
	ExpireAt  time.Time   `gorm:"index" json:"expire_at"`
	Attempts  int         `gorm:"not null;default:0" json:"attempts"`
	LastError string      `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
