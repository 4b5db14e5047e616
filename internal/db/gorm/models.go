// Package gorm provides the GORM-backed durable notebook store for coachnote.
package gorm

import (
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/thebtf/coachnote/pkg/models"
)

// NotebookRow is the durable notebook record. The full snapshot lives in
// Document; the other columns exist for lookups and the revision check.
type NotebookRow struct {
	ID               string `gorm:"primaryKey;type:varchar(64)"`
	TherapistID      string `gorm:"type:varchar(128);index;not null"`
	ClientName       string `gorm:"type:text"`
	Status           string `gorm:"type:varchar(16);check:status IN ('active', 'completed', 'abandoned');default:'active';not null"`
	SessionDateEpoch int64  `gorm:"index:idx_notebooks_session,sort:desc;not null"`
	SavedAtEpoch     int64  `gorm:"index:idx_notebooks_saved,sort:desc;not null"`
	Revision         int64  `gorm:"not null;default:0"`
	Document         string `gorm:"type:text;not null"`
}

func (NotebookRow) TableName() string { return "notebooks" }

// BeforeCreate hook to ensure the save timestamp is set.
func (r *NotebookRow) BeforeCreate(tx *gorm.DB) error {
	if r.SavedAtEpoch == 0 {
		r.SavedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

func rowFromSnapshot(snap models.NotebookSnapshot, savedAt time.Time) (*NotebookRow, error) {
	doc, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	status := string(snap.Status)
	if status == "" {
		status = string(models.NotebookStatusActive)
	}
	return &NotebookRow{
		ID:               snap.ID,
		TherapistID:      snap.TherapistID,
		ClientName:       snap.ClientName,
		Status:           status,
		SessionDateEpoch: snap.SessionDate.UnixMilli(),
		SavedAtEpoch:     savedAt.UnixMilli(),
		Revision:         snap.Revision,
		Document:         string(doc),
	}, nil
}

func (r *NotebookRow) toNotebook() (*models.Notebook, error) {
	nb, err := models.UnmarshalNotebook([]byte(r.Document))
	if err != nil {
		return nil, err
	}
	nb.SetRevision(r.Revision)
	return nb, nil
}
