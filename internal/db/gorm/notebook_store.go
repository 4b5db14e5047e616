// Package gorm provides the GORM-backed durable notebook store for coachnote.
package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/coachnote/pkg/models"
)

// NotebookStore persists notebooks with an atomic revision compare-and-swap.
type NotebookStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewNotebookStore creates a notebook store on an open database.
func NewNotebookStore(store *Store) *NotebookStore {
	return &NotebookStore{db: store.DB, now: time.Now}
}

// SaveNotebook writes snap when the stored revision equals expected.
// expected 0 means the row must not exist yet; models.AnyRevision skips the check.
func (s *NotebookStore) SaveNotebook(ctx context.Context, snap models.NotebookSnapshot, expected int64) error {
	row, err := rowFromSnapshot(snap, s.now())
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)

	switch expected {
	case models.AnyRevision:
		return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error

	case 0:
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrRevisionConflict
		}
		return nil

	default:
		result := db.Model(&NotebookRow{}).
			Where("id = ? AND revision = ?", row.ID, expected).
			Updates(map[string]interface{}{
				"therapist_id":       row.TherapistID,
				"client_name":        row.ClientName,
				"status":             row.Status,
				"session_date_epoch": row.SessionDateEpoch,
				"saved_at_epoch":     row.SavedAtEpoch,
				"revision":           row.Revision,
				"document":           row.Document,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			log.Debug().Str("notebookId", row.ID).Int64("expected", expected).Msg("Notebook revision moved")
			return models.ErrRevisionConflict
		}
		return nil
	}
}

// LoadNotebook returns the notebook or nil when it does not exist.
func (s *NotebookStore) LoadNotebook(ctx context.Context, id string) (*models.Notebook, error) {
	var row NotebookRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toNotebook()
}

// LatestNotebook returns the most recently saved notebook, restricted to
// therapistID when it is not empty.
func (s *NotebookStore) LatestNotebook(ctx context.Context, therapistID string) (*models.Notebook, error) {
	query := s.db.WithContext(ctx).Model(&NotebookRow{})
	if therapistID != "" {
		query = query.Where("therapist_id = ?", therapistID)
	}

	var row NotebookRow
	err := query.Order("saved_at_epoch DESC").Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toNotebook()
}

// ListNotebooks returns every notebook, newest session first.
func (s *NotebookStore) ListNotebooks(ctx context.Context) ([]*models.Notebook, error) {
	var rows []NotebookRow
	err := s.db.WithContext(ctx).
		Order("session_date_epoch DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*models.Notebook, 0, len(rows))
	for i := range rows {
		nb, err := rows[i].toNotebook()
		if err != nil {
			log.Warn().Err(err).Str("notebookId", rows[i].ID).Msg("Skipping undecodable notebook row")
			continue
		}
		out = append(out, nb)
	}
	return out, nil
}
