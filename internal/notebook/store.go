// Package notebook owns the active notebook and its persistence tiers.
package notebook

import (
	"context"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/storage"
	"github.com/thebtf/coachnote/pkg/models"
)

// Store persists notebook snapshots. Not-found reads return (nil, nil).
type Store interface {
	// SaveNotebook writes snap when the stored revision equals expected.
	// models.AnyRevision skips the check.
	SaveNotebook(ctx context.Context, snap models.NotebookSnapshot, expected int64) error
	LoadNotebook(ctx context.Context, id string) (*models.Notebook, error)
	// LatestNotebook returns the most recently saved notebook, restricted to
	// therapistID when it is not empty.
	LatestNotebook(ctx context.Context, therapistID string) (*models.Notebook, error)
	// ListNotebooks returns every notebook, newest session first.
	ListNotebooks(ctx context.Context) ([]*models.Notebook, error)
}

const (
	keyPrefix = "notebooks/"
	latestKey = keyPrefix + "latest"
)

// Key returns the storage key of a notebook.
func Key(id string) string {
	return keyPrefix + id
}

// BackendStore adapts a storage.Backend into a Store. The revision check is
// check-then-write; only the gorm store makes it atomic.
type BackendStore struct {
	backend storage.Backend
}

var _ Store = (*BackendStore)(nil)

// NewBackendStore creates a notebook store on backend.
func NewBackendStore(backend storage.Backend) *BackendStore {
	return &BackendStore{backend: backend}
}

type storedRevision struct {
	Revision int64 `json:"revision"`
}

func (s *BackendStore) SaveNotebook(ctx context.Context, snap models.NotebookSnapshot, expected int64) error {
	if snap.ID == "" || snap.ID == "latest" {
		return fmt.Errorf("save notebook: invalid id %q", snap.ID)
	}
	key := Key(snap.ID)

	// An absent record accepts any revision: volatile tiers evict.
	if expected != models.AnyRevision {
		if data, ok := s.backend.Load(ctx, key); ok {
			var stored storedRevision
			if err := json.Unmarshal(data, &stored); err == nil && stored.Revision != expected {
				return models.ErrRevisionConflict
			}
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	if err := s.backend.Save(ctx, key, data); err != nil {
		return err
	}
	if err := s.backend.Save(ctx, latestKey, data); err != nil {
		log.Warn().Err(err).Str("notebookId", snap.ID).Msg("Failed to update latest notebook pointer")
	}
	return nil
}

func (s *BackendStore) load(ctx context.Context, key string) (*models.Notebook, error) {
	data, ok := s.backend.Load(ctx, key)
	if !ok {
		return nil, nil
	}
	return models.UnmarshalNotebook(data)
}

func (s *BackendStore) LoadNotebook(ctx context.Context, id string) (*models.Notebook, error) {
	if id == "" || id == "latest" {
		return nil, nil
	}
	return s.load(ctx, Key(id))
}

func (s *BackendStore) LatestNotebook(ctx context.Context, therapistID string) (*models.Notebook, error) {
	nb, err := s.load(ctx, latestKey)
	if err != nil || nb == nil {
		return nil, err
	}
	if therapistID != "" && nb.TherapistID() != therapistID {
		return nil, nil
	}
	return nb, nil
}

func (s *BackendStore) ListNotebooks(ctx context.Context) ([]*models.Notebook, error) {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Notebook, 0, len(keys))
	for _, key := range keys {
		if key == latestKey || !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		nb, err := s.load(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable notebook")
			continue
		}
		if nb != nil {
			out = append(out, nb)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// SortNewestFirst orders notebooks by session date descending, then id.
func SortNewestFirst(list []*models.Notebook) {
	sort.SliceStable(list, func(i, j int) bool {
		di, dj := list[i].SessionDate(), list[j].SessionDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return list[i].ID() < list[j].ID()
	})
}
