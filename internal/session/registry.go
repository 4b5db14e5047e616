// Package session maps conversation handles to resolved session identities.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/storage"
)

const (
	keyPrefix = "sessions/"
	latestKey = keyPrefix + "latest"
)

// ErrInvalidRegistration is returned when a handle or therapist id is empty.
var ErrInvalidRegistration = errors.New("session: handle and therapist id are required")

// Record identifies a logical conversation independent of transport.
type Record struct {
	SessionID    string    `json:"sessionId"`
	TherapistID  string    `json:"therapistId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry stores session records in a storage backend. Every registration
// writes the per-handle record and the shared latest pointer.
type Registry struct {
	backend storage.Backend
	now     func() time.Time
}

// NewRegistry creates a registry on backend.
func NewRegistry(backend storage.Backend) *Registry {
	return &Registry{backend: backend, now: time.Now}
}

// Key returns the storage key of a handle's record.
func Key(handle string) string {
	return keyPrefix + handle
}

// Register records handle as a session of therapistID and makes it the latest.
// Re-registering a handle overwrites its record.
func (r *Registry) Register(ctx context.Context, handle, therapistID string) (Record, error) {
	handle = strings.TrimSpace(handle)
	therapistID = strings.TrimSpace(therapistID)
	if handle == "" || therapistID == "" || Key(handle) == latestKey {
		return Record{}, ErrInvalidRegistration
	}

	rec := Record{SessionID: handle, TherapistID: therapistID, RegisteredAt: r.now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}

	if err := r.backend.Save(ctx, Key(handle), data); err != nil {
		return Record{}, fmt.Errorf("save session record: %w", err)
	}
	if err := r.backend.Save(ctx, latestKey, data); err != nil {
		return Record{}, fmt.Errorf("save latest session pointer: %w", err)
	}

	log.Info().Str("sessionId", handle).Str("therapistId", therapistID).Msg("Session registered")
	return rec, nil
}

// Lookup returns the record registered under handle.
func (r *Registry) Lookup(ctx context.Context, handle string) (Record, bool) {
	if strings.TrimSpace(handle) == "" {
		return Record{}, false
	}
	return r.read(ctx, Key(handle))
}

// Latest returns the most recently registered record.
func (r *Registry) Latest(ctx context.Context) (Record, bool) {
	return r.read(ctx, latestKey)
}

func (r *Registry) read(ctx context.Context, key string) (Record, bool) {
	data, ok := r.backend.Load(ctx, key)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable session record")
		return Record{}, false
	}
	if rec.SessionID == "" || rec.TherapistID == "" {
		return Record{}, false
	}
	return rec, true
}
