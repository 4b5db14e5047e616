// Package sqlite provides the SQLite key/value backend for coachnote.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/storage"
)

// KV implements storage.Backend on a single table with the same partition
// semantics as the filesystem backend: every save lands in today's partition
// and in the latest slot.
type KV struct {
	store *Store
	now   func() time.Time
}

var _ storage.Backend = (*KV)(nil)

// NewKV creates a key/value backend on the store.
func NewKV(store *Store) *KV {
	return &KV{store: store, now: time.Now}
}

// SetClock overrides the clock used to pick the write partition.
func (k *KV) SetClock(now func() time.Time) {
	k.now = now
}

const upsertQuery = `
	INSERT INTO kv (partition, key, value, updated_at_epoch)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(partition, key) DO UPDATE SET
		value = excluded.value,
		updated_at_epoch = excluded.updated_at_epoch
`

// Save writes the partition row and the latest row in one transaction.
func (k *KV) Save(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	now := k.now()

	tx, err := k.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, partition := range []string{storage.Partition(now), storage.LatestPartition} {
		if _, err := tx.ExecContext(ctx, upsertQuery, partition, key, value, now.UnixMilli()); err != nil {
			log.Warn().Err(err).Str("key", key).Str("partition", partition).Msg("SQLite save failed")
			return err
		}
	}
	return tx.Commit()
}

func (k *KV) read(ctx context.Context, partition, key string) ([]byte, bool) {
	const query = `SELECT value FROM kv WHERE partition = ? AND key = ? LIMIT 1`
	var value []byte
	err := k.store.QueryRowContext(ctx, query, partition, key).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("key", key).Str("partition", partition).Msg("SQLite read failed")
		}
		return nil, false
	}
	return value, true
}

// Load tries the latest slot, then today's partition, then every partition
// newest first.
func (k *KV) Load(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := k.read(ctx, storage.LatestPartition, key); ok {
		return data, true
	}
	today := storage.Partition(k.now())
	if data, ok := k.read(ctx, today, key); ok {
		return data, true
	}

	const query = `
		SELECT value FROM kv
		WHERE key = ? AND partition != ? AND partition != ?
		ORDER BY partition DESC
		LIMIT 1
	`
	var value []byte
	err := k.store.QueryRowContext(ctx, query, key, storage.LatestPartition, today).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("key", key).Msg("SQLite partition scan failed")
		}
		return nil, false
	}
	return value, true
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.store.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (k *KV) List(ctx context.Context, prefix string) ([]string, error) {
	// substr counts characters on TEXT values.
	const query = `SELECT DISTINCT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key ASC`
	rows, err := k.store.QueryContext(ctx, query, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (k *KV) Exists(ctx context.Context, key string) bool {
	const query = `SELECT COUNT(*) FROM kv WHERE key = ?`
	var n int
	if err := k.store.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("SQLite exists check failed")
		return false
	}
	return n > 0
}
