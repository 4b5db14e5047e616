// Package storage provides the key/value persistence backends for coachnote.
package storage

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const fileExt = ".json"

// Filesystem stores values under date partitions:
//
//	{root}/{YYYY-MM-DD}/{escaped key}.json
//	{root}/latest/{escaped key}.json
type Filesystem struct {
	root string
	now  func() time.Time
}

// NewFilesystem creates the root directory and returns the backend.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, errors.New("filesystem storage: empty root")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, err
	}
	return &Filesystem{root: root, now: time.Now}, nil
}

// SetClock overrides the clock used to pick the write partition.
func (f *Filesystem) SetClock(now func() time.Time) {
	f.now = now
}

func fileName(key string) string {
	return url.PathEscape(key) + fileExt
}

func keyFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *Filesystem) path(partition, key string) string {
	return filepath.Join(f.root, partition, fileName(key))
}

func writeFile(path string, value []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes the value into today's partition and the latest slot.
func (f *Filesystem) Save(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	partition := Partition(f.now())
	if err := writeFile(f.path(partition, key), value); err != nil {
		log.Warn().Err(err).Str("key", key).Str("partition", partition).Msg("Filesystem save failed")
		return err
	}
	if err := writeFile(f.path(LatestPartition, key), value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Filesystem latest slot update failed")
		return err
	}
	return nil
}

func (f *Filesystem) read(partition, key string) ([]byte, bool) {
	data, err := os.ReadFile(f.path(partition, key)) // #nosec G304 -- key is escaped
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("key", key).Str("partition", partition).Msg("Filesystem read failed")
		}
		return nil, false
	}
	return data, true
}

// partitions returns date partitions newest first.
func (f *Filesystem) partitions() []string {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		log.Warn().Err(err).Str("root", f.root).Msg("Filesystem partition scan failed")
		return nil
	}
	var parts []string
	for _, e := range entries {
		if e.IsDir() && IsPartition(e.Name()) {
			parts = append(parts, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(parts)))
	return parts
}

// Load tries the latest slot, then today's partition, then every partition
// newest first.
func (f *Filesystem) Load(_ context.Context, key string) ([]byte, bool) {
	if ValidateKey(key) != nil {
		return nil, false
	}
	if data, ok := f.read(LatestPartition, key); ok {
		return data, true
	}
	today := Partition(f.now())
	if data, ok := f.read(today, key); ok {
		return data, true
	}
	for _, p := range f.partitions() {
		if p == today {
			continue
		}
		if data, ok := f.read(p, key); ok {
			return data, true
		}
	}
	return nil, false
}

// Delete removes the key from the latest slot and every partition.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	var firstErr error
	for _, p := range append(f.partitions(), LatestPartition) {
		err := os.Remove(f.path(p, key))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns the sorted set of keys starting with prefix.
func (f *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range append([]string{LatestPartition}, f.partitions()...) {
		entries, err := os.ReadDir(filepath.Join(f.root, p))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			key, ok := keyFromFile(e.Name())
			if ok && strings.HasPrefix(key, prefix) {
				seen[key] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether Load would find the key.
func (f *Filesystem) Exists(ctx context.Context, key string) bool {
	_, ok := f.Load(ctx, key)
	return ok
}
