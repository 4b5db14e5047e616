// Package storage provides the key/value persistence backends for coachnote.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Kind selects a backend implementation.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindSQLite     Kind = "sqlite"
	KindRemote     Kind = "remote"
	KindMemory     Kind = "memory"
	KindRedis      Kind = "redis"
)

// PartitionLayout is the date format of write partitions.
const PartitionLayout = "2006-01-02"

// LatestPartition is the pseudo-partition holding the most recent value per key.
const LatestPartition = "latest"

// ErrInvalidKey is returned for keys that cannot be stored.
var ErrInvalidKey = errors.New("invalid storage key")

// Backend is the key/value contract every storage tier implements.
//
// Load and Exists never fail: read errors are logged by the backend and
// reported as absent, so callers must treat absence as the only failure
// signal. Save and Delete return write errors.
type Backend interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, bool)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) bool
}

// ValidateKey rejects empty keys and path traversal.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return ErrInvalidKey
		}
	}
	return nil
}

// Partition returns the partition name for t.
func Partition(t time.Time) string {
	return t.Format(PartitionLayout)
}

// IsPartition reports whether name is a date partition.
func IsPartition(name string) bool {
	_, err := time.Parse(PartitionLayout, name)
	return err == nil
}
