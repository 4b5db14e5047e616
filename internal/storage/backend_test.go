package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// BackendSuite runs the Backend contract against one implementation.
type BackendSuite struct {
	suite.Suite
	newBackend func(t *testing.T) Backend
	backend    Backend
}

func (s *BackendSuite) SetupTest() {
	s.backend = s.newBackend(s.T())
}

func TestFilesystemBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		fs, err := NewFilesystem(t.TempDir())
		require.NoError(t, err)
		return fs
	}})
}

func TestMemoryBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		return NewMemory()
	}})
}

func TestRemoteBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		srv := httptest.NewServer(newKVServer(NewMemory(), "secret"))
		t.Cleanup(srv.Close)
		r, err := NewRemote(RemoteConfig{BaseURL: srv.URL, Token: "secret", Timeout: time.Second})
		require.NoError(t, err)
		return r
	}})
}

// TestRedisBackend needs a live server in COACHNOTE_TEST_REDIS_URL.
func TestRedisBackend(t *testing.T) {
	redisURL := os.Getenv("COACHNOTE_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("COACHNOTE_TEST_REDIS_URL not set")
	}
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		r, err := NewRedis(RedisConfig{
			URL:       redisURL,
			Namespace: "coachnote-test:" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":",
			TTL:       time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r
	}})
}

func TestNewRedisRequiresURL(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.Error(t, err)
}

// TestSaveLoad tests a value round-trips.
func (s *BackendSuite) TestSaveLoad() {
	ctx := context.Background()
	s.Require().NoError(s.backend.Save(ctx, "notebooks/nb-1", []byte(`{"id":"nb-1"}`)))

	data, ok := s.backend.Load(ctx, "notebooks/nb-1")
	s.True(ok)
	s.JSONEq(`{"id":"nb-1"}`, string(data))
	s.True(s.backend.Exists(ctx, "notebooks/nb-1"))
}

// TestLoadMissing tests absence is reported without error.
func (s *BackendSuite) TestLoadMissing() {
	data, ok := s.backend.Load(context.Background(), "notebooks/missing")
	s.False(ok)
	s.Nil(data)
	s.False(s.backend.Exists(context.Background(), "notebooks/missing"))
}

// TestLastWriteWins tests two sequential saves leave only the second value.
func (s *BackendSuite) TestLastWriteWins() {
	ctx := context.Background()
	s.Require().NoError(s.backend.Save(ctx, "k", []byte("first")))
	s.Require().NoError(s.backend.Save(ctx, "k", []byte("second")))

	data, ok := s.backend.Load(ctx, "k")
	s.True(ok)
	s.Equal("second", string(data))
}

// TestDelete tests deleted keys are gone and double delete is safe.
func (s *BackendSuite) TestDelete() {
	ctx := context.Background()
	s.Require().NoError(s.backend.Save(ctx, "sessions/a", []byte("a")))
	s.Require().NoError(s.backend.Delete(ctx, "sessions/a"))
	s.False(s.backend.Exists(ctx, "sessions/a"))
	s.NoError(s.backend.Delete(ctx, "sessions/a"))
}

// TestList tests prefix listing returns a sorted key set.
func (s *BackendSuite) TestList() {
	ctx := context.Background()
	for _, k := range []string{"sessions/b", "sessions/a", "notebooks/x", "sessions/latest"} {
		s.Require().NoError(s.backend.Save(ctx, k, []byte(k)))
	}

	keys, err := s.backend.List(ctx, "sessions/")
	s.Require().NoError(err)
	s.Equal([]string{"sessions/a", "sessions/b", "sessions/latest"}, keys)
}

// TestInvalidKey tests traversal keys are rejected.
func (s *BackendSuite) TestInvalidKey() {
	ctx := context.Background()
	s.ErrorIs(s.backend.Save(ctx, "", []byte("x")), ErrInvalidKey)
	s.ErrorIs(s.backend.Save(ctx, "../escape", []byte("x")), ErrInvalidKey)
}

func TestFilesystem_LoadFallbackOrder(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	day1 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)

	fs.SetClock(func() time.Time { return day1 })
	require.NoError(t, fs.Save(ctx, "notebooks/nb-1", []byte("v1")))
	fs.SetClock(func() time.Time { return day2 })
	require.NoError(t, fs.Save(ctx, "notebooks/nb-1", []byte("v2")))

	// Latest slot wins.
	data, ok := fs.Load(ctx, "notebooks/nb-1")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))

	// Without the latest slot, today's partition wins.
	require.NoError(t, os.Remove(filepath.Join(root, LatestPartition, fileName("notebooks/nb-1"))))
	data, ok = fs.Load(ctx, "notebooks/nb-1")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))

	// On a later day with no latest slot, the newest partition wins.
	fs.SetClock(func() time.Time { return day3 })
	data, ok = fs.Load(ctx, "notebooks/nb-1")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, os.Remove(filepath.Join(root, Partition(day2), fileName("notebooks/nb-1"))))
	data, ok = fs.Load(ctx, "notebooks/nb-1")
	require.True(t, ok)
	assert.Equal(t, "v1", string(data))
}

func TestFilesystem_ReadErrorsAreAbsent(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	// A directory where the latest file should be makes ReadFile fail.
	require.NoError(t, os.MkdirAll(filepath.Join(root, LatestPartition, fileName("broken")), 0750))

	data, ok := fs.Load(context.Background(), "broken")
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestPartitionHelpers(t *testing.T) {
	assert.Equal(t, "2026-10-15", Partition(time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC)))
	assert.True(t, IsPartition("2026-10-15"))
	assert.False(t, IsPartition(LatestPartition))
}

// newKVServer serves the remote key/value API on top of a backend.
func newKVServer(b Backend, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/kv" {
			keys, _ := b.List(r.Context(), r.URL.Query().Get("prefix"))
			if keys == nil {
				keys = []string{}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string][]string{"keys": keys})
			return
		}
		key, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/kv/"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			if err := b.Save(r.Context(), key, body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			data, ok := b.Load(r.Context(), key)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				_, _ = w.Write(data)
			}
		case http.MethodDelete:
			_ = b.Delete(r.Context(), key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
}
