package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/coachnote/internal/storage"
)

// KVSuite is a test suite for the key/value backend.
type KVSuite struct {
	suite.Suite
	kv  *KV
	now time.Time
}

func (s *KVSuite) SetupTest() {
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.kv = NewKV(testStore(s.T()))
	s.kv.SetClock(func() time.Time { return s.now })
}

func TestKVSuite(t *testing.T) {
	suite.Run(t, new(KVSuite))
}

func (s *KVSuite) TestSaveLoad() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Save(ctx, "notebooks/nb-1", []byte(`{"id":"nb-1"}`)))

	data, ok := s.kv.Load(ctx, "notebooks/nb-1")
	s.True(ok)
	s.JSONEq(`{"id":"nb-1"}`, string(data))
	s.True(s.kv.Exists(ctx, "notebooks/nb-1"))
}

func (s *KVSuite) TestLoadMissing() {
	data, ok := s.kv.Load(context.Background(), "notebooks/missing")
	s.False(ok)
	s.Nil(data)
	s.False(s.kv.Exists(context.Background(), "notebooks/missing"))
}

func (s *KVSuite) TestLastWriteWins() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Save(ctx, "k", []byte("first")))
	s.Require().NoError(s.kv.Save(ctx, "k", []byte("second")))

	data, ok := s.kv.Load(ctx, "k")
	s.True(ok)
	s.Equal("second", string(data))
}

// TestSaveWritesPartitionAndLatest tests both rows are written.
func (s *KVSuite) TestSaveWritesPartitionAndLatest() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Save(ctx, "sessions/latest", []byte("conv-1")))

	for _, partition := range []string{storage.Partition(s.now), storage.LatestPartition} {
		data, ok := s.kv.read(ctx, partition, "sessions/latest")
		s.True(ok, partition)
		s.Equal("conv-1", string(data))
	}
}

// TestLoadFallsBackToNewestPartition tests the scan order without a latest row.
func (s *KVSuite) TestLoadFallsBackToNewestPartition() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Save(ctx, "notebooks/nb-1", []byte("v1")))
	s.now = s.now.AddDate(0, 0, 1)
	s.Require().NoError(s.kv.Save(ctx, "notebooks/nb-1", []byte("v2")))

	_, err := s.kv.store.ExecContext(ctx, `DELETE FROM kv WHERE partition = ?`, storage.LatestPartition)
	s.Require().NoError(err)

	s.now = s.now.AddDate(0, 0, 5)
	data, ok := s.kv.Load(ctx, "notebooks/nb-1")
	s.True(ok)
	s.Equal("v2", string(data))
}

func (s *KVSuite) TestDelete() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Save(ctx, "sessions/a", []byte("a")))
	s.Require().NoError(s.kv.Delete(ctx, "sessions/a"))
	s.False(s.kv.Exists(ctx, "sessions/a"))
	s.NoError(s.kv.Delete(ctx, "sessions/a"))
}

func (s *KVSuite) TestList() {
	ctx := context.Background()
	for _, k := range []string{"sessions/b", "sessions/a", "notebooks/x", "sessions/latest"} {
		s.Require().NoError(s.kv.Save(ctx, k, []byte(k)))
	}

	keys, err := s.kv.List(ctx, "sessions/")
	s.Require().NoError(err)
	s.Equal([]string{"sessions/a", "sessions/b", "sessions/latest"}, keys)
}

func (s *KVSuite) TestListMultibytePrefix() {
	ctx := context.Background()
	for _, k := range []string{"notebooks/zürich-1", "notebooks/zürich-2", "notebooks/zurich-3"} {
		s.Require().NoError(s.kv.Save(ctx, k, []byte(k)))
	}

	keys, err := s.kv.List(ctx, "notebooks/zür")
	s.Require().NoError(err)
	s.Equal([]string{"notebooks/zürich-1", "notebooks/zürich-2"}, keys)
}

func (s *KVSuite) TestInvalidKey() {
	s.ErrorIs(s.kv.Save(context.Background(), "..", []byte("x")), storage.ErrInvalidKey)
}
