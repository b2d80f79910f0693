package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docx-forge/internal/pdf"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, ttl), mr
}

// storeContract は Store 実装に共通する振る舞いを検証します。
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		r.InputPath = "/uploads/x.pdf"
		require.NoError(t, s.Create(ctx, r))

		got, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		assert.Equal(t, r.JobID, got.JobID)
		assert.Equal(t, StatusQueued, got.Status)
		assert.Equal(t, "report", got.OriginalFilename)
		assert.Equal(t, "/uploads/x.pdf", got.InputPath)
		assert.Nil(t, got.EstimatedTime)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		require.NoError(t, s.Create(ctx, r))
		assert.ErrorIs(t, s.Create(ctx, r), ErrJobExists)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
		err = s.Update(ctx, "missing", func(*Record) error { return nil })
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		require.NoError(t, s.Create(ctx, r))

		require.NoError(t, s.Update(ctx, r.JobID, func(rec *Record) error {
			rec.HealthReport = &pdf.HealthReport{PageCount: 4, Warnings: []string{}}
			rec.EstimatedTime = float64Ptr(EstimateSeconds(4))
			return rec.Advance(StatusAnalyzing, ProgressAnalyzing)
		}))

		got, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusAnalyzing, got.Status)
		assert.Equal(t, ProgressAnalyzing, got.Progress)
		require.NotNil(t, got.EstimatedTime)
		assert.Equal(t, 12.0, *got.EstimatedTime)
		require.NotNil(t, got.HealthReport)
		assert.Equal(t, 4, got.HealthReport.PageCount)
	})

	t.Run("failed mutation is discarded", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		require.NoError(t, s.Create(ctx, r))

		boom := errors.New("boom")
		err := s.Update(ctx, r.JobID, func(rec *Record) error {
			rec.Progress = 50
			rec.Status = StatusProcessing
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, got.Status)
		assert.Equal(t, 0, got.Progress)
	})

	t.Run("readers get copies", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		require.NoError(t, s.Create(ctx, r))
		r.Status = StatusComplete

		got, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		got.Progress = 77

		again, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, again.Status)
		assert.Equal(t, 0, again.Progress)
	})

	t.Run("concurrent updates", func(t *testing.T) {
		s := newStore(t)
		r := NewRecord("report")
		require.NoError(t, s.Create(ctx, r))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Update(ctx, r.JobID, func(rec *Record) error {
					rec.Statistics.PageCount++
					return nil
				}))
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, r.JobID)
		require.NoError(t, err)
		assert.Equal(t, 8, got.Statistics.PageCount)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t, 0)
		return s
	})
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newTestRedisStore(t, 10*time.Minute)
	ctx := context.Background()
	r := NewRecord("report")
	require.NoError(t, s.Create(ctx, r))

	assert.True(t, mr.Exists("docx:job:"+r.JobID))
	assert.Equal(t, 10*time.Minute, mr.TTL("docx:job:"+r.JobID))

	mr.FastForward(11 * time.Minute)
	_, err := s.Get(ctx, r.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisStoreKeepsTTLWhenDisabled(t *testing.T) {
	s, mr := newTestRedisStore(t, 0)
	ctx := context.Background()
	r := NewRecord("report")
	require.NoError(t, s.Create(ctx, r))
	require.NoError(t, s.Update(ctx, r.JobID, func(rec *Record) error {
		return rec.Advance(StatusAnalyzing, ProgressAnalyzing)
	}))
	assert.Equal(t, time.Duration(0), mr.TTL("docx:job:"+r.JobID))
}

func TestMemoryStoreLen(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), NewRecord("a")))
	require.NoError(t, s.Create(context.Background(), NewRecord("b")))
	assert.Equal(t, 2, s.Len())
}
