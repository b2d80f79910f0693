package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "docx:job:"
	// 楽観ロックの再試行上限
	maxUpdateRetries = 64
)

// RedisStore はジョブレコードを Redis に JSON で保存する Store です。
// 複数プロセスから同じジョブを参照する構成（asynq ワーカーなど）で使います。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl が0の場合は期限を設定しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create はレコードを SETNX で登録します。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with job id is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobExists
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrJobNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Update は WATCH によるトランザクションでレコードを更新します。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.JobID = jobID
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		ttl := s.ttl
		if ttl <= 0 {
			ttl = redis.KeepTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too many concurrent modifications", jobID)
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
