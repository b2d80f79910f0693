// Package jobs はPDF→DOCX変換ジョブの状態管理、実行、HTTP API を提供します。
package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Store はジョブレコードの保存先です。
// 読み出しは常にコピーを返し、Update は読み取り・変更・書き込みを不可分に行います。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	Update(ctx context.Context, jobID string, mutate func(*Record) error) error
}

// MemoryStore はプロセス内のマップにレコードを保持する Store です。
// レコードは削除しません。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Record
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Record)}
}

// Create はレコードを登録します。同じIDが存在する場合は ErrJobExists を返します。
func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[record.JobID]; ok {
		return ErrJobExists
	}
	s.jobs[record.JobID] = record.Clone()
	return nil
}

// Get はレコードのコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return record.Clone(), nil
}

// Update はコピーに mutate を適用し、成功した場合のみ差し替えます。
func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.JobID = current.JobID
	s.jobs[jobID] = next
	return nil
}

// Len は保持しているレコード数を返します。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
