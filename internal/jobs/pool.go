package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDispatcherClosed は停止後の投入を表します。
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Pool は固定数のワーカーが有界キューからジョブを取り出して実行する Dispatcher です。
// キューが満杯のときは待たずに ErrQueueFull を返します。
type Pool struct {
	runner      Runner
	concurrency int
	queue       chan string
	log         *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewPool は Pool を作成します。
func NewPool(runner Runner, concurrency, capacity int, log *slog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if concurrency <= 0 {
		return nil, errors.New("concurrency must be positive")
	}
	if capacity <= 0 {
		return nil, errors.New("queue capacity must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:      runner,
		concurrency: concurrency,
		queue:       make(chan string, capacity),
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start はワーカーを起動します。2回目以降の呼び出しは何もしません。
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Info("worker pool started", "workers", p.concurrency, "capacity", cap(p.queue))
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for jobID := range p.queue {
		p.log.Debug("worker picked job", "worker", id, "job_id", jobID)
		p.runner.Run(p.ctx, jobID)
	}
}

// Dispatch はジョブをキューへ入れます。
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	select {
	case p.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending はキューで待機しているジョブ数を返します。
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown は受付を止め、キュー内と実行中のジョブの完了を待ちます。
// ctx の期限を過ぎた場合は実行中ジョブのコンテキストをキャンセルして ctx.Err() を返します。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
