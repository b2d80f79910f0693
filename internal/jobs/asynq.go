package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeConvert = "docx:convert"
	queueName       = "docx"

	// asynq はタイムアウト未指定のタスクを30分で打ち切るため、常に明示する
	unboundedTaskTimeout = 24 * time.Hour
	analysisAllowance    = 5 * time.Minute
)

// TaskPayload は変換タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher は asynq キュー（Redis）経由でジョブを実行する Dispatcher です。
// 同一プロセス内で asynq サーバーを起動し、取り出したタスクを Runner に渡します。
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	log    *slog.Logger

	// 1タスクあたりの実行上限
	taskTimeout time.Duration
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
// converterTimeout が0以下の場合、タスクの上限は24時間です。
func NewAsynqDispatcher(redisURL string, concurrency int, converterTimeout time.Duration, runner Runner, log *slog.Logger) (*AsynqDispatcher, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if concurrency <= 0 {
		return nil, errors.New("concurrency must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	d := &AsynqDispatcher{
		client:      client,
		server:      server,
		mux:         asynq.NewServeMux(),
		runner:      runner,
		log:         log,
		taskTimeout: taskTimeout(converterTimeout),
	}
	d.mux.HandleFunc(taskTypeConvert, d.handleConvertTask)
	return d, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.log.Error("asynq server stopped with error", "error", err)
		}
	}()
	d.log.Info("asynq dispatcher started", "queue", queueName)
}

// Dispatch はジョブをキューに投入します。再試行はしません。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeConvert, body)
	info, err := d.client.EnqueueContext(ctx, task, asynq.Queue(queueName), asynq.MaxRetry(0), asynq.Timeout(d.taskTimeout))
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	d.log.Debug("task enqueued", "job_id", jobID, "task_id", info.ID)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
// asynq の Shutdown は実行中タスクの完了を待つため、ctx の期限で打ち切ります。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.server.Shutdown()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if closeErr := d.client.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func taskTimeout(converterTimeout time.Duration) time.Duration {
	if converterTimeout <= 0 {
		return unboundedTaskTimeout
	}
	return converterTimeout + analysisAllowance
}

func (d *AsynqDispatcher) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	d.runner.Run(ctx, payload.JobID)
	return nil
}
