package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/docx-forge/internal/config"
	"github.com/yourusername/docx-forge/internal/jobs"
	"github.com/yourusername/docx-forge/internal/pdf"
	"github.com/yourusername/docx-forge/internal/storage"
)

const redisPingTimeout = 3 * time.Second

// jobRuntime は設定から組み立てたジョブ処理の構成要素です。
type jobRuntime struct {
	store      jobs.Store
	dispatcher jobs.Dispatcher
	files      *storage.Local
	closers    []func() error
}

// Close は Redis クライアントなどのリソースを解放します。
func (rt *jobRuntime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

func setupJobs(cfg *config.Config, log *slog.Logger) (*jobRuntime, error) {
	files, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	rt := &jobRuntime{files: files}

	store, err := setupStore(cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store

	converterTimeout := time.Duration(cfg.ConverterTimeoutSeconds) * time.Second
	converter := pdf.NewLibreOfficeConverter(cfg.ConverterPath, converterTimeout)
	orchestrator, err := jobs.NewOrchestrator(store, pdf.NewAnalyzer(), converter, files, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	switch cfg.QueueBackend {
	case config.BackendAsynq:
		rt.dispatcher, err = jobs.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.WorkerConcurrency, converterTimeout, orchestrator, log)
	default:
		rt.dispatcher, err = jobs.NewPool(orchestrator, cfg.WorkerConcurrency, cfg.QueueCapacity, log)
	}
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func setupStore(cfg *config.Config, rt *jobRuntime) (jobs.Store, error) {
	if cfg.JobStore != config.BackendRedis {
		return jobs.NewMemoryStore(), nil
	}

	opt, err := redis.ParseURL(cfg.JobStoreRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JOB_STORE_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	rt.closers = append(rt.closers, client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to job store redis: %w", err)
	}

	ttl := time.Duration(cfg.JobRecordTTLMinutes) * time.Minute
	return jobs.NewRedisStore(client, ttl), nil
}
