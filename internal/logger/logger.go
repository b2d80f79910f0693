// Package logger は slog ベースのロガー初期化とコンテキスト付きロガーを提供します。
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey はコンテキストに値を格納するためのキー型です。
type ContextKey string

const (
	// RequestIDKey はリクエストIDのコンテキストキーです。
	RequestIDKey ContextKey = "request_id"
	// JobIDKey は変換ジョブIDのコンテキストキーです。
	JobIDKey ContextKey = "job_id"
)

// Config はロガーの設定です。
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// New は設定に従って slog.Logger を生成します。
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Init はグローバルな slog ロガーを初期化し、生成したロガーを返します。
func Init(cfg *Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)
	return l
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext はコンテキストに含まれるリクエストID・ジョブIDを付与したロガーを返します。
func WithContext(ctx context.Context) *slog.Logger {
	return FromContext(ctx, slog.Default())
}

// FromContext は base にコンテキストの値を付与したロガーを返します。
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if ctx == nil {
		return base
	}
	l := base
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		l = l.With("request_id", requestID)
	}
	if jobID, ok := ctx.Value(JobIDKey).(string); ok && jobID != "" {
		l = l.With("job_id", jobID)
	}
	return l
}

// WithJobID はジョブIDを格納したコンテキストを返します。
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}
