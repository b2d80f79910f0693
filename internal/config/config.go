// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// キュー/ストアのバックエンド種別
const (
	BackendMemory = "memory"
	BackendAsynq  = "asynq"
	BackendRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、"*" で全許可）

	// ファイル設定
	UploadDir   string // アップロードされたPDFの保存先
	OutputDir   string // 変換後DOCXの保存先
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	WorkerConcurrency   int    // 同時に変換できるジョブ数
	QueueCapacity       int    // 待機できるジョブ数（超過時は 503）
	QueueBackend        string // memory または asynq
	QueueRedisURL       string // Asynq用Redis接続URL
	JobStore            string // memory または redis
	JobStoreRedisURL    string // ジョブ状態保存用Redis接続URL
	JobRecordTTLMinutes int    // Redisストアのレコード有効期限（0 は無期限）

	// 変換設定
	ConverterPath           string // LibreOffice (soffice) 実行ファイルのパス
	ConverterTimeoutSeconds int    // 変換のタイムアウト（0 は無制限）
	ShutdownTimeoutSeconds  int    // 終了時に実行中ジョブを待つ秒数

	// その他
	RateLimitPerMinute int    // IPごとの1分あたりリクエスト上限（0 で無効）
	LogLevel           string // debug, info, warn, error
	LogFormat          string // text, json
}

const envFileName = ".env.local"

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	queueRedisURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		OutputDir:   getEnv("OUTPUT_DIR", "outputs"),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		WorkerConcurrency:   getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueCapacity:       getEnvAsInt("QUEUE_CAPACITY", 64),
		QueueBackend:        strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
		QueueRedisURL:       queueRedisURL,
		JobStore:            strings.ToLower(getEnv("JOB_STORE", BackendMemory)),
		JobStoreRedisURL:    getEnv("JOB_STORE_REDIS_URL", queueRedisURL),
		JobRecordTTLMinutes: getEnvAsInt("JOB_RECORD_TTL_MINUTES", 0),

		ConverterPath:           getEnv("CONVERTER_PATH", "soffice"),
		ConverterTimeoutSeconds: getEnvAsInt("CONVERTER_TIMEOUT_SECONDS", 0),
		ShutdownTimeoutSeconds:  getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 30),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadEnvFile は DOTENV_PATH、カレント、親ディレクトリの順に最初に見つかった .env.local を読み込みます。
// 既に設定されている環境変数は上書きしません。
func loadEnvFile() {
	for _, path := range envFileCandidates() {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func envFileCandidates() []string {
	var paths []string
	if explicit := os.Getenv("DOTENV_PATH"); explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, envFileName)
	if cwd, err := os.Getwd(); err == nil {
		if parent := filepath.Dir(cwd); parent != cwd {
			paths = append(paths, filepath.Join(parent, envFileName))
		}
	}
	return paths
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive (got %d)", c.WorkerConcurrency)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive (got %d)", c.QueueCapacity)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize)
	}

	switch c.QueueBackend {
	case BackendMemory:
	case BackendAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when QUEUE_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND: %s", c.QueueBackend)
	}

	switch c.JobStore {
	case BackendMemory:
	case BackendRedis:
		if c.JobStoreRedisURL == "" {
			return fmt.Errorf("JOB_STORE_REDIS_URL is required when JOB_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE: %s", c.JobStore)
	}

	// 本番環境では変換コマンドの指定を必須にする
	if c.GinMode == "release" && strings.TrimSpace(c.ConverterPath) == "" {
		return fmt.Errorf("CONVERTER_PATH is required in release mode")
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
