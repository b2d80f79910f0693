package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yourusername/docx-forge/internal/config"
	"github.com/yourusername/docx-forge/internal/jobs"
	"github.com/yourusername/docx-forge/internal/logger"
	"github.com/yourusername/docx-forge/internal/middleware"
)

const httpShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server and conversion workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	log := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	rt, err := setupJobs(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to set up jobs: %w", err)
	}
	defer rt.Close()

	router := newRouter(cfg, rt, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.dispatcher.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode,
			"queue_backend", cfg.QueueBackend, "job_store", cfg.JobStore, "workers", cfg.WorkerConcurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	// HTTP を止めてから実行中の変換を待つ
	workerCtx, cancelWorkers := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancelWorkers()
	if err := rt.dispatcher.Shutdown(workerCtx); err != nil {
		log.Warn("workers did not finish before timeout", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// applyFlags はコマンドラインフラグで環境変数の設定を上書きします。
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		port, _ := flags.GetString("port")
		cfg.Port = port
	}
	if flags.Changed("workers") {
		workers, _ := flags.GetInt("workers")
		cfg.WorkerConcurrency = workers
	}
	return cfg.Validate()
}

// newRouter はミドルウェアとルーティングを設定した gin.Engine を返します。
func newRouter(cfg *config.Config, rt *jobRuntime, log *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.RequestLogger(log),
	)
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins())))
	router.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute, log))
	router.MaxMultipartMemory = 8 << 20

	router.GET("/", handleIndex)
	router.GET("/health", handleHealth)

	handler := jobs.NewHandler(rt.store, rt.dispatcher, rt.files, jobs.HandlerConfig{
		MaxFileSize:    cfg.MaxFileSize,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, log)
	handler.Register(router)

	return router
}

// corsConfig は許可オリジンから CORS 設定を作ります。"*" を含む場合は全許可です。
func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		middleware.RequestIDHeader,
	}
	// ダウンロード名とリトライ間隔をフロントエンドから読めるように公開
	c.ExposeHeaders = []string{"Content-Disposition", "Retry-After", "X-Job-Id", middleware.RequestIDHeader}
	return c
}

// handleIndex は稼働確認用のルートハンドラーです。
func handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "PDF to Word Converter API is running!"})
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}
