package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/docx-forge/internal/logger"
	"github.com/yourusername/docx-forge/internal/pdf"
	"github.com/yourusername/docx-forge/internal/storage"
)

const (
	docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	downloadPrefix  = "/api/download/"

	defaultStreamInterval = 500 * time.Millisecond
	retryAfterSeconds     = 30
	// マルチパートのヘッダー等のためにファイル上限へ上乗せする分
	multipartOverhead = 1 << 20
)

// FileStore はアップロードと成果物の保存先です。
type FileStore interface {
	SaveUpload(jobID string, file *multipart.FileHeader, maxSize int64) (string, int64, error)
	Remove(path string) error
	ResolveArtifact(name string) (*storage.Artifact, error)
}

// HandlerConfig は HTTP ハンドラーの設定です。
type HandlerConfig struct {
	MaxFileSize    int64
	AllowedOrigins []string
	StreamInterval time.Duration
}

// Handler は変換APIのハンドラー群です。
type Handler struct {
	store      Store
	dispatcher Dispatcher
	files      FileStore
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(store Store, dispatcher Dispatcher, files FileStore, cfg HandlerConfig, log *slog.Logger) *Handler {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = defaultStreamInterval
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		store:      store,
		dispatcher: dispatcher,
		files:      files,
		cfg:        cfg,
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Register は /api 配下にルートを登録します。
func (h *Handler) Register(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/convert", h.Convert)
		api.GET("/progress/:job_id", h.Progress)
		api.GET("/progress/:job_id/stream", h.ProgressStream)
		api.GET("/results/:job_id", h.Results)
		api.GET("/download/:filename", h.Download)
	}
}

// Convert は POST /api/convert のハンドラーです。
func (h *Handler) Convert(c *gin.Context) {
	log := logger.FromContext(c.Request.Context(), h.log)

	if h.cfg.MaxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxFileSize+multipartOverhead)
	}

	file, err := c.FormFile("pdf_file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondLimitExceeded(c, h.cfg.MaxFileSize)
			return
		}
		respondError(c, http.StatusBadRequest, pdf.CodeInvalidInput, "No 'pdf_file' part in the request")
		return
	}
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}

	if strings.TrimSpace(file.Filename) == "" {
		respondError(c, http.StatusBadRequest, pdf.CodeInvalidInput, "No selected file")
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		respondError(c, http.StatusBadRequest, pdf.CodeInvalidInput, "Invalid file type. Only PDF files are allowed.")
		return
	}
	if h.cfg.MaxFileSize > 0 && file.Size > h.cfg.MaxFileSize {
		respondLimitExceeded(c, h.cfg.MaxFileSize)
		return
	}

	// original_filename は拡張子を含まないベース名として扱う
	base := storage.BaseName(file.Filename)
	if original := strings.TrimSpace(c.PostForm("original_filename")); original != "" {
		base = storage.CleanName(original)
	}
	record := NewRecord(base)
	record.Options = Options{
		OutputFormat:     formValue(c, "output_format", "docx"),
		OptimizerSetting: formValue(c, "optimizer_setting", "balanced"),
		PasswordProvided: c.PostForm("password") != "",
	}

	inputPath, size, err := h.files.SaveUpload(record.JobID, file, h.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			respondLimitExceeded(c, h.cfg.MaxFileSize)
			return
		}
		log.Error("failed to store upload", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save file or start conversion.")
		return
	}
	record.InputPath = inputPath

	ctx := c.Request.Context()
	if err := h.store.Create(ctx, record); err != nil {
		_ = h.files.Remove(inputPath)
		log.Error("failed to create job", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save file or start conversion.")
		return
	}

	log = log.With("job_id", record.JobID)
	if err := h.dispatcher.Dispatch(ctx, record.JobID); err != nil {
		h.rejectJob(ctx, record, err)
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrDispatcherClosed) {
			log.Warn("job rejected", "error", err)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "Server is busy. Please retry later.")
			return
		}
		log.Error("failed to dispatch job", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save file or start conversion.")
		return
	}

	log.Info("job accepted", "filename", record.OriginalFilename, "size", size, "status", StatusQueued)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "File uploaded successfully, conversion process initiated.",
		"job_id":  record.JobID,
	})
}

// rejectJob は投入できなかったジョブを error にしてアップロードを削除します。
func (h *Handler) rejectJob(ctx context.Context, record *Record, cause error) {
	_ = h.store.Update(ctx, record.JobID, func(r *Record) error {
		return r.Fail(failurePrefix+"Server is busy; the job was not started.", time.Now().UTC())
	})
	if err := h.files.Remove(record.InputPath); err != nil {
		logger.FromContext(ctx, h.log).Warn("failed to remove rejected upload", "job_id", record.JobID, "error", err, "cause", cause)
	}
}

// Progress は GET /api/progress/:job_id のハンドラーです。
func (h *Handler) Progress(c *gin.Context) {
	record, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, NewProgressView(record))
}

// ProgressStream は GET /api/progress/:job_id/stream のハンドラーです。
// 進捗が変わるたびに WebSocket で送信し、終端状態を送ったら接続を閉じます。
func (h *Handler) ProgressStream(c *gin.Context) {
	record, ok := h.lookup(c)
	if !ok {
		return
	}
	log := logger.FromContext(c.Request.Context(), h.log).With("job_id", record.JobID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// クライアントからの切断を検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.StreamInterval)
	defer ticker.Stop()

	var last *ProgressView
	for {
		view := NewProgressView(record)
		if last == nil || !sameProgress(*last, view) {
			if err := conn.WriteJSON(view); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
			last = &view
		}
		if record.Status.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(record.Status)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		next, err := h.store.Get(c.Request.Context(), record.JobID)
		if err != nil {
			log.Warn("failed to reload job", "error", err)
			return
		}
		record = next
	}
}

func sameProgress(a, b ProgressView) bool {
	if a.Status != b.Status || a.Progress != b.Progress || a.Message != b.Message {
		return false
	}
	switch {
	case a.EstimatedTime == nil && b.EstimatedTime == nil:
		return true
	case a.EstimatedTime == nil || b.EstimatedTime == nil:
		return false
	default:
		return *a.EstimatedTime == *b.EstimatedTime
	}
}

// Results は GET /api/results/:job_id のハンドラーです。
func (h *Handler) Results(c *gin.Context) {
	record, ok := h.lookup(c)
	if !ok {
		return
	}

	switch record.Status {
	case StatusComplete:
		c.JSON(http.StatusOK, gin.H{
			"job_id": record.JobID,
			"status": record.Status,
			"download_urls": gin.H{
				"docx": downloadURL(record.OutputPath),
			},
			"statistics":    record.Statistics,
			"health_report": record.HealthReport,
		})
	case StatusError:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":          pdf.CodeConversionFailed,
			"job_id":        record.JobID,
			"status":        record.Status,
			"message":       record.ErrorMessage,
			"statistics":    record.Statistics,
			"health_report": record.HealthReport,
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  record.JobID,
			"status":  record.Status,
			"message": fmt.Sprintf("Job is not yet complete. Current status: %s", record.Status),
		})
	}
}

// Download は GET /api/download/:filename のハンドラーです。
func (h *Handler) Download(c *gin.Context) {
	artifact, err := h.files.ResolveArtifact(c.Param("filename"))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) || errors.Is(err, fs.ErrNotExist) {
			respondError(c, http.StatusNotFound, "FILE_NOT_FOUND", "File not found")
			return
		}
		logger.FromContext(c.Request.Context(), h.log).Error("failed to resolve artifact", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read the converted file.")
		return
	}

	filename := artifact.Stripped
	if record, err := h.store.Get(c.Request.Context(), artifact.JobID); err == nil &&
		filepath.Base(record.OutputPath) == artifact.Filename && record.OriginalFilename != "" {
		filename = record.OriginalFilename + storage.DocxExtension
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(c, http.StatusNotFound, "FILE_NOT_FOUND", "File not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read the converted file.")
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", contentDisposition(filename))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", artifact.JobID)
	c.DataFromReader(http.StatusOK, artifact.Size, docxContentType, file, nil)
}

// lookup はパスの job_id でレコードを取得します。見つからない場合はレスポンスを書いて false を返します。
func (h *Handler) lookup(c *gin.Context) (*Record, bool) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "Job ID not found")
			return nil, false
		}
		logger.FromContext(c.Request.Context(), h.log).Error("failed to load job", "job_id", jobID, "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job.")
		return nil, false
	}
	return record, true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// contentDisposition は引用符付きの filename と RFC 5987 形式の filename* を併記します。
func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodeRFC5987(filename))
}

// encodeRFC5987 は attr-char 以外のバイトをすべてパーセントエンコードします。
func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isAttrChar(ch) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

func isAttrChar(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", ch) >= 0
}

func downloadURL(outputPath string) string {
	return downloadPrefix + url.PathEscape(filepath.Base(outputPath))
}

func formValue(c *gin.Context, key, fallback string) string {
	if v := strings.TrimSpace(c.PostForm(key)); v != "" {
		return v
	}
	return fallback
}

func respondLimitExceeded(c *gin.Context, limit int64) {
	respondError(c, http.StatusRequestEntityTooLarge, pdf.CodeLimitExceeded,
		fmt.Sprintf("File exceeds the maximum allowed size of %d bytes.", limit))
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}
