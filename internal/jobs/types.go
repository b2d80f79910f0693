package jobs

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docx-forge/internal/pdf"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAnalyzing  Status = "analyzing"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// 各フェーズの進捗値（変換ツールは進捗を通知しないため段階的な目安）
const (
	ProgressQueued         = 0
	ProgressAnalyzing      = 5
	ProgressProcessing     = 10
	ProgressConversionDone = 95
	ProgressComplete       = 100
	ProgressFailed         = 0
)

const (
	baseEstimateSeconds    = 10.0
	estimateSecondsPerPage = 0.5
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueFull         = errors.New("job queue is full")
)

var statusOrder = map[Status]int{
	StatusQueued:     0,
	StatusAnalyzing:  1,
	StatusProcessing: 2,
	StatusComplete:   3,
}

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Options は変換要求に付随する指定です。パスワード自体は保持しません。
type Options struct {
	OutputFormat     string `json:"output_format"`
	OptimizerSetting string `json:"optimizer_setting"`
	PasswordProvided bool   `json:"password_provided"`
}

// Statistics は結果APIで返す統計値です。
type Statistics struct {
	PageCount             int     `json:"page_count"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID            string            `json:"job_id"`
	Status           Status            `json:"status"`
	Progress         int               `json:"progress"`
	EstimatedTime    *float64          `json:"estimated_time"`
	OriginalFilename string            `json:"original_filename"`
	InputPath        string            `json:"input_path"`
	OutputPath       string            `json:"output_path,omitempty"`
	Options          Options           `json:"options"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	HealthReport     *pdf.HealthReport `json:"health_report,omitempty"`
	Statistics       Statistics        `json:"statistics"`
}

// NewRecord は新しい uuid を割り当てた queued 状態のレコードを作成します。
func NewRecord(originalFilename string) *Record {
	return &Record{
		JobID:            uuid.NewString(),
		Status:           StatusQueued,
		Progress:         ProgressQueued,
		OriginalFilename: originalFilename,
		CreatedAt:        time.Now().UTC(),
	}
}

// Clone はレコードの深いコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.EstimatedTime != nil {
		v := *r.EstimatedTime
		cp.EstimatedTime = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		cp.StartedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		cp.CompletedAt = &v
	}
	if r.HealthReport != nil {
		hr := *r.HealthReport
		hr.Warnings = append([]string{}, r.HealthReport.Warnings...)
		cp.HealthReport = &hr
	}
	return &cp
}

// Advance は状態と進捗を前進させます。
// 終端状態からの遷移、後戻り、進捗の減少は ErrInvalidTransition です。
// error への遷移はどの非終端状態からでも可能で、進捗は0に戻ります。
func (r *Record) Advance(next Status, progress int) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.Status)
	}
	if next == StatusError {
		r.Status = StatusError
		r.Progress = ProgressFailed
		return nil
	}
	nextRank, ok := statusOrder[next]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if nextRank < statusOrder[r.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	progress = clampProgress(progress)
	if progress < r.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, r.Progress, progress)
	}
	r.Status = next
	r.Progress = progress
	return nil
}

// Fail はジョブを error にし、メッセージを記録します。
func (r *Record) Fail(message string, at time.Time) error {
	if err := r.Advance(StatusError, ProgressFailed); err != nil {
		return err
	}
	r.ErrorMessage = message
	r.EstimatedTime = nil
	r.CompletedAt = &at
	r.Statistics.ProcessingTimeSeconds = elapsedSeconds(r.CreatedAt, at)
	return nil
}

// EstimateSeconds はページ数から処理時間の目安（秒）を返します。
func EstimateSeconds(pages int) float64 {
	if pages < 0 {
		pages = 0
	}
	return baseEstimateSeconds + estimateSecondsPerPage*float64(pages)
}

func elapsedSeconds(from, to time.Time) float64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return math.Round(to.Sub(from).Seconds()*100) / 100
}

func float64Ptr(v float64) *float64 {
	return &v
}
