package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourusername/docx-forge/internal/logger"
	"github.com/yourusername/docx-forge/internal/pdf"
)

const (
	failurePrefix        = "Conversion failed: "
	unexpectedFailureMsg = "an unexpected internal error occurred"
)

// Analyzer は変換前のPDF検査を行います。
type Analyzer interface {
	Analyze(ctx context.Context, pdfPath string) (*pdf.HealthReport, error)
}

// OutputLocator は成果物の保存パスを決定します。
type OutputLocator interface {
	OutputPath(jobID, base string) string
}

var errSkipJob = errors.New("job is not queued")

// Orchestrator は1件のジョブについて解析と変換を順に実行し、状態を記録します。
type Orchestrator struct {
	store     Store
	analyzer  Analyzer
	converter pdf.Converter
	outputs   OutputLocator
	log       *slog.Logger
	now       func() time.Time
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(store Store, analyzer Analyzer, converter pdf.Converter, outputs OutputLocator, log *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if analyzer == nil {
		return nil, errors.New("analyzer is nil")
	}
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	if outputs == nil {
		return nil, errors.New("output locator is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		analyzer:  analyzer,
		converter: converter,
		outputs:   outputs,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run はジョブを実行します。queued 以外のジョブは何もせずに戻ります。
// 失敗（panic を含む）はジョブの error 状態として記録し、呼び出し元には伝播しません。
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithJobID(ctx, jobID)
	log := logger.FromContext(ctx, o.log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", "panic", r)
			o.fail(ctx, log, jobID, errors.New(unexpectedFailureMsg), nil)
		}
	}()

	record, err := o.start(ctx, jobID)
	if err != nil {
		if errors.Is(err, errSkipJob) {
			log.Warn("skipping job", "status", record.Status)
			return
		}
		log.Error("failed to start job", "error", err)
		return
	}
	log.Info("job started", "status", StatusAnalyzing)

	report, err := o.analyzer.Analyze(ctx, record.InputPath)
	if err != nil {
		o.fail(ctx, log, jobID, err, report)
		return
	}
	applyOptionWarnings(report, record.Options)

	if err := o.store.Update(ctx, jobID, func(r *Record) error {
		if err := r.Advance(StatusProcessing, ProgressProcessing); err != nil {
			return err
		}
		r.HealthReport = report
		r.Statistics.PageCount = report.PageCount
		r.EstimatedTime = float64Ptr(EstimateSeconds(report.PageCount))
		return nil
	}); err != nil {
		o.fail(ctx, log, jobID, err, report)
		return
	}
	log.Info("analysis finished", "pages", report.PageCount, "warnings", len(report.Warnings))

	outputPath := o.outputs.OutputPath(jobID, record.OriginalFilename)
	stats, err := o.converter.Convert(ctx, record.InputPath, outputPath)
	if err != nil {
		o.fail(ctx, log, jobID, err, report)
		return
	}
	if err := o.store.Update(ctx, jobID, func(r *Record) error {
		return r.Advance(StatusProcessing, ProgressConversionDone)
	}); err != nil {
		o.fail(ctx, log, jobID, err, report)
		return
	}

	var elapsed float64
	if err := o.store.Update(ctx, jobID, func(r *Record) error {
		if err := r.Advance(StatusComplete, ProgressComplete); err != nil {
			return err
		}
		now := o.now()
		r.OutputPath = outputPath
		r.EstimatedTime = float64Ptr(0)
		r.CompletedAt = &now
		r.Statistics.ProcessingTimeSeconds = elapsedSeconds(r.CreatedAt, now)
		elapsed = r.Statistics.ProcessingTimeSeconds
		return nil
	}); err != nil {
		o.fail(ctx, log, jobID, err, report)
		return
	}

	var toolSeconds float64
	if stats != nil {
		toolSeconds = stats.ProcessingTimeSeconds
	}
	log.Info("job completed", "status", StatusComplete, "processing_time_seconds", elapsed, "converter_seconds", toolSeconds)
}

// start は queued のジョブを analyzing に進め、その時点のレコードを返します。
func (o *Orchestrator) start(ctx context.Context, jobID string) (*Record, error) {
	var snapshot *Record
	err := o.store.Update(ctx, jobID, func(r *Record) error {
		if r.Status != StatusQueued {
			snapshot = r.Clone()
			return errSkipJob
		}
		if err := r.Advance(StatusAnalyzing, ProgressAnalyzing); err != nil {
			return err
		}
		now := o.now()
		r.StartedAt = &now
		snapshot = r.Clone()
		return nil
	})
	return snapshot, err
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, jobID string, cause error, report *pdf.HealthReport) {
	message := failurePrefix + failureMessage(cause)
	err := o.store.Update(ctx, jobID, func(r *Record) error {
		if report != nil && r.HealthReport == nil {
			r.HealthReport = report
			r.Statistics.PageCount = report.PageCount
		}
		return r.Fail(message, o.now())
	})
	if err != nil {
		log.Error("failed to record job failure", "error", err, "cause", cause)
		return
	}
	log.Warn("job failed", "status", StatusError, "error", cause)
}

// failureMessage はクライアントに返せる形のエラーメッセージを返します。
func failureMessage(err error) string {
	var apiErr *pdf.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "conversion was interrupted"
	}
	if msg := pdf.SanitizeMessage(err.Error()); msg != "" {
		return msg
	}
	return unexpectedFailureMsg
}

// applyOptionWarnings は適用されない指定を警告として追加します。
func applyOptionWarnings(report *pdf.HealthReport, opts Options) {
	if report == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(opts.OptimizerSetting)) {
	case "compact":
		report.AddWarning("Compact optimization setting ignored.")
	case "quality":
		report.AddWarning("Quality optimization setting ignored.")
	}
	if format := strings.TrimSpace(opts.OutputFormat); format != "" && !strings.EqualFold(format, "docx") {
		report.AddWarning(fmt.Sprintf("Output format '%s' is not supported; DOCX was produced.", format))
	}
}
