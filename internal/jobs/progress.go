package jobs

// 進捗APIで返す状態ごとのメッセージ
const (
	messageQueued     = "Conversion is queued and will start shortly."
	messageAnalyzing  = "Analyzing PDF structure..."
	messageProcessing = "Converting PDF to DOCX..."
	messageComplete   = "Conversion complete."
)

// ProgressView は GET /api/progress/:job_id のレスポンスです。
type ProgressView struct {
	JobID             string   `json:"job_id"`
	Status            Status   `json:"status"`
	Progress          int      `json:"progress"`
	ProgressEstimated bool     `json:"progress_estimated"`
	EstimatedTime     *float64 `json:"estimated_time"`
	Message           string   `json:"message"`
}

// NewProgressView はレコードから進捗レスポンスを組み立てます。
func NewProgressView(r *Record) ProgressView {
	return ProgressView{
		JobID:             r.JobID,
		Status:            r.Status,
		Progress:          clampProgress(r.Progress),
		ProgressEstimated: true,
		EstimatedTime:     r.EstimatedTime,
		Message:           progressMessage(r),
	}
}

func progressMessage(r *Record) string {
	switch r.Status {
	case StatusQueued:
		return messageQueued
	case StatusAnalyzing:
		return messageAnalyzing
	case StatusProcessing:
		return messageProcessing
	case StatusComplete:
		return messageComplete
	case StatusError:
		return r.ErrorMessage
	default:
		return ""
	}
}

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
