package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	ledpdf "github.com/ledongthuc/pdf"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// 健全性レポートの固定文言
const (
	EncryptionNone     = "None"
	EncryptionDetected = "Detected"

	ScanDetectionSkipped = "Detection not run (OCR skipped)"
	FontCheckPassed      = "Basic check passed"
	FontCheckNoFonts     = "No fonts detected on first page (potential issue)."
)

const pdfMIME = "application/pdf"

// HealthReport は変換前に行うPDFの簡易診断結果です。
type HealthReport struct {
	PageCount    int      `json:"page_count"`
	Encryption   string   `json:"encryption"`
	ScannedPages string   `json:"scanned_pages"`
	FontIssues   string   `json:"font_issues"`
	Warnings     []string `json:"warnings"`
}

// AddWarning は警告を追加します。
func (r *HealthReport) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func newHealthReport() *HealthReport {
	return &HealthReport{
		Encryption:   EncryptionNone,
		ScannedPages: ScanDetectionSkipped,
		FontIssues:   FontCheckPassed,
		Warnings:     []string{},
	}
}

var disableConfigDir sync.Once

// Analyzer はアップロードされたPDFの構造・暗号化・フォントを検査します。
// 構造とページ数は pdfcpu、先頭ページのフォントは ledongthuc/pdf で確認します。
type Analyzer struct{}

// NewAnalyzer は Analyzer を作成します。
func NewAnalyzer() *Analyzer {
	// pdfcpu がユーザー設定ディレクトリを作成しないようにする
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	return &Analyzer{}
}

// Analyze は pdfPath を検査して HealthReport を返します。
//
// 返すエラーは *Error で、コードは次のいずれかです。
//   - CodeCorruptInput: PDFとして開けない、またはページがない
//   - CodeEncrypted: 暗号化されている（このときレポートも併せて返す）
func (a *Analyzer) Analyze(ctx context.Context, pdfPath string) (*HealthReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mtype, err := mimetype.DetectFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if !mtype.Is(pdfMIME) {
		return nil, newError(CodeCorruptInput, fmt.Sprintf("The uploaded file is not a valid PDF (detected %s).", mtype.String()), nil)
	}

	report := newHealthReport()

	pdfCtx, err := readContext(pdfPath)
	if err != nil {
		if isPasswordProtected(pdfPath, err) {
			report.Encryption = EncryptionDetected
			return report, newError(CodeEncrypted, "Password-protected PDFs are not supported.", err)
		}
		return nil, newError(CodeCorruptInput, "The PDF could not be parsed: "+SanitizeMessage(err.Error()), err)
	}
	if pdfCtx.Encrypt != nil {
		report.Encryption = EncryptionDetected
		return report, newError(CodeEncrypted, "Password-protected PDFs are not supported.", nil)
	}

	report.PageCount = pdfCtx.PageCount
	if report.PageCount <= 0 {
		return nil, newError(CodeCorruptInput, "PDF contains no pages.", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fonts, err := firstPageFonts(pdfPath)
	switch {
	case err != nil:
		report.AddWarning("Font check skipped: " + SanitizeMessage(err.Error()))
	case len(fonts) == 0:
		report.FontIssues = FontCheckNoFonts
	}

	return report, nil
}

// readContext は pdfcpu で PDF を読み込み、緩いモードで検証します。
func readContext(pdfPath string) (*model.Context, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := pdfapi.ReadContext(f, conf)
	if err != nil {
		return nil, err
	}
	if err := pdfapi.ValidateContext(pdfCtx); err != nil {
		return nil, err
	}
	return pdfCtx, nil
}

// isPasswordProtected はパース失敗がパスワード保護によるものかを判定します。
func isPasswordProtected(pdfPath string, parseErr error) bool {
	if parseErr != nil && strings.Contains(strings.ToLower(parseErr.Error()), "password") {
		return true
	}
	_, err := openLedger(pdfPath)
	return errors.Is(err, ledpdf.ErrInvalidPassword)
}

// firstPageFonts は1ページ目のフォントリソース名を返します。
func firstPageFonts(pdfPath string) (fonts []string, err error) {
	defer func() {
		// ledongthuc/pdf は壊れたオブジェクトで panic することがある
		if r := recover(); r != nil {
			fonts, err = nil, fmt.Errorf("font resources unreadable: %v", r)
		}
	}()

	r, err := openLedger(pdfPath)
	if err != nil {
		return nil, err
	}
	if r.NumPage() < 1 {
		return nil, nil
	}
	page := r.Page(1)
	if page.V.IsNull() {
		return nil, nil
	}
	return page.Fonts(), nil
}

func openLedger(pdfPath string) (r *ledpdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("pdf reader failed: %v", rec)
		}
	}()

	// Reader は ReaderAt を保持し続けるため、ファイルハンドルではなくメモリ上のデータを渡す
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, err
	}
	return ledpdf.NewReader(bytes.NewReader(data), int64(len(data)))
}
