package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConverterPath は LibreOffice の既定コマンド名です。
const DefaultConverterPath = "soffice"

// ConversionStats は変換処理の計測値です。
type ConversionStats struct {
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// Converter はPDFをDOCXへ変換します。
type Converter interface {
	Convert(ctx context.Context, pdfPath, outputPath string) (*ConversionStats, error)
}

// executor は外部コマンド実行を抽象化します（テスト用）。
type executor interface {
	Run(ctx context.Context, name string, args []string, output io.Writer) error
}

type osExecutor struct{}

func (osExecutor) Run(ctx context.Context, name string, args []string, output io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = output
	cmd.Stderr = output
	return cmd.Run()
}

// LibreOfficeConverter は LibreOffice (soffice) のヘッドレス変換を利用する Converter です。
type LibreOfficeConverter struct {
	path    string
	timeout time.Duration
	exec    executor
	now     func() time.Time
}

// NewLibreOfficeConverter は LibreOfficeConverter を作成します。
// timeout が0以下の場合は時間制限を設けません。
func NewLibreOfficeConverter(path string, timeout time.Duration) *LibreOfficeConverter {
	if strings.TrimSpace(path) == "" {
		path = DefaultConverterPath
	}
	return &LibreOfficeConverter{
		path:    path,
		timeout: timeout,
		exec:    osExecutor{},
		now:     time.Now,
	}
}

// Convert は pdfPath を変換し、outputPath にDOCXを書き出します。
func (c *LibreOfficeConverter) Convert(ctx context.Context, pdfPath, outputPath string) (*ConversionStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// soffice は --outdir 直下に <入力ベース名>.docx を作るため、ジョブごとに作業ディレクトリを分ける
	workDir, err := os.MkdirTemp("", "docx-convert-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	profileDir := filepath.Join(workDir, "profile")
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create out dir: %w", err)
	}

	started := c.now()
	var output bytes.Buffer
	runErr := c.exec.Run(ctx, c.path, sofficeArgs(profileDir, outDir, pdfPath), &output)
	elapsed := c.now().Sub(started)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(CodeConversionFailed, fmt.Sprintf("conversion timed out after %s", c.timeout), runErr)
		}
		return nil, newError(CodeConversionFailed, toolMessage(output.String(), runErr), runErr)
	}

	produced := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))+".docx")
	if _, err := os.Stat(produced); err != nil {
		msg := "converter produced no output"
		if text := SanitizeMessage(output.String()); text != "" {
			msg += ": " + text
		}
		return nil, newError(CodeConversionFailed, msg, err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := moveFile(produced, outputPath); err != nil {
		return nil, fmt.Errorf("failed to store output: %w", err)
	}

	return &ConversionStats{ProcessingTimeSeconds: roundSeconds(elapsed)}, nil
}

func sofficeArgs(profileDir, outDir, inputPath string) []string {
	return []string{
		"--headless",
		"--norestore",
		"-env:UserInstallation=" + fileURL(profileDir),
		"--infilter=writer_pdf_import",
		"--convert-to", "docx",
		"--outdir", outDir,
		inputPath,
	}
}

func fileURL(path string) string {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "file://" + path
}

func toolMessage(output string, err error) string {
	if msg := SanitizeMessage(output); msg != "" {
		return msg
	}
	return SanitizeMessage(err.Error())
}

// moveFile は rename を試し、デバイスをまたぐ場合はコピーします。
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
