package pdf

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor は soffice の代わりに呼び出しを記録し、設定された動作をします。
type fakeExecutor struct {
	name   string
	args   []string
	output string
	err    error
	// produce が true の場合は --outdir に <入力ベース名>.docx を作成する
	produce bool
	block   bool
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args []string, output io.Writer) error {
	f.name = name
	f.args = args
	if f.output != "" {
		_, _ = io.WriteString(output, f.output)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.produce {
		outDir := argAfter(args, "--outdir")
		input := args[len(args)-1]
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		if err := os.WriteFile(filepath.Join(outDir, base+".docx"), []byte("PK docx"), 0o640); err != nil {
			return err
		}
	}
	return f.err
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newTestConverter(exec executor, timeout time.Duration) *LibreOfficeConverter {
	c := NewLibreOfficeConverter("soffice-test", timeout)
	c.exec = exec
	return c
}

func TestConvertSuccess(t *testing.T) {
	input := writeTempFile(t, "0f8fad5b_report.pdf", buildPDF(1, true))
	output := filepath.Join(t.TempDir(), "out", "0f8fad5b_report.docx")
	exec := &fakeExecutor{produce: true}

	stats, err := newTestConverter(exec, 0).Convert(context.Background(), input, output)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.GreaterOrEqual(t, stats.ProcessingTimeSeconds, 0.0)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "PK docx", string(data))

	assert.Equal(t, "soffice-test", exec.name)
	assert.Contains(t, exec.args, "--headless")
	assert.Contains(t, exec.args, "--infilter=writer_pdf_import")
	assert.Equal(t, "docx", argAfter(exec.args, "--convert-to"))
	assert.Equal(t, input, exec.args[len(exec.args)-1])

	// 作業ディレクトリは後片付けされる
	_, err = os.Stat(argAfter(exec.args, "--outdir"))
	assert.True(t, os.IsNotExist(err))
}

func TestConvertToolFailureIsSanitized(t *testing.T) {
	input := writeTempFile(t, "report.pdf", buildPDF(1, true))
	exec := &fakeExecutor{
		output: "Error: source file could not be loaded\n  " + input + "\n",
		err:    errors.New("exit status 1"),
	}

	_, err := newTestConverter(exec, 0).Convert(context.Background(), input, filepath.Join(t.TempDir(), "x.docx"))
	apiErr := requireCode(t, err, CodeConversionFailed)
	assert.Equal(t, "Error: source file could not be loaded report.pdf", apiErr.Message)
	assert.NotContains(t, apiErr.Message, filepath.Dir(input))
}

func TestConvertToolFailureWithoutOutput(t *testing.T) {
	input := writeTempFile(t, "report.pdf", buildPDF(1, true))
	exec := &fakeExecutor{err: errors.New("exit status 77")}

	_, err := newTestConverter(exec, 0).Convert(context.Background(), input, filepath.Join(t.TempDir(), "x.docx"))
	apiErr := requireCode(t, err, CodeConversionFailed)
	assert.Equal(t, "exit status 77", apiErr.Message)
}

func TestConvertMissingOutput(t *testing.T) {
	input := writeTempFile(t, "report.pdf", buildPDF(1, true))
	output := filepath.Join(t.TempDir(), "x.docx")
	exec := &fakeExecutor{output: "convert report.pdf -> report.docx using filter : MS Word 2007 XML"}

	_, err := newTestConverter(exec, 0).Convert(context.Background(), input, output)
	apiErr := requireCode(t, err, CodeConversionFailed)
	assert.True(t, strings.HasPrefix(apiErr.Message, "converter produced no output"))

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConvertTimeout(t *testing.T) {
	input := writeTempFile(t, "report.pdf", buildPDF(1, true))
	exec := &fakeExecutor{block: true}

	_, err := newTestConverter(exec, 20*time.Millisecond).Convert(context.Background(), input, filepath.Join(t.TempDir(), "x.docx"))
	apiErr := requireCode(t, err, CodeConversionFailed)
	assert.Contains(t, apiErr.Message, "timed out")
}

func TestSofficeArgs(t *testing.T) {
	args := sofficeArgs("/tmp/w/profile", "/tmp/w/out", "/data/in.pdf")
	assert.Equal(t, []string{
		"--headless",
		"--norestore",
		"-env:UserInstallation=file:///tmp/w/profile",
		"--infilter=writer_pdf_import",
		"--convert-to", "docx",
		"--outdir", "/tmp/w/out",
		"/data/in.pdf",
	}, args)
}

func TestNewLibreOfficeConverterDefaultPath(t *testing.T) {
	c := NewLibreOfficeConverter("  ", 0)
	assert.Equal(t, DefaultConverterPath, c.path)
}

func TestRoundSeconds(t *testing.T) {
	assert.Equal(t, 1.23, roundSeconds(1234*time.Millisecond))
	assert.Equal(t, 0.0, roundSeconds(0))
}
