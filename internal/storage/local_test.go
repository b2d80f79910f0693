package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	root := t.TempDir()
	l, err := NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)
	return l
}

func fileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("pdf_file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	t.Cleanup(func() { _ = req.MultipartForm.RemoveAll() })
	return req.MultipartForm.File["pdf_file"][0]
}

func TestNewLocalCreatesDirs(t *testing.T) {
	l := newTestLocal(t)
	for _, dir := range []string{l.UploadDir(), l.OutputDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.True(t, filepath.IsAbs(dir))
	}

	_, err := NewLocal("", "out")
	assert.Error(t, err)
}

func TestSaveUpload(t *testing.T) {
	l := newTestLocal(t)
	content := []byte("%PDF-1.4 test")

	path, size, err := l.SaveUpload(testJobID, fileHeader(t, "report.pdf", content), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, filepath.Join(l.UploadDir(), testJobID+"_report.pdf"), path)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	require.NoError(t, l.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.NoError(t, l.Remove(path), "removing twice is not an error")
}

func TestSaveUploadStripsPath(t *testing.T) {
	l := newTestLocal(t)
	path, _, err := l.SaveUpload(testJobID, fileHeader(t, "../../etc/evil.pdf", []byte("x")), 0)
	require.NoError(t, err)
	assert.Equal(t, l.UploadDir(), filepath.Dir(path))
	assert.Equal(t, testJobID+"_evil.pdf", filepath.Base(path))
}

func TestSaveUploadTooLarge(t *testing.T) {
	l := newTestLocal(t)
	_, _, err := l.SaveUpload(testJobID, fileHeader(t, "big.pdf", bytes.Repeat([]byte("a"), 64)), 16)
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(l.UploadDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutputPath(t *testing.T) {
	l := newTestLocal(t)
	assert.Equal(t, testJobID+"_report.docx", OutputFilename(testJobID, "report"))
	assert.Equal(t, filepath.Join(l.OutputDir(), testJobID+"_my.report.docx"), l.OutputPath(testJobID, "my.report"))
}

func TestResolveArtifact(t *testing.T) {
	l := newTestLocal(t)
	name := OutputFilename(testJobID, "report")
	require.NoError(t, os.WriteFile(filepath.Join(l.OutputDir(), name), []byte("docx"), 0o640))

	artifact, err := l.ResolveArtifact(name)
	require.NoError(t, err)
	assert.Equal(t, testJobID, artifact.JobID)
	assert.Equal(t, "report.docx", artifact.Stripped)
	assert.Equal(t, int64(4), artifact.Size)
	assert.Equal(t, filepath.Join(l.OutputDir(), name), artifact.Path)
}

func TestResolveArtifactRejects(t *testing.T) {
	l := newTestLocal(t)
	require.NoError(t, os.Mkdir(filepath.Join(l.OutputDir(), testJobID+"_dir.docx"), 0o755))

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"parent traversal", "../../etc/passwd", ErrInvalidName},
		{"encoded style traversal", "..%2F..%2Fetc%2Fpasswd", ErrInvalidName},
		{"absolute", "/etc/passwd", ErrInvalidName},
		{"backslash", `..\..\secret.docx`, ErrInvalidName},
		{"no job prefix", "report.docx", ErrInvalidName},
		{"wrong extension", testJobID + "_report.pdf", ErrInvalidName},
		{"empty", "", ErrInvalidName},
		{"missing file", testJobID + "_missing.docx", fs.ErrNotExist},
		{"directory", testJobID + "_dir.docx", fs.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ResolveArtifact(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBaseName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":           "report",
		"Quarterly Report.PDF": "Quarterly Report",
		"archive.tar.pdf":      "archive.tar",
		`C:\docs\scan.pdf`:     "scan",
		"../../x.pdf":          "x",
		"":                     "document",
		".pdf":                 "document",
		"  ":                   "document",
	}
	for input, want := range tests {
		assert.Equal(t, want, BaseName(input), "input %q", input)
	}
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"Q3.final":          "Q3.final",
		"Quarterly Summary": "Quarterly Summary",
		"a/b/report.v2":     "report.v2",
		`C:\docs\draft.1`:   "draft.1",
		"say \"hi\"\x00":    "say hi",
		"":                  "document",
		"..":                "document",
	}
	for input, want := range tests {
		assert.Equal(t, want, CleanName(input), "input %q", input)
	}
}
