// Package storage はアップロードファイルと変換成果物のローカル保存を提供します。
//
// 保存先:
//   - 入力: <UploadDir>/<jobID>_<元のファイル名>
//   - 出力: <OutputDir>/<jobID>_<元のベース名>.docx
//
// 成果物の自動削除は行いません。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// DocxExtension は出力ファイルの拡張子です。
const DocxExtension = ".docx"

const defaultBaseName = "document"

var (
	// ErrInvalidName は成果物名として受け付けられない名前を表します。
	ErrInvalidName = errors.New("invalid artifact name")
	// ErrTooLarge はアップロードサイズが上限を超えたことを表します。
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// <uuid>_<name>.docx
var artifactPattern = regexp.MustCompile(`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})_(.+)\.docx$`)

// Local はローカルファイルシステム上のストレージです。
type Local struct {
	uploadDir string
	outputDir string
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(uploadDir, outputDir string) (*Local, error) {
	dirs := make([]string, 0, 2)
	for _, dir := range []string{uploadDir, outputDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("storage directory is required")
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", abs, err)
		}
		dirs = append(dirs, abs)
	}
	return &Local{uploadDir: dirs[0], outputDir: dirs[1]}, nil
}

// UploadDir はアップロード保存先を返します。
func (l *Local) UploadDir() string { return l.uploadDir }

// OutputDir は成果物保存先を返します。
func (l *Local) OutputDir() string { return l.outputDir }

// SaveUpload はマルチパートのファイルを <jobID>_<ファイル名> として保存します。
// maxSize を超える場合は ErrTooLarge を返し、書きかけのファイルは削除します。
func (l *Local) SaveUpload(jobID string, file *multipart.FileHeader, maxSize int64) (string, int64, error) {
	if file == nil {
		return "", 0, fmt.Errorf("file is nil")
	}
	if maxSize > 0 && file.Size > maxSize {
		return "", 0, ErrTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return "", 0, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	name := jobID + "_" + cleanFilename(file.Filename)
	path := filepath.Join(l.uploadDir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	var reader io.Reader = src
	if maxSize > 0 {
		reader = io.LimitReader(src, maxSize+1)
	}
	written, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to write upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to close upload: %w", closeErr)
	case maxSize > 0 && written > maxSize:
		_ = os.Remove(path)
		return "", 0, ErrTooLarge
	}
	return path, written, nil
}

// Remove は保存済みファイルを削除します。存在しない場合は何もしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// OutputFilename は成果物のファイル名 <jobID>_<base>.docx を返します。
func OutputFilename(jobID, base string) string {
	return jobID + "_" + cleanFilename(base) + DocxExtension
}

// OutputPath は成果物の保存パスを返します。
func (l *Local) OutputPath(jobID, base string) string {
	return filepath.Join(l.outputDir, OutputFilename(jobID, base))
}

// Artifact はダウンロード対象の成果物です。
type Artifact struct {
	Path     string
	JobID    string
	Filename string // 保存名
	Stripped string // jobID を除いた名前
	Size     int64
}

// ResolveArtifact は成果物名を検証し、出力ディレクトリ直下の実ファイルを返します。
// ディレクトリトラバーサルや不正な名前は ErrInvalidName、存在しない場合は fs.ErrNotExist を返します。
func (l *Local) ResolveArtifact(name string) (*Artifact, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return nil, ErrInvalidName
	}
	m := artifactPattern.FindStringSubmatch(name)
	if m == nil {
		return nil, ErrInvalidName
	}

	path := filepath.Join(l.outputDir, name)
	if filepath.Dir(path) != l.outputDir {
		return nil, ErrInvalidName
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fs.ErrNotExist
	}
	return &Artifact{
		Path:     path,
		JobID:    strings.ToLower(m[1]),
		Filename: name,
		Stripped: m[2] + DocxExtension,
		Size:     info.Size(),
	}, nil
}

// BaseName はアップロードされたファイル名から拡張子とパスを除いた安全なベース名を返します。
func BaseName(filename string) string {
	name := cleanFilename(filename)
	name = strings.TrimSpace(strings.TrimSuffix(name, filepath.Ext(name)))
	if name == "" || name == "." {
		return defaultBaseName
	}
	return name
}

// CleanName はクライアントが指定したベース名からパス区切りと制御文字だけを取り除きます。
// 拡張子の判定は行わないため "Q3.final" はそのまま残ります。
func CleanName(name string) string {
	return cleanFilename(name)
}

// cleanFilename はパス区切りと制御文字を取り除きます。
func cleanFilename(filename string) string {
	filename = strings.ReplaceAll(filename, `\`, "/")
	filename = filepath.Base(filename)
	filename = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, filename)
	filename = strings.ReplaceAll(filename, "..", "")
	filename = strings.TrimSpace(filename)
	if filename == "" || filename == "." || filename == "/" {
		return defaultBaseName
	}
	return filename
}
