// Package pdf はアップロードされたPDFの解析とDOCXへの変換を提供します。
package pdf

import (
	"path/filepath"
	"regexp"
	"strings"
)

// エラーコード
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeCorruptInput     = "CORRUPT_INPUT"
	CodeEncrypted        = "ENCRYPTED_PDF"
	CodeConversionFailed = "CONVERSION_FAILED"
)

const maxMessageLength = 300

// Error はクライアントへ返却可能なエラーを表します。
// Message は利用者向けの文言で、内部のパスなどを含みません。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

var (
	absPathPattern = regexp.MustCompile(`(?:^|[\s'"(=])(?:[A-Za-z]:)?(?:[/\\][^\s/\\'"<>|:]+)+[/\\]?`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// SanitizeMessage は外部ライブラリ/コマンドのメッセージをクライアント表示用に整形します。
// 絶対パスはファイル名のみに置き換え、空白を詰め、長すぎる場合は切り詰めます。
func SanitizeMessage(msg string) string {
	msg = absPathPattern.ReplaceAllStringFunc(msg, func(p string) string {
		prefix := ""
		if strings.ContainsAny(p[:1], " \t\r\n\v\f'\"(=") {
			prefix, p = p[:1], p[1:]
		}
		p = strings.TrimRight(p, `/\`)
		p = strings.ReplaceAll(p, `\`, "/")
		return prefix + filepath.Base(p)
	})
	msg = strings.TrimSpace(spacePattern.ReplaceAllString(msg, " "))
	if r := []rune(msg); len(r) > maxMessageLength {
		msg = string(r[:maxMessageLength]) + "..."
	}
	return msg
}
