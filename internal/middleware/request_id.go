// Package middleware は Gin 用の共通ミドルウェアを提供します。
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/docx-forge/internal/logger"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダー名です。
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID はリクエストごとに一意なIDを払い出すミドルウェアです。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Header(RequestIDHeader, requestID)
		c.Set(requestIDKey, requestID)

		// ログ出力でリクエストIDを参照できるようにする
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetRequestID は Gin コンテキストからリクエストIDを取得します。
func GetRequestID(c *gin.Context) string {
	if requestID, ok := c.Get(requestIDKey); ok {
		if s, ok := requestID.(string); ok {
			return s
		}
	}
	return ""
}
