package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger はリクエストごとに slog でアクセスログを出力します。
// SSE のような長時間接続も終了時に1行だけ出力されます。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		}
		if id, ok := c.Get(studioKey); ok {
			attrs = append(attrs, "studio_id", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		slog.DebugContext(c.Request.Context(), "HTTP リクエスト", attrs...)
	}
}
