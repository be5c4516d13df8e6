// Package logger 构造进程级 slog.Logger。
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 按配置的级别创建输出到 stdout 的文本日志。
//
// 参数:
//
//	level: 日志级别字符串 debug / info / warn / error（默认 info）
//
// 返回值:
//
//	*slog.Logger: 日志记录器
func NewDefault(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
