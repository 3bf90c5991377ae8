package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type Config struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // text|json
}

var (
	root  atomic.Pointer[slog.Logger]
	level = new(slog.LevelVar)
)

func init() {
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Setup 安装进程级 logger 并设为 slog 默认
func Setup(cfg Config) *slog.Logger {
	return SetupWriter(os.Stderr, cfg)
}

func SetupWriter(w io.Writer, cfg Config) *slog.Logger {
	SetLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	root.Store(l)
	slog.SetDefault(l)
	return l
}

// SetLevel 修改所有已发出 logger 的级别，配置热加载时调用
func SetLevel(s string) {
	switch strings.ToLower(s) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func L() *slog.Logger { return root.Load() }

// For 返回带组件名的 logger
func For(component string) *slog.Logger {
	return L().With("component", component)
}

// Discard 测试用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
