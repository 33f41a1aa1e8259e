package logger

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// traceIDKey 用于在 context 中存储 trace_id 的键
type traceIDKey struct{}

// WithTraceIDContext 将 trace_id 添加到 context
func WithTraceIDContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext 从 context 中获取 trace_id
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// current 全局 logger，测试中可能被并发替换
var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	current.Store(&l)
}

func global() *zerolog.Logger {
	return current.Load()
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// Init 初始化日志
func Init(cfg LogConfig) {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		// #nosec G302 -- 日志文件需要组可读权限
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			log.Fatal().Err(err).Msg("无法打开日志文件")
		}
		out = file
	}

	// 设置格式
	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: out != os.Stdout && out != os.Stderr}
	}

	SetLevel(cfg.Level)

	l := zerolog.New(out).
		With().
		Timestamp().
		Logger()
	current.Store(&l)

	// 设置全局 logger
	log.Logger = l
}

// SetLevel 设置全局日志级别，无法解析时使用 info
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// SetOutput 替换日志输出（测试使用），返回恢复原输出的函数
func SetOutput(w io.Writer) (restore func()) {
	l := zerolog.New(w).With().Timestamp().Logger()
	prev := current.Swap(&l)
	return func() { current.Store(prev) }
}

// FromContext 从 context 创建带 trace_id 的 logger
func FromContext(ctx context.Context) *zerolog.Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID != "" {
		logger := global().With().Str("trace_id", traceID).Logger()
		return &logger
	}
	return global()
}

// Error 返回错误级别日志
func Error() *zerolog.Event {
	return global().Error()
}

// ErrorCtx 从 context 返回错误级别日志（包含 trace_id）
func ErrorCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Error()
}

// Info 返回信息级别日志
func Info() *zerolog.Event {
	return global().Info()
}

// InfoCtx 从 context 返回信息级别日志（包含 trace_id）
func InfoCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Info()
}

// Debug 返回调试级别日志
func Debug() *zerolog.Event {
	return global().Debug()
}

// DebugCtx 从 context 返回调试级别日志（包含 trace_id）
func DebugCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Debug()
}

// Warn 返回警告级别日志
func Warn() *zerolog.Event {
	return global().Warn()
}

// WarnCtx 从 context 返回警告级别日志（包含 trace_id）
func WarnCtx(ctx context.Context) *zerolog.Event {
	return FromContext(ctx).Warn()
}

// Fatal 返回致命级别日志
func Fatal() *zerolog.Event {
	return global().Fatal()
}

var emailPattern = regexp.MustCompile(`([a-zA-Z0-9._%+-]+)(@[a-zA-Z0-9.-]+\.[a-zA-Z0-9.-]+)`)

// MaskEmail 遮盖文本中的邮箱地址，只保留首字符和域名，如 a***@example.com
func MaskEmail(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		at := strings.IndexByte(m, '@')
		if at <= 0 {
			return m
		}
		return m[:1] + "***" + m[at:]
	})
}
