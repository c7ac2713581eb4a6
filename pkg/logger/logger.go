// Package logger zerolog 封装，统一输出 JSON 日志
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Fields 日志字段
type Fields = map[string]interface{}

type Logger struct {
	zl zerolog.Logger
}

func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{zl: zerolog.New(w).With().Timestamp().Str("service", service).Logger()}
}

// Nop 丢弃所有日志，测试和可选依赖使用
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// WithLevel 设置最低日志级别，无法解析时保持不变
func (l *Logger) WithLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return l
	}
	return &Logger{zl: l.zl.Level(lvl)}
}

// WithContext 附加当前 span 的 traceID/spanID；没有有效 span 时返回原 logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{zl: l.zl.With().
		Str("traceID", sc.TraceID().String()).
		Str("spanID", sc.SpanID().String()).
		Logger()}
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		switch v := v.(type) {
		case fmt.Stringer:
			ctx = ctx.Stringer(k, v)
		default:
			ctx = ctx.Interface(k, v)
		}
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string) { emit(l.zl.Debug(), msg, nil) }
func (l *Logger) Info(msg string)  { emit(l.zl.Info(), msg, nil) }
func (l *Logger) Warn(msg string)  { emit(l.zl.Warn(), msg, nil) }
func (l *Logger) Error(msg string) { emit(l.zl.Error(), msg, nil) }

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields Fields) { emit(l.zl.Debug(), msg, fields) }

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields Fields) { emit(l.zl.Info(), msg, fields) }

func (l *Logger) Warnf(msg string, fields Fields) { emit(l.zl.Warn(), msg, fields) }

func (l *Logger) Errorf(msg string, fields Fields) { emit(l.zl.Error(), msg, fields) }

// emit writes fields onto a level event. Decimals and other Stringers are
// logged as strings so amounts keep their exact text.
func emit(e *zerolog.Event, msg string, fields Fields) {
	if e == nil {
		return
	}
	for k, v := range fields {
		switch v := v.(type) {
		case error:
			e = e.AnErr(k, v)
		case fmt.Stringer:
			e = e.Stringer(k, v)
		default:
			e = e.Interface(k, v)
		}
	}
	e.Msg(msg)
}
