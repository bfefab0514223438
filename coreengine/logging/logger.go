// Package logging provides the zap-backed implementation of agents.Logger.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
)

// Options configures a Logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is json or console. Empty means json.
	Format string
	// Output defaults to stderr.
	Output zapcore.WriteSyncer
	// Fields are attached to every entry.
	Fields map[string]string
}

// Logger adapts a zap SugaredLogger to the key/value Logger interface used
// across the supervisor.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ agents.Logger = (*Logger)(nil)

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level '%s'. Must be one of: debug, info, warn, error", opts.Level)
		}
		level = parsed
	}

	switch opts.Format {
	case "", "json", "console":
	default:
		return nil, fmt.Errorf("invalid log format '%s'. Must be one of: json, console", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(newEncoder(opts.Format), out, level)
	base := zap.New(core)
	if len(opts.Fields) > 0 {
		fields := make([]zap.Field, 0, len(opts.Fields))
		for k, v := range opts.Fields {
			fields = append(fields, zap.String(k, v))
		}
		base = base.With(fields...)
	}
	return &Logger{sugar: base.Sugar()}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.sugar.Errorw(msg, keysAndValues...) }

// Bind returns a child logger carrying fields on every entry.
func (l *Logger) Bind(fields ...any) agents.Logger {
	return &Logger{sugar: l.sugar.With(fields...)}
}

// Zap exposes the underlying structured logger for libraries that take one.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	err := l.sugar.Sync()
	// stdout/stderr report EINVAL or ENOTTY on sync under Linux.
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}
