// Package logging provides the context-aware structured logger used across
// the routing core. Trace and span ids from the active OpenTelemetry span and
// the logical request's activity id are attached to every entry.
package logging

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface for structured logging with trace support
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithContext(ctx context.Context) Logger
	Named(component string) Logger

	Sync() error
}

// ZapLogger implements Logger on top of zap.
type ZapLogger struct {
	logger *zap.Logger
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}

// NewLogger creates a new structured logger
func NewLogger(config LoggingConfig) (Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = "stderr"
	}

	core := zapcore.NewCore(encoder, getWriteSyncer(outputPath), level)
	return &ZapLogger{logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))}, nil
}

// NewFromZap wraps an existing zap logger, e.g. one from zaptest.
func NewFromZap(z *zap.Logger) Logger {
	return &ZapLogger{logger: z.WithOptions(zap.AddCallerSkip(2))}
}

// NewNop returns a logger that discards everything. Library callers that do
// not inject a logger get this one.
func NewNop() Logger {
	return &ZapLogger{logger: zap.NewNop()}
}

// getWriteSyncer returns appropriate WriteSyncer for the given path
func getWriteSyncer(path string) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zapcore.AddSync(os.Stderr)
		}
		return zapcore.AddSync(file)
	}
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.logWithContext(ctx, l.logger.Debug, msg, fields...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.logWithContext(ctx, l.logger.Info, msg, fields...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.logWithContext(ctx, l.logger.Warn, msg, fields...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.logWithContext(ctx, l.logger.Error, msg, fields...)
}

// With creates a child logger with additional fields
func (l *ZapLogger) With(fields ...zap.Field) Logger {
	return &ZapLogger{logger: l.logger.With(fields...)}
}

// WithContext binds the trace and activity fields of ctx to a child logger.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	return l.With(contextFields(ctx)...)
}

// Named adds a component name to the logger.
func (l *ZapLogger) Named(component string) Logger {
	return &ZapLogger{logger: l.logger.Named(component)}
}

// Zap returns the underlying zap logger for components that log through zap
// directly.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.logger.WithOptions(zap.AddCallerSkip(-2))
}

// ZapOf returns the zap logger behind l, or a no-op logger.
func ZapOf(l Logger) *zap.Logger {
	if zl, ok := l.(*ZapLogger); ok {
		return zl.Zap()
	}
	return zap.NewNop()
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func (l *ZapLogger) logWithContext(ctx context.Context, logFunc func(string, ...zap.Field), msg string, fields ...zap.Field) {
	ctxFields := contextFields(ctx)
	if len(ctxFields) == 0 {
		logFunc(msg, fields...)
		return
	}
	logFunc(msg, append(ctxFields, fields...)...)
}

// contextFields extracts trace, span and activity ids from ctx.
func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	var fields []zap.Field
	if id := ActivityIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("activity_id", id))
	}

	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.IsValid() {
		fields = append(fields,
			zap.String("trace_id", spanContext.TraceID().String()),
			zap.String("span_id", spanContext.SpanID().String()))
		if spanContext.IsSampled() {
			fields = append(fields, zap.Bool("sampled", true))
		}
	}
	return fields
}

type activityKey struct{}

// WithActivityID returns a context carrying the logical request's activity id.
func WithActivityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityKey{}, id)
}

// ActivityIDFromContext returns the activity id set by WithActivityID.
func ActivityIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(activityKey{}).(string)
	return id
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewNop()
)

// InitGlobalLogger initializes the process-wide logger used by the CLI.
// Library clients build their own logger with NewLogger.
func InitGlobalLogger(config LoggingConfig) (Logger, error) {
	logger, err := NewLogger(config)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return logger, nil
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
