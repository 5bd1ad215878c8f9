// Package utils provides shared infrastructure for the mesh control plane:
// structured logging, configuration access and retry/backoff helpers.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Development bool

	// OutputPath enables file output with rotation when non-empty.
	OutputPath string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool

	NodeID    string
	Component string
}

// DefaultLogConfig returns production defaults, overridable via environment.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:       GetEnvString("LOG_LEVEL", "info"),
		Development: GetEnvString("ENVIRONMENT", "production") == "development",
		OutputPath:  GetEnvString("LOG_FILE_PATH", ""),
		MaxSize:     GetEnvInt("LOG_MAX_SIZE", 100),
		MaxBackups:  GetEnvInt("LOG_MAX_BACKUPS", 10),
		MaxAge:      GetEnvInt("LOG_MAX_AGE", 30),
		Compress:    GetEnvBool("LOG_COMPRESS", true),
		NodeID:      GetEnvString("NODE_ID", ""),
		Component:   GetEnvString("SERVICE_NAME", "meshnode"),
	}
}

// Logger wraps zap with the node's default fields and rotation setup.
type Logger struct {
	base        *zap.Logger
	atomicLevel zap.AtomicLevel
}

// NewLogger creates a logger instance from config.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if config.OutputPath != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}

	return &Logger{base: zapLogger, atomicLevel: atomicLevel}, nil
}

// WithFields creates a logger with additional default fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{base: l.base.With(fields...), atomicLevel: l.atomicLevel}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.base.Fatal(msg, fields...) }

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) error {
	newLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(newLevel)
	return nil
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Zap field helpers

func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field         { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }
func ZapStrings(key string, val []string) zap.Field       { return zap.Strings(key, val) }

// Global logger management

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the process-wide logger, creating it on first use.
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		logger, err := NewLogger(DefaultLogConfig())
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			globalLogger = &Logger{base: zapLogger, atomicLevel: zap.NewAtomicLevel()}
			return
		}
		globalLogger = logger
	})
	return globalLogger
}

// CreateTestLogger returns a development logger for tests.
func CreateTestLogger() *Logger {
	logger, _ := NewLogger(&LogConfig{Level: "debug", Development: true})
	return logger
}
