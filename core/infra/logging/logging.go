package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envLogFormat = "CAPTURE_LOG_FORMAT"
	envLogLevel  = "CAPTURE_LOG_LEVEL"
	envLogFile   = "CAPTURE_LOG_FILE"
)

var (
	loggerMu   sync.RWMutex
	loggerOnce sync.Once
	logger     *zap.Logger
	logAsJSON  bool
)

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	write(zapcore.InfoLevel, component, msg, kv)
}

// Warn logs a recoverable problem.
func Warn(component, msg string, kv ...interface{}) {
	write(zapcore.WarnLevel, component, msg, kv)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	write(zapcore.ErrorLevel, component, msg, kv)
}

// Debug logs verbose diagnostics; dropped unless CAPTURE_LOG_LEVEL=debug.
func Debug(component, msg string, kv ...interface{}) {
	write(zapcore.DebugLevel, component, msg, kv)
}

// SetOutput rebuilds the process logger so that it writes to w.
func SetOutput(w io.Writer) {
	loggerOnce.Do(func() {})
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = build(zapcore.AddSync(w))
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	_ = current().Sync()
}

func current() *zap.Logger {
	loggerOnce.Do(func() {
		loggerMu.Lock()
		logger = build(zapcore.Lock(os.Stderr))
		loggerMu.Unlock()
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func build(out zapcore.WriteSyncer) *zap.Logger {
	logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if logAsJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := out
	if path := strings.TrimSpace(os.Getenv(envLogFile)); path != "" {
		sink = zapcore.NewMultiWriteSyncer(out, zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		}))
	}
	return zap.New(zapcore.NewCore(enc, sink, levelFromEnv()))
}

func levelFromEnv() zapcore.Level {
	lvl := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if err := lvl.Set(strings.ToLower(raw)); err != nil {
			return zapcore.InfoLevel
		}
	}
	return lvl
}

func write(level zapcore.Level, component, msg string, kv []interface{}) {
	l := current()
	if ce := l.Check(level, formatMessage(component, msg)); ce != nil {
		fields := append([]zap.Field{zap.String("component", component)}, formatFields(kv...)...)
		ce.Write(fields...)
	}
}

func formatMessage(component, msg string) string {
	if logAsJSON {
		return msg
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(component), msg)
}

func formatFields(kv ...interface{}) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			fields = append(fields, zap.String(key, v.Error()))
		case string:
			fields = append(fields, zap.String(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	return fields
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
