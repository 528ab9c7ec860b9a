package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levels = [...]struct {
	name string
	zap  zapcore.Level
}{
	DEBUG: {"DEBUG", zapcore.DebugLevel},
	INFO:  {"INFO", zapcore.InfoLevel},
	WARN:  {"WARN", zapcore.WarnLevel},
	ERROR: {"ERROR", zapcore.ErrorLevel},
	FATAL: {"FATAL", zapcore.FatalLevel},
}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(levels) {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levels[l].name
}

func (l LogLevel) zapLevel() zapcore.Level {
	if l < 0 || int(l) >= len(levels) {
		return zapcore.InfoLevel
	}
	return levels[l].zap
}

// ParseLevel maps a textual level (as found in LEDGERSIM_LOG_LEVEL) to a LogLevel.
// An empty string means INFO.
func ParseLevel(s string) (LogLevel, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "":
		return INFO, nil
	case "WARNING":
		return WARN, nil
	default:
		for l, def := range levels {
			if def.name == v {
				return LogLevel(l), nil
			}
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger is a thin leveled wrapper over a zap console logger. Every process
// of a run writes through one, named after its role.
type Logger struct {
	level LogLevel
	zl    *zap.Logger
}

type LoggerConfig struct {
	Level     LogLevel
	Component string
	// Output defaults to stdout.
	Output     io.Writer
	Colorize   bool
	TimeFormat string
}

func NewLogger(cfg LoggerConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	layout := cfg.TimeFormat
	if layout == "" {
		layout = "15:04:05.000"
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(layout)
	enc.CallerKey = zapcore.OmitKey
	enc.StacktraceKey = zapcore.OmitKey
	if cfg.Colorize {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.Lock(zapcore.AddSync(out)),
		zap.NewAtomicLevelAt(cfg.Level.zapLevel()),
	)
	zl := zap.New(core)
	if cfg.Component != "" {
		zl = zl.Named(cfg.Component)
	}
	return &Logger{level: cfg.Level, zl: zl}
}

// DefaultLogger logs INFO and above to stdout in color.
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{Level: INFO, Component: component, Colorize: true})
}

// NopLogger discards everything. Tests use it to keep output quiet.
func NopLogger() *Logger {
	return &Logger{level: FATAL, zl: zap.NewNop()}
}

// Named returns a child logger whose name is appended to the parent's.
func (l *Logger) Named(component string) *Logger {
	return &Logger{level: l.level, zl: l.zl.Named(component)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field) { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field) { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.zl.Error(msg, fields...) }

// Fatal logs and then exits the process with status 1.
func (l *Logger) Fatal(msg string, fields ...Field) { l.zl.Fatal(msg, fields...) }

func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Field is a structured log attribute.
type Field = zap.Field

func String(key, value string) Field { return zap.String(key, value) }
func Int(key string, value int) Field { return zap.Int(key, value) }
func Int32(key string, value int32) Field { return zap.Int32(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field { return zap.Uint64(key, value) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }
func Duration(key string, v time.Duration) Field { return zap.Duration(key, v) }

// Err attaches err under the "error" key; a nil error adds nothing.
func Err(err error) Field { return zap.Error(err) }
