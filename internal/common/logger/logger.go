// Package logger wraps zap with the structured fields the engine tags its
// entries with: the emitting component, the session and the run.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level, output format and destination.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, or text for terminals
	OutputPath string // stdout, stderr, or a file path
}

// Logger is a thin wrapper over zap.Logger carrying the engine's field
// helpers.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLog  *Logger
	defaultOnce sync.Once
)

// Default returns the process-wide logger, building a terminal-friendly
// info-level one on first use. Components take an optional *Logger and
// fall back here when handed nil.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLog != nil {
			return
		}
		log, err := New(Config{Level: "info", Format: detectFormat(), OutputPath: "stdout"})
		if err != nil {
			fallback, _ := zap.NewProduction()
			log = &Logger{zap: fallback}
		}
		defaultLog = log
	})
	return defaultLog
}

// SetDefault replaces the process-wide logger.
func SetDefault(log *Logger) {
	defaultLog = log
}

// New builds a logger from the configuration. An unknown level falls back
// to info rather than failing startup; an unwritable output path is an
// error.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	// CallerSkip compensates for the wrapper methods below.
	z := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{zap: z}, nil
}

// newEncoder returns a colorized console encoder for terminal formats and
// a JSON encoder for everything else.
func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "text", "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(file), nil
	}
}

// detectFormat picks JSON when running under Kubernetes or a declared
// production environment, text otherwise.
func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TANDEM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// WithFields returns a logger attaching the fields to every entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithComponent tags entries with the engine component emitting them.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

// WithSessionID tags entries with the session they concern.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.WithFields(zap.String("session_id", sessionID))
}

// WithRunID tags entries with the agent run they concern.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields(zap.String("run_id", runID))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }
