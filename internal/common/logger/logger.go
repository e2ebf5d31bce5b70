// Package logger builds the zap loggers used across ccswarm and tags
// them with the orchestrator's domain fields (session, agent, task).
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding, and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, text
	OutputPath string `mapstructure:"output_path"` // stderr, stdout, or a file path
}

// Logger is a zap.Logger plus domain-field helpers. The zap surface
// (Debug/Info/Warn/Error/Sync, zap.Field arguments) is embedded as is.
type Logger struct {
	*zap.Logger
}

var (
	defaultMu  sync.RWMutex
	defaultLog *Logger
)

// NewLogger builds a logger from config. Text format gets a colored
// console encoder; anything else is JSON. Bad levels fall back to info
// rather than failing startup.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "text" || cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	out := cfg.OutputPath
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	zl, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{zl}, nil
}

// Default returns the process-wide logger, lazily built from the
// CCSWARM_LOG level filter and CCSWARM_ENV (json when production).
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLog
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	format := "text"
	if env := os.Getenv("CCSWARM_ENV"); env == "production" || env == "prod" {
		format = "json"
	}
	l, err := NewLogger(LoggingConfig{
		Level:  os.Getenv("CCSWARM_LOG"),
		Format: format,
	})
	if err != nil {
		l = &Logger{zap.NewNop()}
	}

	SetDefault(l)
	return l
}

// SetDefault installs the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLog = l
	defaultMu.Unlock()
}

// WithFields returns a child logger carrying the extra fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// WithSessionID tags log lines with the session they concern.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.WithFields(zap.String("session_id", sessionID))
}

// WithAgentID tags log lines with the agent they concern.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.WithFields(zap.String("agent_id", agentID))
}

// WithTaskID tags log lines with the task they concern.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String("task_id", taskID))
}
