// Package logging builds the structured logger used by every piper command.
//
// Each process gets a run_id that is attached to every entry. Entries go to
// stderr (stdout is reserved for command output) and, when a run log
// directory is given, to run_logs/<YYYY-MM-DD>/<run_id>.jsonl as JSON.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/piper/piper/internal/config"
)

// Logger bundles the zap logger with the run it belongs to.
type Logger struct {
	*zap.Logger
	RunID   string
	LogFile string

	file *os.File
}

// NewRunID returns an 8-character hex identifier for one invocation.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// New configures a logger for one run. runLogsDir may be empty to skip the
// per-run log file.
func New(cfg config.LoggingConfig, runLogsDir string, now time.Time) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.Format == "text" {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	runID := NewRunID()
	l := &Logger{RunID: runID}

	if runLogsDir != "" {
		dayDir := filepath.Join(runLogsDir, now.UTC().Format("2006-01-02"))
		if err := os.MkdirAll(dayDir, 0755); err != nil {
			return nil, fmt.Errorf("logging: failed to create run log directory: %w", err)
		}
		l.LogFile = filepath.Join(dayDir, runID+".jsonl")
		f, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: failed to open run log: %w", err)
		}
		l.file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...)).With(zap.String("run_id", runID))
	return l, nil
}

// Close flushes buffered entries and closes the run log file.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
