// Package debuglog implements structured logging using slog. The printf
// helpers remain for call sites that only need a line of text.
package debuglog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"dxbnet/internal/config"
)

var (
	mu      sync.RWMutex
	current = newLogger(os.Stderr, slog.LevelInfo, "text")
	debugOn = os.Getenv("DXB_DEBUG") == "1"

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Init configures the process logger. DXB_DEBUG=1 forces the debug level.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if os.Getenv("DXB_DEBUG") == "1" {
		level = slog.LevelDebug
	}

	writers := []io.Writer{os.Stderr}
	if cfg.File.Enabled {
		w, err := createFileWriter(cfg.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, w)
	}

	format := strings.ToLower(cfg.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
	l := newLogger(io.MultiWriter(writers...), level, format)

	mu.Lock()
	current = l
	debugOn = level <= slog.LevelDebug
	mu.Unlock()
	slog.SetDefault(l)
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

// L returns the configured logger.
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// With returns a logger tagged with a component name.
func With(component string) *slog.Logger {
	return L().With("component", component)
}

func enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugOn
}

func Logf(format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	L().Debug(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	L().Debug(fmt.Sprintf(format, args...))
}
