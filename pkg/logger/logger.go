// Package logger wraps log/slog with process-wide application and audit
// loggers. Secrets are redacted before any record reaches a sink.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls the rotated file that receives audit records.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// state is swapped atomically under mu by Init.
type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current state
)

// Init builds fresh loggers from cfg. Re-initialising replaces the old
// loggers and closes any files they held.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	return closeAll(prev.closers)
}

func build(cfg Config) (s state, err error) {
	defer func() {
		if err != nil {
			_ = closeAll(s.closers)
		}
	}()

	sink, err := s.outputs(cfg.OutputPaths)
	if err != nil {
		return s, err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), ReplaceAttr: redact}
	if strings.EqualFold(cfg.Format, "text") {
		s.app = slog.New(slog.NewTextHandler(sink, opts))
	} else {
		s.app = slog.New(slog.NewJSONHandler(sink, opts))
	}

	s.audit = s.app
	if !cfg.Audit.Enabled {
		return s, nil
	}
	if cfg.Audit.Path == "" {
		return s, errors.New("logger: audit path is required when audit is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
		return s, fmt.Errorf("logger: create audit dir: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Audit.Path,
		MaxSize:    orDefault(cfg.Audit.MaxSizeMB, 50),
		MaxBackups: orDefault(cfg.Audit.MaxBackups, 5),
		MaxAge:     orDefault(cfg.Audit.MaxAgeDays, 14),
	}
	s.closers = append(s.closers, rotated)
	auditOpts := &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact}
	s.audit = slog.New(slog.NewJSONHandler(rotated, auditOpts)).With(slog.String("stream", "audit"))
	return s, nil
}

// outputs opens every path and fans writes out to all of them. An empty
// list means stdout.
func (s *state) outputs(paths []string) (io.Writer, error) {
	var writers []io.Writer
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("logger: create dir for %s: %w", p, err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("logger: open %s: %w", p, err)
			}
			s.closers = append(s.closers, f)
			writers = append(writers, f)
		}
	}
	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// redactedKeys never reach a sink in clear text.
var redactedKeys = []string{"session_key", "private_key", "password", "dsn"}

func redact(_ []string, attr slog.Attr) slog.Attr {
	for _, k := range redactedKeys {
		if strings.EqualFold(attr.Key, k) {
			return slog.String(attr.Key, "[REDACTED]")
		}
	}
	return attr
}

// L returns the application logger, lazily initialising a text logger on
// stdout when Init has not run.
func L() *slog.Logger {
	mu.RLock()
	l := current.app
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := Init(Config{Format: "text"}); err != nil {
		return slog.Default()
	}
	mu.RLock()
	defer mu.RUnlock()
	return current.app
}

// Audit returns the audit logger, falling back to L.
func Audit() *slog.Logger {
	mu.RLock()
	l := current.audit
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Named tags records with a component attribute.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes the files opened by Init. Loggers stay usable; the audit file
// is reopened on the next write.
func Sync() error {
	mu.Lock()
	list := current.closers
	current.closers = nil
	mu.Unlock()
	return closeAll(list)
}

func closeAll(list []io.Closer) error {
	var errs []error
	for _, c := range list {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
