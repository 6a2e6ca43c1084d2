package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record as the "component" attribute.
const (
	CompProcess  = "process"
	CompRegistry = "registry"
	CompBridge   = "bridge"
	CompDispatch = "dispatch"
	CompActivity = "activity"
	CompScroll   = "scroll"
	CompSession  = "session"
	CompLauncher = "launcher"
	CompStorage  = "storage"
	CompWeb      = "web"
	CompConfig   = "config"
	CompCLI      = "cli"
)

// LogFileName is the file written inside Config.LogDir.
const LogFileName = "ptydeck.log"

// Config holds logging configuration.
type Config struct {
	// LogDir receives ptydeck.log and its rotated siblings.
	LogDir string

	// Level is one of "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize is the in-memory crash buffer size in bytes.
	RingBufferSize int

	// AggregateIntervalSecs controls how often event_summary lines are flushed.
	AggregateIntervalSecs int

	// Stderr mirrors records to stderr in addition to the log file.
	Stderr bool
}

type state struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

var (
	mu      sync.RWMutex
	current state
	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the process-wide logger. With no LogDir and no Stderr,
// records are dropped but the ring buffer still works.
func Init(cfg Config) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 14
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4 * 1024 * 1024
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 30
	}

	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	ring := NewRingBuffer(cfg.RingBufferSize)
	writers := []io.Writer{ring}

	var file *lumberjack.Logger
	if cfg.LogDir != "" {
		file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	agg := NewAggregator(logger, cfg.AggregateIntervalSecs)
	agg.Start()

	current = state{logger: logger, ring: ring, agg: agg, file: file}
}

// Logger returns the installed logger, or a discarding one before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current.logger == nil {
		return discard
	}
	return current.logger
}

// ForComponent returns a logger tagged with component. It resolves the
// installed handler on every record, so package-level loggers declared
// before Init still reach the log file.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &componentHandler{component: h.component, groups: h.groups}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := &componentHandler{component: h.component, attrs: h.attrs}
	next.groups = append(append([]string{}, h.groups...), name)
	return next
}

// Aggregate counts a high-frequency event; counts are emitted periodically
// as a single event_summary record.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	agg := current.agg
	mu.RUnlock()
	if agg != nil {
		agg.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes the most recent log bytes to path.
func DumpRingBuffer(path string) error {
	mu.RLock()
	ring := current.ring
	mu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.DumpToFile(path)
}

// Shutdown flushes pending summaries and closes the log file.
func Shutdown() {
	mu.Lock()
	prev := current
	current = state{}
	mu.Unlock()

	if prev.agg != nil {
		prev.agg.Stop()
	}
	if prev.file != nil {
		_ = prev.file.Close()
	}
}
