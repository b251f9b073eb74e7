// Package diag is the orchestrator's diagnostic channel.
//
// Every record is emitted twice: once as a raw, prefixed text line and once
// through a structured slog handler. The host may buffer or drop either
// channel, so each write is followed by a Sync when the writer supports it.
// Nothing in this package ever writes to stdout, which carries the tool's
// message stream.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Prefix tags every raw diagnostic line for host-side filtering.
const Prefix = "[mcpcage]"

// SourceKey is the attribute key that marks where a line originated.
// Lines from the sandboxed process carry SourceKey=SourceSandbox.
const (
	SourceKey     = "source"
	SourceSandbox = "sandbox"
)

type syncer interface {
	Sync() error
}

// flushWriter serializes writes and syncs after each one.
type flushWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.w.Write(p)
	if s, ok := f.w.(syncer); ok {
		// Sync fails with EINVAL on pipes and terminals; the write already happened.
		_ = s.Sync()
	}
	return n, err
}

// Options configures a Logger.
type Options struct {
	// Raw receives prefixed text lines. Usually os.Stderr.
	Raw io.Writer
	// Structured receives JSON records. Nil discards them. It must not be
	// the Raw writer: every Raw line starts with Prefix and JSON does not.
	Structured io.Writer
	// Level is the minimum level for both channels.
	Level slog.Leveler
}

// Logger is a slog.Logger whose handler writes to both channels.
type Logger struct {
	*slog.Logger
	raw *flushWriter
}

// New creates a dual-channel logger.
func New(opts Options) *Logger {
	if opts.Raw == nil {
		opts.Raw = io.Discard
	}
	if opts.Structured == nil {
		opts.Structured = io.Discard
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	raw := &flushWriter{w: opts.Raw}
	structured := slog.NewJSONHandler(&flushWriter{w: opts.Structured}, &slog.HandlerOptions{Level: opts.Level})

	return &Logger{
		Logger: slog.New(&teeHandler{raw: raw, next: structured, level: opts.Level}),
		raw:    raw,
	}
}

// With returns a Logger that adds args to every record on both channels.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), raw: l.raw}
}

// Sandbox re-emits one stderr line of the sandboxed process. The line is
// written whatever the configured level, since it may be the only trace of
// a crash inside the sandbox.
func (l *Logger) Sandbox(line string) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, line, 0)
	r.AddAttrs(slog.String(SourceKey, SourceSandbox))
	_ = l.Handler().Handle(context.Background(), r)
}

// Rawf writes a single prefixed line to the raw channel only.
func (l *Logger) Rawf(format string, args ...any) {
	fmt.Fprintf(l.raw, "%s %s\n", Prefix, fmt.Sprintf(format, args...))
}

// teeHandler renders a raw line and then forwards the record to next.
type teeHandler struct {
	raw    *flushWriter
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func (h *teeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var source string
	var b strings.Builder
	b.WriteString(Prefix)

	var fields []string
	collect := func(a slog.Attr) {
		if a.Key == SourceKey && len(h.groups) == 0 {
			source = a.Value.String()
			return
		}
		key := a.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		fields = append(fields, key+"="+formatValue(a.Value))
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	if source != "" {
		b.WriteString(" [" + source + "]")
	}
	if r.Level >= slog.LevelWarn {
		b.WriteString(" " + r.Level.String() + ":")
	}
	b.WriteString(" " + r.Message)
	for _, f := range fields {
		b.WriteString(" " + f)
	}
	b.WriteByte('\n')

	_, rawErr := io.WriteString(h.raw, b.String())
	nextErr := h.next.Handle(ctx, r)
	return errors.Join(rawErr, nextErr)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	clone.next = h.next.WithGroup(name)
	return &clone
}

func formatValue(v slog.Value) string {
	s := v.Resolve().String()
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
