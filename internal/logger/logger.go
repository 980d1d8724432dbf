// Package logger is the voicecord slog backend: a line-oriented text
// handler writing to a size-rotated file, optionally mirrored to the
// console.
//
// Line format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2="two words"
//
// Timestamps are always UTC so log lines from hosts in different zones sort
// together; ledger timestamps carry their own zone.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Levels
// ///////////////////////////////////////////////

// LevelTrace sits below debug and logs every gateway event the bot sees.
const LevelTrace slog.Level = slog.LevelDebug - 4

var levelNames = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel converts a config level name (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (want trace, debug, info, warn or error)", s)
}

func levelLabel(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Trace logs at [LevelTrace] on the default logger.
func Trace(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

var newline = "\n"

func init() {
	if runtime.GOOS == "windows" {
		newline = "\r\n"
	}
}

// Handler formats records as single text lines. Handlers derived through
// WithAttrs and WithGroup share the writer and its lock.
type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	// prefix is the dotted group path applied to record attributes.
	prefix string
	// preformatted holds "k=v" pairs from WithAttrs, already prefixed.
	preformatted []string
}

// NewHandler returns a handler writing lines at or above level to out.
func NewHandler(out io.Writer, level slog.Leveler) *Handler {
	return &Handler{out: out, mu: &sync.Mutex{}, level: level}
}

// Enabled implements [slog.Handler].
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements [slog.Handler].
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	pairs := append([]string(nil), h.preformatted...)
	r.Attrs(func(a slog.Attr) bool {
		pairs = appendAttr(pairs, h.prefix, a)
		return true
	})

	var b strings.Builder
	b.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" [")
	b.WriteString(levelLabel(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)
	if len(pairs) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(pairs, ", "))
	}
	b.WriteString(newline)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs implements [slog.Handler].
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preformatted = append([]string(nil), h.preformatted...)
	for _, a := range attrs {
		next.preformatted = appendAttr(next.preformatted, h.prefix, a)
	}
	return &next
}

// WithGroup implements [slog.Handler].
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr flattens groups into dotted keys and drops empty attributes.
func appendAttr(pairs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return pairs
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			pairs = appendAttr(pairs, sub, g)
		}
		return pairs
	}
	return append(pairs, prefix+a.Key+"="+formatValue(a.Value))
}

// formatValue quotes strings that would make the line ambiguous.
func formatValue(v slog.Value) string {
	s := v.String()
	if v.Kind() == slog.KindString || v.Kind() == slog.KindAny {
		if s == "" || strings.ContainsAny(s, " ,=|\"\n\t") {
			return strconv.Quote(s)
		}
	}
	return s
}

// ///////////////////////////////////////////////
// Constructor
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// Path is the log file. Empty disables the file sink.
	Path string
	// Level is the minimum level written.
	Level slog.Level
	// MaxSizeMB is the size at which the file rotates.
	MaxSizeMB int
	// Console, when non-nil, receives a copy of every line.
	Console io.Writer
}

// New builds a logger from opts. The returned closer flushes and closes the
// log file; it is safe to call when no file was opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var sinks []io.Writer
	var closer io.Closer = nopCloser{}

	if opts.Path != "" {
		size := opts.MaxSizeMB
		if size <= 0 {
			size = 10
		}
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    size,
			MaxBackups: 3,
			MaxAge:     28,
		}
		sinks = append(sinks, lj)
		closer = lj
	}
	if opts.Console != nil {
		sinks = append(sinks, opts.Console)
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = io.MultiWriter(sinks...)
	}
	return slog.New(NewHandler(out, opts.Level)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ///////////////////////////////////////////////
// Tail
// ///////////////////////////////////////////////

// Tail returns the last n lines of the file at path.
func Tail(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" || n <= 0 {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
