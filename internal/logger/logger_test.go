// Package logger tests cover the line format, value quoting, level
// filtering, attribute groups, the file/console constructor, and [Tail].
package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func lastLine(buf *bytes.Buffer) string {
	return strings.TrimRight(buf.String(), "\r\n")
}

// ///////////////////////////////////////////////
// Format
// ///////////////////////////////////////////////

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, slog.LevelInfo)).Info("ledger loaded", "records", 3, "open", 1)

	line := lastLine(&buf)
	head, attrs, ok := strings.Cut(line, " | ")
	if !ok {
		t.Fatalf("missing attribute separator in %q", line)
	}
	if !strings.HasSuffix(head, "[INFO] ledger loaded") {
		t.Errorf("head = %q", head)
	}
	if !strings.HasSuffix(strings.Split(head, " [")[0], "Z") {
		t.Errorf("timestamp not UTC in %q", head)
	}
	if attrs != "records=3, open=1" {
		t.Errorf("attrs = %q, want %q", attrs, "records=3, open=1")
	}
}

func TestHandlerNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, slog.LevelInfo)).Warn("plain")
	line := lastLine(&buf)
	if strings.Contains(line, "|") {
		t.Errorf("unexpected separator in %q", line)
	}
	if !strings.HasSuffix(line, "[WARN] plain") {
		t.Errorf("line = %q", line)
	}
}

func TestHandlerQuoting(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"bare", "general", "v=general"},
		{"space", "General Voice", `v="General Voice"`},
		{"comma", "a,b", `v="a,b"`},
		{"empty", "", `v=""`},
		{"number", 42, "v=42"},
		{"error", errors.New("disk full"), `v="disk full"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			slog.New(NewHandler(&buf, slog.LevelInfo)).Info("m", "v", tt.value)
			_, attrs, _ := strings.Cut(lastLine(&buf), " | ")
			if attrs != tt.want {
				t.Errorf("attrs = %q, want %q", attrs, tt.want)
			}
		})
	}
}

func TestHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelWarn))
	logger.Info("hidden")
	logger.Debug("hidden")
	logger.Error("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("records below level written: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[ERROR] shown") {
		t.Errorf("error record missing: %q", buf.String())
	}
}

func TestHandlerTraceLabel(t *testing.T) {
	var buf bytes.Buffer
	slog.SetDefault(slog.New(NewHandler(&buf, LevelTrace)))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	Trace("gateway event", "t", "VOICE_STATE_UPDATE")
	if !strings.Contains(buf.String(), "[TRACE] gateway event") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestHandlerDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	lv.Set(slog.LevelError)
	logger := slog.New(NewHandler(&buf, &lv))
	logger.Info("before")
	lv.Set(slog.LevelInfo)
	logger.Info("after")
	if strings.Contains(buf.String(), "before") || !strings.Contains(buf.String(), "after") {
		t.Errorf("LevelVar not honoured: %q", buf.String())
	}
}

func TestHandlerGroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo)).
		With("server", "s1").
		WithGroup("event").
		With("kind", "join")
	logger.Info("m", "channel", "c1", slog.Group("who", "id", "p1"))

	_, attrs, _ := strings.Cut(lastLine(&buf), " | ")
	want := "server=s1, event.kind=join, event.channel=c1, event.who.id=p1"
	if attrs != want {
		t.Errorf("attrs = %q, want %q", attrs, want)
	}
}

func TestHandlerDerivedDoNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, slog.LevelInfo))
	a := base.With("a", 1)
	_ = a.With("b", 2)
	a.Info("m")
	if strings.Contains(buf.String(), "b=2") {
		t.Errorf("sibling attrs leaked: %q", buf.String())
	}
}

func TestHandlerConcurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("concurrent", "k", "v")
		}()
	}
	wg.Wait()
	lines := strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\n")
	if len(lines) != 20 {
		t.Errorf("got %d lines, want 20", len(lines))
	}
}

// ///////////////////////////////////////////////
// ParseLevel
// ///////////////////////////////////////////////

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" info ", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ///////////////////////////////////////////////
// New
// ///////////////////////////////////////////////

func TestNewFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecord.log")
	var console bytes.Buffer
	logger, closer, err := New(Options{Path: path, Level: slog.LevelInfo, MaxSizeMB: 1, Console: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello | k=v") {
		t.Errorf("file = %q", data)
	}
	if !strings.Contains(console.String(), "hello | k=v") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNewNoSinks(t *testing.T) {
	logger, closer, err := New(Options{Level: slog.LevelInfo})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ///////////////////////////////////////////////
// Tail
// ///////////////////////////////////////////////

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecord.log")
	os.WriteFile(path, []byte("one\ntwo\r\nthree\nfour\n"), 0o644)

	tests := []struct {
		n    int
		want string
	}{
		{2, "three|four"},
		{10, "one|two|three|four"},
		{0, ""},
	}
	for _, tt := range tests {
		got, err := Tail(path, tt.n)
		if err != nil {
			t.Fatalf("Tail(%d): %v", tt.n, err)
		}
		if strings.Join(got, "|") != tt.want {
			t.Errorf("Tail(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTailMissing(t *testing.T) {
	if _, err := Tail(filepath.Join(t.TempDir(), "none.log"), 5); err == nil {
		t.Error("expected error for missing file")
	}
}
