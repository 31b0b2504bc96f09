package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

// reset clears package state and captures console output in buf.
func reset(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	mutex.Lock()
	loggers = make(map[string]*slog.Logger)
	levels = make(map[string]*slog.LevelVar)
	current = Config{}
	configured = false
	output = buf
	history = NewHistory(historySize)
	mutex.Unlock()

	t.Cleanup(func() {
		mutex.Lock()
		output = nil
		mutex.Unlock()
	})
}

func TestModuleLevelOverride(t *testing.T) {
	reset(t, &bytes.Buffer{})

	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"device": "debug", "api": "warn"},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"device", true, true, true},
		{"api", false, false, true},
		{"decoder", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestLoggerBeforeInitialize(t *testing.T) {
	reset(t, &bytes.Buffer{})

	before := GetLogger("source")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"source": "debug"}})

	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("existing logger should follow the new module level")
	}
	if Level("source") != slog.LevelDebug {
		t.Errorf("expected debug, got %v", Level("source"))
	}

	Initialize(Config{Level: "error"})
	if before.Handler().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("reinitialising should lower the level again")
	}
}

func TestOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	reset(t, &buf)
	Initialize(Config{Level: "debug", Format: "json"})

	GetLogger("sink").Debug("frame written", "buffer_id", 3)

	out := buf.String()
	if !strings.Contains(out, `"msg":"frame written"`) || !strings.Contains(out, `"module":"sink"`) {
		t.Errorf("unexpected json output: %s", out)
	}
}

func TestHistory(t *testing.T) {
	reset(t, &bytes.Buffer{})
	Initialize(Config{Level: "info"})

	dec := GetLogger("decoder").With("session", "abc")
	dec.Info("started", "epoch", 1)
	dec.Debug("hidden")
	GetLogger("api").Warn("slow request")
	dec.WithGroup("pool").Info("counts", "free", 4)

	all := Recent("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[2].Message != "counts" || all[2].Attrs["pool.free"] != "4" {
		t.Errorf("unexpected grouped entry %+v", all[2])
	}

	decoder := Recent("decoder", 1)
	if len(decoder) != 1 || decoder[0].Message != "counts" {
		t.Fatalf("expected the newest decoder entry, got %+v", decoder)
	}
	first := Recent("decoder", 0)[0]
	if first.Module != "decoder" || first.Level != "info" || first.Attrs["session"] != "abc" || first.Attrs["epoch"] != "1" {
		t.Errorf("unexpected entry %+v", first)
	}
}

func TestHistoryWraps(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Entry{Message: string(rune('a' + i))})
	}

	got := h.Recent("", 0)
	if len(got) != 3 || got[0].Message != "c" || got[2].Message != "e" {
		t.Errorf("expected c d e, got %+v", got)
	}
	if got := h.Recent("", 2); len(got) != 2 || got[0].Message != "d" {
		t.Errorf("expected d e, got %+v", got)
	}
}

func TestMultiHandler(t *testing.T) {
	var buf bytes.Buffer
	debug := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	info := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debug, info)).With("module", "test")
	logger.Debug("debug only")
	logger.Info("both")

	out := buf.String()
	if n := strings.Count(out, "debug only"); n != 1 {
		t.Errorf("expected 1 debug line, got %d: %s", n, out)
	}
	if n := strings.Count(out, "both"); n != 2 {
		t.Errorf("expected 2 info lines, got %d: %s", n, out)
	}
}

func TestJournalField(t *testing.T) {
	fields := map[string]string{}
	journalField(fields, "", slog.String("input-id", "7"))
	journalField(fields, "", slog.Group("pool", slog.Int("free", 2)))
	journalField(fields, "", slog.Float64("ratio", 0.5))

	want := map[string]string{"INPUT_ID": "7", "POOL_FREE": "2", "RATIO": "0.5"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s: expected %q, got %q", k, v, fields[k])
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
