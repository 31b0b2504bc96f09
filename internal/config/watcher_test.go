package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/m2mdec/internal/logging"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
}

func startWatcher[T any](t *testing.T, w *Watcher[T]) {
	t.Helper()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	// Let the watch goroutine settle before the first write.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "name = \"initial\"\nvalue = 1\n")

	received := make(chan testConfig, 1)
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })
	startWatcher(t, w)

	writeConfig(t, path, "name = \"updated\"\nvalue = 42\n")

	select {
	case cfg := <-received:
		if cfg.Name != "updated" || cfg.Value != 42 {
			t.Errorf("expected name=updated value=42, got %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestWatcherFollowsRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m2mdec.toml")
	writeConfig(t, path, "value = 1\n")

	received := make(chan testConfig, 4)
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })
	startWatcher(t, w)

	tmp := filepath.Join(dir, ".m2mdec.toml.swp")
	writeConfig(t, tmp, "value = 7\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	select {
	case cfg := <-received:
		if cfg.Value != 7 {
			t.Errorf("expected 7, got %d", cfg.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload after rename")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m2mdec.toml")
	writeConfig(t, path, "value = 1\n")

	var count atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](20*time.Millisecond))
	w.OnReload(func(testConfig) { count.Add(1) })
	startWatcher(t, w)

	writeConfig(t, filepath.Join(dir, "other.toml"), "value = 2\n")
	time.Sleep(200 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("expected no reload, got %d", got)
	}
}

func TestWatcherSharedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "name = \"test\"\nvalue = 1\n")

	var loads atomic.Int32
	loader := func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	}

	var mu sync.Mutex
	var configs []testConfig
	w := NewWatcher(path, loader, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	for range 3 {
		w.OnReload(func(cfg testConfig) {
			mu.Lock()
			configs = append(configs, cfg)
			mu.Unlock()
		})
	}
	startWatcher(t, w)

	writeConfig(t, path, "name = \"new\"\nvalue = 2\n")
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(configs) != 3 {
		t.Fatalf("expected 3 handler calls, got %d", len(configs))
	}
	for i, cfg := range configs {
		if cfg.Name != "new" || cfg.Value != 2 {
			t.Errorf("handler %d got %+v", i, cfg)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("expected 1 load, got %d", got)
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "value = 1\n")

	var last1, last2 atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(cfg testConfig) { last1.Store(int32(cfg.Value)) })
	unsub := w.OnReload(func(cfg testConfig) { last2.Store(int32(cfg.Value)) })
	startWatcher(t, w)

	writeConfig(t, path, "value = 10\n")
	time.Sleep(300 * time.Millisecond)
	unsub()
	writeConfig(t, path, "value = 20\n")
	time.Sleep(300 * time.Millisecond)

	if got := last1.Load(); got != 20 {
		t.Errorf("handler1: expected 20, got %d", got)
	}
	if got := last2.Load(); got != 10 {
		t.Errorf("handler2: expected 10, got %d", got)
	}
}

func TestWatcherErrorHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "value = 1\n")

	errs := make(chan error, 1)
	configs := make(chan testConfig, 1)
	w := NewWatcher(path, loadTestConfig, newTestLogger(),
		WithDebounce[testConfig](50*time.Millisecond),
		WithErrorHandler[testConfig](func(err error) {
			select {
			case errs <- err:
			default:
			}
		}),
	)
	w.OnReload(func(cfg testConfig) { configs <- cfg })
	startWatcher(t, w)

	writeConfig(t, path, "invalid toml [[[")

	select {
	case <-errs:
	case <-configs:
		t.Fatal("handler should not run when loading fails")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "value = 0\n")

	var count, last atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](200*time.Millisecond))
	w.OnReload(func(cfg testConfig) {
		count.Add(1)
		last.Store(int32(cfg.Value))
	})
	startWatcher(t, w)

	for i := 1; i <= 5; i++ {
		writeConfig(t, path, fmt.Sprintf("value = %d\n", i))
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 debounced reload, got %d", got)
	}
	if got := last.Load(); got != 5 {
		t.Errorf("expected final value 5, got %d", got)
	}
}

func TestWatcherStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "value = 1\n")

	var count atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](20*time.Millisecond))
	w.OnReload(func(testConfig) { count.Add(1) })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	writeConfig(t, path, "value = 99\n")
	time.Sleep(150 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("expected no reload after stop, got %d", got)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w := NewWatcher("/nonexistent/m2mdec.toml", loadTestConfig, newTestLogger())
	if err := w.Stop(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWatcherReloadsLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2mdec.toml")
	writeConfig(t, path, "[logging]\nlevel = \"info\"\n")

	received := make(chan logging.Config, 1)
	w := NewWatcher(path, ReadLoggingConfig, newTestLogger(), WithDebounce[logging.Config](50*time.Millisecond))
	w.OnReload(func(cfg logging.Config) { received <- cfg })
	startWatcher(t, w)

	writeConfig(t, path, "[logging]\nlevel = \"warn\"\n\n[logging.modules]\ndecoder = \"debug\"\n")

	select {
	case cfg := <-received:
		if cfg.Level != "warn" || cfg.Modules["decoder"] != "debug" {
			t.Errorf("unexpected logging config %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for logging reload")
	}
}
