package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const watcherYAMLv1 = `
server:
  log_level: info
providers:
  - {id: a, vendor: v1, tier: 1, kind: cli, cli: {command: x}}
  - {id: b, vendor: v2, tier: 1, kind: cli, cli: {command: y}}
`

const watcherYAMLv2 = `
server:
  log_level: debug
providers:
  - {id: a, vendor: v1, tier: 1, kind: cli, cli: {command: x}}
  - {id: b, vendor: v2, tier: 1, kind: cli, cli: {command: y}}
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Polling uses mtime as the fast path; nudge it so back-to-back writes
	// within the filesystem's timestamp resolution are still noticed.
	past := time.Now().Add(-time.Duration(len(content)) * time.Millisecond)
	_ = os.Chtimes(path, past, past)
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Fatalf("initial log level = %s, want info", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "server:\n  log_level: loud\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("invalid initial config should fail construction")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	var (
		mu      sync.Mutex
		changes []ConfigDiff
	)
	onChange := func(old, new *Config) {
		mu.Lock()
		changes = append(changes, Diff(old, new))
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherYAMLv2)

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not report the change")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !changes[0].LogLevelChanged || changes[0].NewLogLevel != LogDebug {
		t.Fatalf("diff = %+v", changes[0])
	}
	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Fatalf("current log level = %s, want debug", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	var called atomic.Bool
	w, err := NewWatcher(path, func(_, _ *Config) { called.Store(true) }, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: loud\n")
	time.Sleep(100 * time.Millisecond)

	if called.Load() {
		t.Fatal("invalid update must not trigger the callback")
	}
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Fatalf("current log level = %s, want the previous valid config", got)
	}
}
