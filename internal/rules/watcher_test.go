package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("- id: OLD\n  severity: 1\n  pattern: old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(nil)
	if _, err := s.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reloaded := make(chan LoadResult, 1)
	w := NewWatcher(s, path, 20*time.Millisecond, nil)
	w.OnReload(func(res LoadResult) {
		select {
		case reloaded <- res:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The watch is registered asynchronously, so keep rewriting until a
	// reload is observed.
	updated := []byte("- id: NEW\n  severity: 3\n  pattern: new\n")
	deadline := time.After(5 * time.Second)
	var res LoadResult
wait:
	for {
		if err := os.WriteFile(path, updated, 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case res = <-reloaded:
			break wait
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("rule file change was not reloaded")
		}
	}

	if res.Loaded != 1 {
		t.Errorf("Loaded = %d, want 1", res.Loaded)
	}
	snap := s.Snapshot()
	if _, ok := snap.Get("NEW"); !ok {
		t.Error("NEW should be active after reload")
	}
	if _, ok := snap.Get("OLD"); ok {
		t.Error("OLD should be gone after reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestWatcher_ReloadKeepsSetOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("- id: R1\n  severity: 8\n  pattern: port:4444\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(nil)
	if _, err := s.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	w := NewWatcher(s, path, 0, nil)
	reloads := 0
	w.OnReload(func(LoadResult) { reloads++ })

	for _, doc := range []string{"", "- id: R2\n  severity: 99\n  pattern: x\n"} {
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		w.reload()
	}

	if reloads != 0 {
		t.Errorf("OnReload called %d times, want 0", reloads)
	}
	if _, ok := s.Snapshot().Get("R1"); !ok {
		t.Error("R1 should stay active after an empty or fully rejected rewrite")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(NewStore(nil), filepath.Join(t.TempDir(), "absent", "rules.yaml"), 0, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("Run() error = nil, want watch failure")
	}
}
