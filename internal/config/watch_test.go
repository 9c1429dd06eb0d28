package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "flowwatch.json")
	if err := Save(&Config{DetectionRatioThreshold: ptrFloat64(0.25)}, path); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Let the watcher register before the first change.
	time.Sleep(100 * time.Millisecond)

	// An atomic save (temp file + rename) must trigger a reload.
	if err := Save(&Config{DetectionRatioThreshold: ptrFloat64(0.5)}, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case cfg := <-got:
		if cfg.GetRatioThreshold() != 0.5 {
			t.Errorf("reloaded ratio = %f, want 0.5", cfg.GetRatioThreshold())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change never observed")
	}

	// A broken file keeps the previous config and fires no callback.
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	select {
	case <-got:
		t.Fatal("reload fired for an invalid file")
	case <-time.After(500 * time.Millisecond):
	}

	// The next valid save recovers.
	if err := Save(&Config{DetectionRatioThreshold: ptrFloat64(0.75)}, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case cfg := <-got:
		if cfg.GetRatioThreshold() != 0.75 {
			t.Errorf("reloaded ratio = %f, want 0.75", cfg.GetRatioThreshold())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recovery reload never observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/dir/flowwatch.json", func(*Config) {})
	if err == nil {
		t.Error("Expected error watching a missing directory, got nil")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "flowwatch.json")
	if err := Save(EmptyConfig(), path); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { got <- c }) }()
	time.Sleep(100 * time.Millisecond)

	// Churn on an unrelated file in the same directory.
	other := filepath.Join(tmpDir, "notes.json")
	if err := os.WriteFile(other, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-got:
		t.Fatal("sibling file change triggered a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
