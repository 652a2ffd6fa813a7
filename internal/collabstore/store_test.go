package collabstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/threatworks/signalsync/internal/signalsync"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return store, dir
}

func TestStoreUpdateAndGet(t *testing.T) {
	store, dir := newTestStore(t)
	config := &signalsync.CollaborationConfig{
		Name:    "media-priority",
		API:     "texchange",
		Enabled: true,
		Params:  map[string]string{"group": "g-100"},
	}
	if err := store.Update(config); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "media-priority.json")); err != nil {
		t.Fatalf("expected config file on disk: %v", err)
	}

	got, err := store.Get("media-priority")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.API != "texchange" || got.Params["group"] != "g-100" {
		t.Fatalf("unexpected config %+v", got)
	}

	if _, err := store.Get("missing"); !errors.Is(err, signalsync.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreGetAllSortedAndCached(t *testing.T) {
	store, dir := newTestStore(t)
	for _, name := range []string{"zeta", "alpha"} {
		if err := store.Update(&signalsync.CollaborationConfig{Name: name, API: "sample"}); err != nil {
			t.Fatalf("update %s failed: %v", name, err)
		}
	}
	configs, err := store.GetAll()
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(configs) != 2 || configs[0].Name != "alpha" || configs[1].Name != "zeta" {
		t.Fatalf("expected sorted configs, got %+v", configs)
	}

	// A write that bypasses the store is invisible until Invalidate.
	bypass := []byte(`{"name": "gamma", "api": "sample"}`)
	if err := os.WriteFile(filepath.Join(dir, "gamma.json"), bypass, 0o644); err != nil {
		t.Fatalf("bypass write failed: %v", err)
	}
	configs, _ = store.GetAll()
	if len(configs) != 2 {
		t.Fatalf("expected cached view, got %+v", configs)
	}
	store.Invalidate()
	configs, _ = store.GetAll()
	if len(configs) != 3 {
		t.Fatalf("expected fresh view after invalidate, got %+v", configs)
	}
}

func TestStoreSkipsInvalidFiles(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Update(&signalsync.CollaborationConfig{Name: "good", API: "sample"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// Missing required api field.
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"name": "bad"}`), 0o644); err != nil {
		t.Fatalf("write bad config: %v", err)
	}
	// Not JSON at all.
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write junk config: %v", err)
	}
	store.Invalidate()

	configs, err := store.GetAll()
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(configs) != 1 || configs[0].Name != "good" {
		t.Fatalf("expected only the valid config, got %+v", configs)
	}
}

func TestStoreUpdateRejectsSchemaViolations(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Update(&signalsync.CollaborationConfig{API: "sample"}); err == nil {
		t.Fatalf("expected validation failure for missing name")
	}
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Update(&signalsync.CollaborationConfig{Name: "c", API: "sample"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Delete("c"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get("c"); !errors.Is(err, signalsync.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete("c"); !errors.Is(err, signalsync.ErrNotFound) {
		t.Fatalf("expected not found for repeated delete, got %v", err)
	}
}
