package signalsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testCheckpoint struct {
	Progress int64 `json:"progress"`
	Stale    bool  `json:"stale,omitempty"`
}

func (c *testCheckpoint) ProgressTimestamp() int64 { return c.Progress }

func (c *testCheckpoint) IsStale(now time.Time) bool { return c.Stale }

func recordWith(owner int64, category OpinionCategory) *IndicatorRecord {
	return &IndicatorRecord{Opinions: []SignalOpinion{{OwnerID: owner, Category: category}}}
}

func TestStoreMergeIsIdempotent(t *testing.T) {
	store := NewStore(StoreOptions{})
	delta := &FetchDelta{
		Updates: []IndicatorUpdate{
			{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)},
			{SignalType: "md5", Indicator: "bbb", Record: recordWith(8, CategoryFalsePositive)},
		},
		Checkpoint: &testCheckpoint{Progress: 100},
	}
	for i := 0; i < 2; i++ {
		if err := store.Merge(context.Background(), "c", delta); err != nil {
			t.Fatalf("merge %d failed: %v", i, err)
		}
	}
	records, err := store.Get("c")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after repeated merge, got %d", len(records))
	}
	got, ok := records[FetchKey{SignalType: "pdq", Indicator: "aaa"}]
	if !ok || got.Opinions[0].OwnerID != 7 {
		t.Fatalf("unexpected pdq record %+v", got)
	}
}

func TestStoreMergeTombstoneRemoves(t *testing.T) {
	store := NewStore(StoreOptions{})
	ctx := context.Background()
	if err := store.Merge(ctx, "c", &FetchDelta{Updates: []IndicatorUpdate{
		{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)},
	}}); err != nil {
		t.Fatalf("seed merge failed: %v", err)
	}
	// Removing a key that was never stored is a no-op, not an error.
	if err := store.Merge(ctx, "c", &FetchDelta{Updates: []IndicatorUpdate{
		{SignalType: "pdq", Indicator: "aaa"},
		{SignalType: "pdq", Indicator: "never-stored"},
	}}); err != nil {
		t.Fatalf("tombstone merge failed: %v", err)
	}
	records, err := store.Get("c")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty replica after tombstones, got %+v", records)
	}
}

func TestStoreMergeLastUpdateWinsWithinDelta(t *testing.T) {
	store := NewStore(StoreOptions{})
	if err := store.Merge(context.Background(), "c", &FetchDelta{Updates: []IndicatorUpdate{
		{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)},
		{SignalType: "pdq", Indicator: "aaa", Record: recordWith(9, CategoryFalsePositive)},
	}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	records, _ := store.Get("c")
	got := records[FetchKey{SignalType: "pdq", Indicator: "aaa"}]
	if len(got.Opinions) != 1 || got.Opinions[0].OwnerID != 9 {
		t.Fatalf("expected the later update to win, got %+v", got)
	}
}

func TestStoreCheckpointNeverRegresses(t *testing.T) {
	store := NewStore(StoreOptions{})
	ctx := context.Background()
	if err := store.Merge(ctx, "c", &FetchDelta{Checkpoint: &testCheckpoint{Progress: 100}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := store.Merge(ctx, "c", &FetchDelta{Checkpoint: &testCheckpoint{Progress: 60}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	raw, err := store.Checkpoint("c")
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if string(raw) != `{"progress":100}` {
		t.Fatalf("expected checkpoint to stay at progress 100, got %s", raw)
	}
	if err := store.Merge(ctx, "c", &FetchDelta{Checkpoint: &testCheckpoint{Progress: 140}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	raw, _ = store.Checkpoint("c")
	if string(raw) != `{"progress":140}` {
		t.Fatalf("expected checkpoint to advance to 140, got %s", raw)
	}
}

func TestStoreClearResetsReplicaAndCheckpoint(t *testing.T) {
	store := NewStore(StoreOptions{})
	ctx := context.Background()
	if err := store.Merge(ctx, "c", &FetchDelta{
		Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)}},
		Checkpoint: &testCheckpoint{Progress: 100},
	}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := store.Clear("c"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	records, _ := store.Get("c")
	if len(records) != 0 {
		t.Fatalf("expected no records after clear, got %+v", records)
	}
	raw, _ := store.Checkpoint("c")
	if raw != nil {
		t.Fatalf("expected no checkpoint after clear, got %s", raw)
	}
	// After a clear the next checkpoint is accepted regardless of progress.
	if err := store.Merge(ctx, "c", &FetchDelta{Checkpoint: &testCheckpoint{Progress: 5}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	raw, _ = store.Checkpoint("c")
	if string(raw) != `{"progress":5}` {
		t.Fatalf("expected fresh checkpoint at progress 5, got %s", raw)
	}
}

func TestStoreCollabsAreIsolated(t *testing.T) {
	store := NewStore(StoreOptions{})
	ctx := context.Background()
	if err := store.Merge(ctx, "a", &FetchDelta{Updates: []IndicatorUpdate{
		{SignalType: "pdq", Indicator: "shared", Record: recordWith(7, CategoryTruePositive)},
	}}); err != nil {
		t.Fatalf("merge a failed: %v", err)
	}
	if err := store.Merge(ctx, "b", &FetchDelta{Updates: []IndicatorUpdate{
		{SignalType: "pdq", Indicator: "shared"},
	}}); err != nil {
		t.Fatalf("merge b failed: %v", err)
	}
	records, _ := store.Get("a")
	if len(records) != 1 {
		t.Fatalf("expected collab a untouched by collab b's tombstone, got %+v", records)
	}
}

func TestStoreReloadsFromBackend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewStore(StoreOptions{Backend: NewJSONDirStateBackend(dir)})
	if err := store.Merge(ctx, "c", &FetchDelta{
		Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)}},
		Checkpoint: &testCheckpoint{Progress: 100},
	}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	reopened := NewStore(StoreOptions{Backend: NewJSONDirStateBackend(dir)})
	records, err := reopened.Get("c")
	if err != nil {
		t.Fatalf("get after reload failed: %v", err)
	}
	got, ok := records[FetchKey{SignalType: "pdq", Indicator: "aaa"}]
	if !ok || got.Opinions[0].OwnerID != 7 {
		t.Fatalf("expected persisted record to survive reload, got %+v", records)
	}
	raw, err := reopened.Checkpoint("c")
	if err != nil {
		t.Fatalf("checkpoint after reload failed: %v", err)
	}
	if string(raw) != `{"progress":100}` {
		t.Fatalf("expected persisted checkpoint to survive reload, got %s", raw)
	}
}

type failingBackend struct {
	saveErr error
}

func (b *failingBackend) Load() (*persistedState, error) { return nil, nil }

func (b *failingBackend) SaveCollab(name string, state *collabState) error { return b.saveErr }

func (b *failingBackend) DeleteCollab(name string) error { return nil }

func TestStoreMergeKeepsPriorStateOnBackendFailure(t *testing.T) {
	backend := &failingBackend{}
	store := NewStore(StoreOptions{Backend: backend})
	ctx := context.Background()
	if err := store.Merge(ctx, "c", &FetchDelta{
		Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)}},
		Checkpoint: &testCheckpoint{Progress: 100},
	}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	backend.saveErr = errors.New("disk full")
	err := store.Merge(ctx, "c", &FetchDelta{
		Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa"}},
		Checkpoint: &testCheckpoint{Progress: 200},
	})
	if err == nil {
		t.Fatalf("expected merge to surface the backend failure")
	}

	records, _ := store.Get("c")
	if len(records) != 1 {
		t.Fatalf("expected replica untouched after failed merge, got %+v", records)
	}
	raw, _ := store.Checkpoint("c")
	if string(raw) != `{"progress":100}` {
		t.Fatalf("expected checkpoint untouched after failed merge, got %s", raw)
	}
}

func TestStoreMergeValidatesInput(t *testing.T) {
	store := NewStore(StoreOptions{})
	if err := store.Merge(context.Background(), "", &FetchDelta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty collab name, got %v", err)
	}
	if err := store.Merge(context.Background(), "c", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil delta, got %v", err)
	}
}
