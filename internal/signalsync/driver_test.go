package signalsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// scriptedAPI replays a fixed sequence of deltas and records the
// checkpoints it was resumed from.
type scriptedAPI struct {
	name        string
	deltas      []*FetchDelta
	fetchErr    error
	calls       int
	checkpoints []Checkpoint
}

func (a *scriptedAPI) Name() string { return a.name }

func (a *scriptedAPI) DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var checkpoint testCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (a *scriptedAPI) FetchOnce(ctx context.Context, signalTypes []string, collab *CollaborationConfig, checkpoint Checkpoint) (*FetchDelta, error) {
	a.checkpoints = append(a.checkpoints, checkpoint)
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if a.calls >= len(a.deltas) {
		return &FetchDelta{Done: true}, nil
	}
	delta := a.deltas[a.calls]
	a.calls++
	return delta, nil
}

func (a *scriptedAPI) ReportOpinion(ctx context.Context, collab *CollaborationConfig, signalType, indicator string, opinion SignalOpinion) error {
	return ErrNotSupported
}

func (a *scriptedAPI) ResolveOwner(ctx context.Context, ownerID int64) (string, error) {
	return "", ErrNotSupported
}

func (a *scriptedAPI) OwnOwnerID(ctx context.Context, collab *CollaborationConfig) (int64, error) {
	return 0, ErrNotSupported
}

func newTestDriver(t *testing.T, api SignalExchangeAPI) (*Driver, *Store) {
	t.Helper()
	store := NewStore(StoreOptions{})
	driver, err := NewDriver(DriverOptions{
		Exchanges: NewExchangeSet(api),
		Store:     store,
	})
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	return driver, store
}

func enabledCollab(name, api string) *CollaborationConfig {
	return &CollaborationConfig{Name: name, API: api, Enabled: true}
}

func TestSyncCollabMergesMultipleDeltas(t *testing.T) {
	api := &scriptedAPI{
		name: "scripted",
		deltas: []*FetchDelta{
			{
				Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)}},
				Checkpoint: &testCheckpoint{Progress: 100},
			},
			{
				Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "bbb", Record: recordWith(7, CategoryTruePositive)}},
				Checkpoint: &testCheckpoint{Progress: 200},
				Done:       true,
			},
		},
	}
	driver, store := newTestDriver(t, api)

	outcome := driver.SyncCollab(context.Background(), enabledCollab("c", "scripted"))
	if outcome.Err != nil {
		t.Fatalf("sync failed: %v", outcome.Err)
	}
	if outcome.Deltas != 2 || outcome.Updates != 2 {
		t.Fatalf("expected 2 deltas with 2 updates, got %+v", outcome)
	}
	records, _ := store.Get("c")
	if len(records) != 2 {
		t.Fatalf("expected 2 stored records, got %+v", records)
	}
	raw, _ := store.Checkpoint("c")
	if string(raw) != `{"progress":200}` {
		t.Fatalf("expected final checkpoint 200, got %s", raw)
	}
	// The second fetch resumes from the first delta's checkpoint.
	if len(api.checkpoints) != 2 || api.checkpoints[0] != nil {
		t.Fatalf("unexpected resume checkpoints %+v", api.checkpoints)
	}
	if api.checkpoints[1] == nil || api.checkpoints[1].ProgressTimestamp() != 100 {
		t.Fatalf("expected second fetch to resume from 100, got %+v", api.checkpoints[1])
	}
}

func TestSyncCollabCheckpointRunsForward(t *testing.T) {
	// A page-local checkpoint can trail the running maximum; the lower
	// value must not be handed to the next fetch.
	api := &scriptedAPI{
		name: "scripted",
		deltas: []*FetchDelta{
			{Checkpoint: &testCheckpoint{Progress: 100}},
			{Checkpoint: &testCheckpoint{Progress: 50}},
			{Checkpoint: &testCheckpoint{Progress: 120}, Done: true},
		},
	}
	driver, store := newTestDriver(t, api)

	outcome := driver.SyncCollab(context.Background(), enabledCollab("c", "scripted"))
	if outcome.Err != nil {
		t.Fatalf("sync failed: %v", outcome.Err)
	}
	if got := api.checkpoints[2].ProgressTimestamp(); got != 100 {
		t.Fatalf("expected third fetch to resume from the running maximum 100, got %d", got)
	}
	raw, _ := store.Checkpoint("c")
	if string(raw) != `{"progress":120}` {
		t.Fatalf("expected stored checkpoint 120, got %s", raw)
	}
}

func TestSyncCollabStaleCheckpointRefetchesFromScratch(t *testing.T) {
	api := &scriptedAPI{
		name: "scripted",
		deltas: []*FetchDelta{
			{
				Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "fresh", Record: recordWith(7, CategoryTruePositive)}},
				Checkpoint: &testCheckpoint{Progress: 500},
				Done:       true,
			},
		},
	}
	driver, store := newTestDriver(t, api)
	ctx := context.Background()

	// Seed a replica whose checkpoint reports itself stale.
	if err := store.Merge(ctx, "c", &FetchDelta{
		Updates:    []IndicatorUpdate{{SignalType: "pdq", Indicator: "old", Record: recordWith(7, CategoryTruePositive)}},
		Checkpoint: &testCheckpoint{Progress: 100, Stale: true},
	}); err != nil {
		t.Fatalf("seed merge failed: %v", err)
	}

	outcome := driver.SyncCollab(ctx, enabledCollab("c", "scripted"))
	if outcome.Err != nil {
		t.Fatalf("sync failed: %v", outcome.Err)
	}
	if !outcome.Cleared {
		t.Fatalf("expected outcome to report the stale reset, got %+v", outcome)
	}
	if api.checkpoints[0] != nil {
		t.Fatalf("expected fetch to restart from scratch, got %+v", api.checkpoints[0])
	}
	records, _ := store.Get("c")
	if _, ok := records[FetchKey{SignalType: "pdq", Indicator: "old"}]; ok {
		t.Fatalf("expected stale replica to be cleared, got %+v", records)
	}
	if _, ok := records[FetchKey{SignalType: "pdq", Indicator: "fresh"}]; !ok {
		t.Fatalf("expected refetched record, got %+v", records)
	}
}

func TestSyncCollabUndecodableCheckpointResets(t *testing.T) {
	api := &scriptedAPI{name: "scripted", deltas: []*FetchDelta{{Done: true}}}
	store := NewStore(StoreOptions{})
	driver, err := NewDriver(DriverOptions{Exchanges: NewExchangeSet(api), Store: store})
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	// Force an unparsable checkpoint into the store through a merge with
	// a checkpoint type the API cannot decode.
	if err := store.Merge(context.Background(), "c", &FetchDelta{Checkpoint: badCheckpoint{}}); err != nil {
		t.Fatalf("seed merge failed: %v", err)
	}

	outcome := driver.SyncCollab(context.Background(), enabledCollab("c", "scripted"))
	if outcome.Err != nil {
		t.Fatalf("sync failed: %v", outcome.Err)
	}
	if !outcome.Cleared {
		t.Fatalf("expected reset on undecodable checkpoint, got %+v", outcome)
	}
}

// badCheckpoint marshals to a JSON array, which no checkpoint type
// decodes.
type badCheckpoint struct{}

func (badCheckpoint) ProgressTimestamp() int64 { return 0 }

func (badCheckpoint) IsStale(now time.Time) bool { return false }

func (badCheckpoint) MarshalJSON() ([]byte, error) { return []byte(`[1,2,3]`), nil }

func TestSyncCollabSkipsDisabled(t *testing.T) {
	api := &scriptedAPI{name: "scripted"}
	driver, _ := newTestDriver(t, api)
	outcome := driver.SyncCollab(context.Background(), &CollaborationConfig{Name: "c", API: "scripted"})
	if !outcome.Skipped || outcome.Err != nil {
		t.Fatalf("expected disabled collab to be skipped, got %+v", outcome)
	}
	if len(api.checkpoints) != 0 {
		t.Fatalf("expected no fetches for a disabled collab")
	}
}

func TestSyncCollabUnknownAPIIsConfigError(t *testing.T) {
	driver, _ := newTestDriver(t, &scriptedAPI{name: "scripted"})
	outcome := driver.SyncCollab(context.Background(), enabledCollab("c", "no-such-api"))
	if !errors.Is(outcome.Err, ErrConfig) {
		t.Fatalf("expected config error for unknown api, got %v", outcome.Err)
	}
}

func TestSyncCollabAppliesCollaborationFilters(t *testing.T) {
	api := &scriptedAPI{
		name: "scripted",
		deltas: []*FetchDelta{{
			Updates: []IndicatorUpdate{
				{SignalType: "pdq", Indicator: "kept", Record: recordWith(7, CategoryTruePositive)},
				{SignalType: "md5", Indicator: "wrong-type", Record: recordWith(7, CategoryTruePositive)},
				{SignalType: "pdq", Indicator: "wrong-owner", Record: recordWith(13, CategoryTruePositive)},
				{SignalType: "pdq", Indicator: "tombstone"},
				{SignalType: "md5", Indicator: "foreign-tombstone"},
			},
			Done: true,
		}},
	}
	driver, store := newTestDriver(t, api)

	collab := enabledCollab("c", "scripted")
	collab.OnlySignalTypes = []string{"pdq"}
	collab.NotOwners = []int64{13}

	outcome := driver.SyncCollab(context.Background(), collab)
	if outcome.Err != nil {
		t.Fatalf("sync failed: %v", outcome.Err)
	}
	// One admitted record plus the admitted-type tombstone.
	if outcome.Updates != 2 {
		t.Fatalf("expected 2 surviving updates, got %+v", outcome)
	}
	records, _ := store.Get("c")
	if len(records) != 1 {
		t.Fatalf("expected exactly the admitted record, got %+v", records)
	}
	if _, ok := records[FetchKey{SignalType: "pdq", Indicator: "kept"}]; !ok {
		t.Fatalf("expected pdq/kept to be stored, got %+v", records)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	good := &scriptedAPI{name: "good", deltas: []*FetchDelta{{
		Updates: []IndicatorUpdate{{SignalType: "pdq", Indicator: "aaa", Record: recordWith(7, CategoryTruePositive)}},
		Done:    true,
	}}}
	bad := &scriptedAPI{name: "bad", fetchErr: &FetchError{StatusCode: 500, Message: "boom", Transient: true}}

	store := NewStore(StoreOptions{})
	driver, err := NewDriver(DriverOptions{
		Exchanges:      NewExchangeSet(good, bad),
		Store:          store,
		MaxConcurrency: 1,
	})
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	outcomes := driver.SyncAll(context.Background(), []*CollaborationConfig{
		enabledCollab("broken", "bad"),
		enabledCollab("healthy", "good"),
	})
	if len(outcomes) != 2 {
		t.Fatalf("expected one outcome per collab, got %d", len(outcomes))
	}
	if outcomes[0].Collab != "broken" || !errors.Is(outcomes[0].Err, ErrTransientFetch) {
		t.Fatalf("unexpected outcome for broken collab: %+v", outcomes[0])
	}
	if outcomes[1].Collab != "healthy" || outcomes[1].Err != nil {
		t.Fatalf("expected healthy collab to succeed, got %+v", outcomes[1])
	}
	records, _ := store.Get("healthy")
	if len(records) != 1 {
		t.Fatalf("expected healthy collab's record to be stored, got %+v", records)
	}
}

func TestSyncCollabHonorsContextCancellation(t *testing.T) {
	api := &scriptedAPI{name: "scripted", deltas: []*FetchDelta{{Done: true}}}
	driver, _ := newTestDriver(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := driver.SyncCollab(ctx, enabledCollab("c", "scripted"))
	if !errors.Is(outcome.Err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", outcome.Err)
	}
}
