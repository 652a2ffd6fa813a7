package signalsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FetchedStateStore is the durable, per-collaboration local replica of
// indicator records plus the collaboration's resumption checkpoint.
type FetchedStateStore interface {
	// Merge applies one delta: tombstones remove, records overwrite
	// (last write within the delta wins), and the checkpoint advances.
	// Records and checkpoint are persisted atomically with respect to
	// this collaboration; on error the prior state is untouched.
	Merge(ctx context.Context, collab string, delta *FetchDelta) error
	// Get returns a copy of the collaboration's current replica.
	Get(collab string) (map[FetchKey]IndicatorRecord, error)
	// Clear removes the collaboration's records and checkpoint. Used on
	// staleness reset or an explicit resync.
	Clear(collab string) error
	// Checkpoint returns the stored checkpoint as opaque JSON, or nil
	// when the collaboration starts from scratch.
	Checkpoint(collab string) ([]byte, error)
}

type persistedRecord struct {
	SignalType string          `json:"signalType"`
	Indicator  string          `json:"indicator"`
	Record     IndicatorRecord `json:"record"`
}

type collabState struct {
	Records    []persistedRecord `json:"records"`
	Checkpoint json.RawMessage   `json:"checkpoint,omitempty"`
	Progress   int64             `json:"progress"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type persistedState struct {
	Collabs map[string]*collabState `json:"collabs"`
}

// StateBackend persists fetched state one collaboration at a time, so a
// merge for one collaboration never rewrites another's data.
type StateBackend interface {
	Load() (*persistedState, error)
	SaveCollab(name string, state *collabState) error
	DeleteCollab(name string) error
}

type stateBackendCloser interface {
	Close() error
}

type collabMemory struct {
	mu         sync.Mutex
	records    map[FetchKey]IndicatorRecord
	checkpoint json.RawMessage
	progress   int64
}

// Store implements FetchedStateStore on top of a pluggable
// StateBackend. A nil backend keeps state in memory only.
type Store struct {
	mu      sync.Mutex
	collabs map[string]*collabMemory
	backend StateBackend
	logger  Logger
	loaded  bool
	loadErr error
	now     func() time.Time
}

type StoreOptions struct {
	Backend StateBackend
	Logger  Logger
	Now     func() time.Time
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		collabs: map[string]*collabMemory{},
		backend: opts.Backend,
		logger:  opts.Logger,
		now:     now,
	}
}

func (s *Store) ensureLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.loadErr
	}
	s.loaded = true
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		s.loadErr = fmt.Errorf("load fetched state: %w", err)
		return s.loadErr
	}
	if snapshot == nil {
		return nil
	}
	for name, state := range snapshot.Collabs {
		if state == nil {
			continue
		}
		memory := &collabMemory{
			records:    make(map[FetchKey]IndicatorRecord, len(state.Records)),
			checkpoint: cloneRaw(state.Checkpoint),
			progress:   state.Progress,
		}
		for _, entry := range state.Records {
			memory.records[FetchKey{SignalType: entry.SignalType, Indicator: entry.Indicator}] = entry.Record
		}
		s.collabs[name] = memory
	}
	s.logf("loaded fetched state for %d collaborations", len(s.collabs))
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Store) collabMemoryFor(name string) *collabMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	memory, ok := s.collabs[name]
	if !ok {
		memory = &collabMemory{records: map[FetchKey]IndicatorRecord{}}
		s.collabs[name] = memory
	}
	return memory
}

func (s *Store) Merge(ctx context.Context, collab string, delta *FetchDelta) error {
	if collab == "" {
		return fmt.Errorf("%w: collaboration name is required", ErrInvalidInput)
	}
	if delta == nil {
		return fmt.Errorf("%w: nil delta", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	memory := s.collabMemoryFor(collab)
	memory.mu.Lock()
	defer memory.mu.Unlock()

	// Apply to a copy so a backend failure leaves the prior replica and
	// checkpoint untouched.
	next := make(map[FetchKey]IndicatorRecord, len(memory.records)+len(delta.Updates))
	for key, record := range memory.records {
		next[key] = record
	}
	for _, update := range delta.Updates {
		key := update.Key()
		if update.Record == nil {
			delete(next, key)
			continue
		}
		next[key] = *update.Record
	}

	checkpoint := cloneRaw(memory.checkpoint)
	progress := memory.progress
	if delta.Checkpoint != nil {
		incoming := delta.Checkpoint.ProgressTimestamp()
		// Provisional monotonicity: a page-local highest-time can trail
		// the running maximum, so an older checkpoint never replaces a
		// newer one.
		if len(checkpoint) == 0 || incoming >= progress {
			encoded, err := json.Marshal(delta.Checkpoint)
			if err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			checkpoint = encoded
			progress = incoming
		}
	}

	if s.backend != nil {
		state := &collabState{
			Records:    sortedRecords(next),
			Checkpoint: checkpoint,
			Progress:   progress,
			UpdatedAt:  s.now().UTC(),
		}
		if err := s.backend.SaveCollab(collab, state); err != nil {
			return fmt.Errorf("persist fetched state for %s: %w", collab, err)
		}
	}
	memory.records = next
	memory.checkpoint = checkpoint
	memory.progress = progress
	return nil
}

func (s *Store) Get(collab string) (map[FetchKey]IndicatorRecord, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	memory := s.collabMemoryFor(collab)
	memory.mu.Lock()
	defer memory.mu.Unlock()
	out := make(map[FetchKey]IndicatorRecord, len(memory.records))
	for key, record := range memory.records {
		out[key] = record
	}
	return out, nil
}

func (s *Store) Clear(collab string) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	memory := s.collabMemoryFor(collab)
	memory.mu.Lock()
	defer memory.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.DeleteCollab(collab); err != nil {
			return fmt.Errorf("clear fetched state for %s: %w", collab, err)
		}
	}
	memory.records = map[FetchKey]IndicatorRecord{}
	memory.checkpoint = nil
	memory.progress = 0
	return nil
}

func (s *Store) Checkpoint(collab string) ([]byte, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	memory := s.collabMemoryFor(collab)
	memory.mu.Lock()
	defer memory.mu.Unlock()
	return cloneRaw(memory.checkpoint), nil
}

// Collabs lists collaborations with any stored state, for reporting.
func (s *Store) Collabs() ([]string, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collabs))
	for name := range s.collabs {
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func sortedRecords(records map[FetchKey]IndicatorRecord) []persistedRecord {
	keys := make([]FetchKey, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SignalType != keys[j].SignalType {
			return keys[i].SignalType < keys[j].SignalType
		}
		return keys[i].Indicator < keys[j].Indicator
	})
	out := make([]persistedRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, persistedRecord{
			SignalType: key.SignalType,
			Indicator:  key.Indicator,
			Record:     records[key],
		})
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
