package signalsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CollabOutcome is the per-collaboration result of one sync pass. One
// collaboration's failure never aborts another's pass; callers get one
// outcome per requested collaboration, in input order.
type CollabOutcome struct {
	Collab  string
	Deltas  int
	Updates int
	Cleared bool
	Skipped bool
	Err     error
}

func (o CollabOutcome) String() string {
	switch {
	case o.Skipped:
		return fmt.Sprintf("%s: skipped (disabled)", o.Collab)
	case o.Err != nil:
		return fmt.Sprintf("%s: failed: %v", o.Collab, o.Err)
	case o.Cleared:
		return fmt.Sprintf("%s: ok, %d updates in %d deltas (stale checkpoint, refetched from scratch)", o.Collab, o.Updates, o.Deltas)
	default:
		return fmt.Sprintf("%s: ok, %d updates in %d deltas", o.Collab, o.Updates, o.Deltas)
	}
}

type DriverOptions struct {
	Exchanges   *ExchangeSet
	Store       FetchedStateStore
	SignalTypes []string
	Logger      Logger
	// MaxConcurrency bounds how many collaborations sync in parallel.
	// Zero or negative means one worker per collaboration.
	MaxConcurrency int
	Now            func() time.Time
}

// Driver runs the fetch-and-synchronize pass: for each collaboration,
// check the checkpoint for staleness, then repeat fetch -> filter ->
// merge -> checkpoint until the source reports the pass is done.
type Driver struct {
	exchanges   *ExchangeSet
	store       FetchedStateStore
	signalTypes []string
	logger      Logger
	maxParallel int
	now         func() time.Time
}

func NewDriver(opts DriverOptions) (*Driver, error) {
	if opts.Exchanges == nil {
		return nil, fmt.Errorf("%w: exchange set is required", ErrInvalidInput)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: fetched state store is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		exchanges:   opts.Exchanges,
		store:       opts.Store,
		signalTypes: opts.SignalTypes,
		logger:      opts.Logger,
		maxParallel: opts.MaxConcurrency,
		now:         now,
	}, nil
}

// SyncAll runs one pass per collaboration, concurrently. Collaborations
// share no mutable state, so ordering between them is irrelevant.
func (d *Driver) SyncAll(ctx context.Context, collabs []*CollaborationConfig) []CollabOutcome {
	outcomes := make([]CollabOutcome, len(collabs))
	limit := d.maxParallel
	if limit <= 0 || limit > len(collabs) {
		limit = len(collabs)
	}
	if limit == 0 {
		return outcomes
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, collab := range collabs {
		wg.Add(1)
		go func(i int, collab *CollaborationConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = d.SyncCollab(ctx, collab)
		}(i, collab)
	}
	wg.Wait()
	return outcomes
}

// SyncCollab runs one collaboration through the full state machine:
// load checkpoint, reset on staleness, then fetch/filter/merge until
// the source reports done.
func (d *Driver) SyncCollab(ctx context.Context, collab *CollaborationConfig) CollabOutcome {
	outcome := CollabOutcome{Collab: collabName(collab)}
	if err := collab.Validate(); err != nil {
		outcome.Err = err
		return outcome
	}
	if !collab.Enabled {
		outcome.Skipped = true
		return outcome
	}
	api, ok := d.exchanges.Lookup(collab.API)
	if !ok {
		outcome.Err = &ConfigError{Collab: collab.Name, Reason: fmt.Sprintf("unknown exchange api %q", collab.API)}
		return outcome
	}

	checkpoint, cleared, err := d.prepareCheckpoint(collab, api)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Cleared = cleared

	// Provisional monotonicity (see Merge): track the running maximum
	// progress across fetch calls of this pass, not just the last value.
	progress := int64(0)
	if checkpoint != nil {
		progress = checkpoint.ProgressTimestamp()
	}

	for {
		if err := ctx.Err(); err != nil {
			outcome.Err = err
			return outcome
		}
		delta, err := api.FetchOnce(ctx, d.signalTypes, collab, checkpoint)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		filtered := d.filterDelta(collab, delta)
		if err := d.store.Merge(ctx, collab.Name, filtered); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Deltas++
		outcome.Updates += len(filtered.Updates)
		if delta.Checkpoint != nil && (checkpoint == nil || delta.Checkpoint.ProgressTimestamp() >= progress) {
			checkpoint = delta.Checkpoint
			progress = delta.Checkpoint.ProgressTimestamp()
		}
		if delta.Done {
			return outcome
		}
	}
}

// prepareCheckpoint loads and decodes the stored checkpoint, clearing
// the collaboration's replica when the checkpoint is stale or can no
// longer be decoded (both make resumption unsafe).
func (d *Driver) prepareCheckpoint(collab *CollaborationConfig, api SignalExchangeAPI) (Checkpoint, bool, error) {
	raw, err := d.store.Checkpoint(collab.Name)
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	checkpoint, err := api.DecodeCheckpoint(raw)
	if err != nil {
		d.logf("collab %s: discarding undecodable checkpoint: %v", collab.Name, err)
		if clearErr := d.store.Clear(collab.Name); clearErr != nil {
			return nil, false, clearErr
		}
		return nil, true, nil
	}
	if checkpoint.IsStale(d.now()) {
		d.logf("collab %s: checkpoint is stale, clearing fetched state and refetching", collab.Name)
		if clearErr := d.store.Clear(collab.Name); clearErr != nil {
			return nil, false, clearErr
		}
		return nil, true, nil
	}
	return checkpoint, false, nil
}

// filterDelta gates what gets persisted: record updates go through the
// collaboration's rules, tombstones pass through only for admitted
// signal types (nothing for other types was ever stored).
func (d *Driver) filterDelta(collab *CollaborationConfig, delta *FetchDelta) *FetchDelta {
	filtered := &FetchDelta{
		Updates:    make([]IndicatorUpdate, 0, len(delta.Updates)),
		Checkpoint: delta.Checkpoint,
		Done:       delta.Done,
	}
	for _, update := range delta.Updates {
		if !collab.AdmitsSignalType(update.SignalType) {
			continue
		}
		if update.Record == nil {
			filtered.Updates = append(filtered.Updates, update)
			continue
		}
		record := collab.FilterRecord(update.SignalType, update.Record)
		if record == nil {
			continue
		}
		filtered.Updates = append(filtered.Updates, IndicatorUpdate{
			SignalType: update.SignalType,
			Indicator:  update.Indicator,
			Record:     record,
		})
	}
	return filtered
}

func (d *Driver) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func collabName(collab *CollaborationConfig) string {
	if collab == nil {
		return ""
	}
	return collab.Name
}
