package signalsync

import (
	"sort"
	"time"
)

type OpinionCategory string

const (
	CategoryTruePositive       OpinionCategory = "TRUE_POSITIVE"
	CategoryFalsePositive      OpinionCategory = "FALSE_POSITIVE"
	CategoryWorthInvestigating OpinionCategory = "WORTH_INVESTIGATING"
)

// SignalOpinion is one owner's verdict on an indicator. CorrelationID
// carries a source-specific handle (e.g. a remote descriptor id) so
// write-backs can reference the original record.
type SignalOpinion struct {
	OwnerID       int64           `json:"ownerId"`
	Category      OpinionCategory `json:"category"`
	Tags          []string        `json:"tags,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// IndicatorRecord is the merged view of an indicator within one
// collaboration: at most one opinion per owner.
type IndicatorRecord struct {
	Opinions []SignalOpinion `json:"opinions"`
}

// FetchKey identifies an indicator record within a collaboration.
type FetchKey struct {
	SignalType string `json:"signalType"`
	Indicator  string `json:"indicator"`
}

// IndicatorUpdate is one entry of a delta. A nil Record is a tombstone:
// the key must be removed from the local replica.
type IndicatorUpdate struct {
	SignalType string
	Indicator  string
	Record     *IndicatorRecord
}

func (u IndicatorUpdate) Key() FetchKey {
	return FetchKey{SignalType: u.SignalType, Indicator: u.Indicator}
}

// Checkpoint is a source-defined resumption marker. Sources own the
// concrete shape; the store only ever sees it as opaque JSON plus the
// two predicates below.
type Checkpoint interface {
	// ProgressTimestamp is a monotonic ordering key within one source.
	ProgressTimestamp() int64
	// IsStale reports whether resuming from this checkpoint is unsafe
	// because the source no longer retains the deletion records needed
	// to reconcile the local replica.
	IsStale(now time.Time) bool
}

// FetchDelta is one incremental batch from a source. Updates preserve
// arrival order; later entries for the same key win. Done is true once
// the current pagination pass has reached the source's head.
type FetchDelta struct {
	Updates    []IndicatorUpdate
	Checkpoint Checkpoint
	Done       bool
}

// ReconcileOpinions combines explicit opinions (from primary signal
// records) with implicit ones (reaction-style signals). An explicit
// opinion always wins for its owner; implicit opinions fill in only for
// owners with no explicit one. A nil return means no determinable
// verdict and the indicator must be dropped from the delta.
func ReconcileOpinions(explicit map[int64]SignalOpinion, implicit map[int64]OpinionCategory) *IndicatorRecord {
	merged := make(map[int64]SignalOpinion, len(explicit)+len(implicit))
	for owner, opinion := range explicit {
		opinion.OwnerID = owner
		merged[owner] = opinion
	}
	for owner, category := range implicit {
		if _, ok := merged[owner]; ok {
			continue
		}
		merged[owner] = SignalOpinion{OwnerID: owner, Category: category}
	}
	if len(merged) == 0 {
		return nil
	}
	owners := make([]int64, 0, len(merged))
	for owner := range merged {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	record := &IndicatorRecord{Opinions: make([]SignalOpinion, 0, len(owners))}
	for _, owner := range owners {
		record.Opinions = append(record.Opinions, merged[owner])
	}
	return record
}
