package signalsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type Logger interface {
	Printf(format string, args ...any)
}

// SignalExchangeAPI is a connector to one remote signal-exchange
// system. Implementations support a subset of the capability set;
// unimplemented capabilities must return ErrNotSupported rather than
// succeed silently.
//
// FetchOnce resumes exactly where the checkpoint left off (nil means
// the source's earliest retained data) and may hold an internal paging
// cursor keyed by collaboration name across consecutive calls until
// the returned delta reports Done.
type SignalExchangeAPI interface {
	Name() string
	DecodeCheckpoint(data []byte) (Checkpoint, error)
	FetchOnce(ctx context.Context, signalTypes []string, collab *CollaborationConfig, checkpoint Checkpoint) (*FetchDelta, error)
	ReportOpinion(ctx context.Context, collab *CollaborationConfig, signalType, indicator string, opinion SignalOpinion) error
	ResolveOwner(ctx context.Context, ownerID int64) (string, error)
	OwnOwnerID(ctx context.Context, collab *CollaborationConfig) (int64, error)
}

// ExchangeSet is the explicit registry of connectors, keyed by the name
// a collaboration's api field refers to. Populated once at process
// start; no dynamic loading.
type ExchangeSet struct {
	mu     sync.RWMutex
	byName map[string]SignalExchangeAPI
}

func NewExchangeSet(apis ...SignalExchangeAPI) *ExchangeSet {
	set := &ExchangeSet{byName: map[string]SignalExchangeAPI{}}
	for _, api := range apis {
		set.Register(api)
	}
	return set
}

func (s *ExchangeSet) Register(api SignalExchangeAPI) {
	if s == nil || api == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(api.Name()))
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[name] = api
}

func (s *ExchangeSet) Lookup(name string) (SignalExchangeAPI, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	api, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return api, ok
}

func (s *ExchangeSet) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReportTruePositive records that this client agrees the indicator is
// malicious: it constructs an opinion attributed to the caller's own
// owner id and forwards it through ReportOpinion. Sources that cannot
// write back surface ErrNotSupported from the underlying calls.
func ReportTruePositive(ctx context.Context, api SignalExchangeAPI, collab *CollaborationConfig, signalType, indicator string, tags []string) error {
	return reportWithOwnID(ctx, api, collab, signalType, indicator, CategoryTruePositive, tags)
}

// ReportFalsePositive records disagreement with the indicator.
func ReportFalsePositive(ctx context.Context, api SignalExchangeAPI, collab *CollaborationConfig, signalType, indicator string, tags []string) error {
	return reportWithOwnID(ctx, api, collab, signalType, indicator, CategoryFalsePositive, tags)
}

func reportWithOwnID(ctx context.Context, api SignalExchangeAPI, collab *CollaborationConfig, signalType, indicator string, category OpinionCategory, tags []string) error {
	owner, err := api.OwnOwnerID(ctx, collab)
	if err != nil {
		return err
	}
	return api.ReportOpinion(ctx, collab, signalType, indicator, SignalOpinion{
		OwnerID:  owner,
		Category: category,
		Tags:     tags,
	})
}
