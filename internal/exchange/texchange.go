package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/threatworks/signalsync/internal/signalsync"
)

const TExchangeAPIName = "texchange"

// The exchange retains deletion records for roughly 90 days. Resuming a
// checkpoint older than the conservative threshold below cannot observe
// expired tombstones, so the whole dataset must be refetched.
const (
	texchangeRetention      = 90 * 24 * time.Hour
	texchangeStaleThreshold = 85 * 24 * time.Hour
	texchangePageSize       = 500
)

// TExchangeCheckpoint tracks progress through a /threat_updates-style
// tailing endpoint. UpdateTime is the highest update timestamp merged
// so far; LastFetchTime anchors the staleness window.
type TExchangeCheckpoint struct {
	UpdateTime    int64 `json:"updateTime"`
	LastFetchTime int64 `json:"lastFetchTime"`
}

func (c *TExchangeCheckpoint) ProgressTimestamp() int64 {
	return c.UpdateTime
}

func (c *TExchangeCheckpoint) IsStale(now time.Time) bool {
	return now.Unix()-c.LastFetchTime > int64(texchangeStaleThreshold/time.Second)
}

type threatReaction struct {
	Key     string `json:"key"`
	OwnerID int64  `json:"owner"`
}

type threatDescriptor struct {
	ID    string `json:"id"`
	Owner struct {
		ID int64 `json:"id"`
	} `json:"owner"`
	Status    string           `json:"status"`
	Tags      []string         `json:"tags,omitempty"`
	Reactions []threatReaction `json:"reactions,omitempty"`
}

type threatUpdate struct {
	Indicator    string             `json:"indicator"`
	Type         string             `json:"type"`
	LastUpdated  int64              `json:"last_updated"`
	ShouldDelete bool               `json:"should_delete"`
	Descriptors  []threatDescriptor `json:"descriptors,omitempty"`
}

type threatUpdatesPage struct {
	Data       []threatUpdate `json:"data"`
	NextCursor *string        `json:"nextCursor"`
}

// recordFromThreatUpdate turns one wire update into a merged indicator
// record. Descriptor rows yield explicit opinions keyed by owner;
// reaction rows yield implicit ones. An update that reconciles to zero
// opinions carries no determinable verdict and is dropped entirely.
func recordFromThreatUpdate(update threatUpdate) (*signalsync.IndicatorRecord, bool) {
	if update.ShouldDelete {
		return nil, true
	}
	explicit := map[int64]signalsync.SignalOpinion{}
	implicit := map[int64]signalsync.OpinionCategory{}
	for _, descriptor := range update.Descriptors {
		category := signalsync.CategoryWorthInvestigating
		switch descriptor.Status {
		case "MALICIOUS":
			category = signalsync.CategoryTruePositive
		case "NON_MALICIOUS":
			category = signalsync.CategoryFalsePositive
		}
		explicit[descriptor.Owner.ID] = signalsync.SignalOpinion{
			OwnerID:       descriptor.Owner.ID,
			Category:      category,
			Tags:          descriptor.Tags,
			CorrelationID: descriptor.ID,
		}
		for _, reaction := range descriptor.Reactions {
			switch reaction.Key {
			case "HELPFUL":
				implicit[reaction.OwnerID] = signalsync.CategoryTruePositive
			case "DISAGREE_WITH_TAGS":
				if _, ok := implicit[reaction.OwnerID]; !ok {
					implicit[reaction.OwnerID] = signalsync.CategoryFalsePositive
				}
			}
		}
	}
	record := signalsync.ReconcileOpinions(explicit, implicit)
	if record == nil {
		return nil, false
	}
	return record, true
}

type updateCursor struct {
	next string
}

type TExchangeOptions struct {
	BaseURL           string
	Token             string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	PageSize          int
	Logger            signalsync.Logger
}

// TExchangeAPI is the connector for threat-updates-style exchange
// servers. It supports the full capability set including write-back.
type TExchangeAPI struct {
	client   *httpClient
	pageSize int
	logger   signalsync.Logger

	mu      sync.Mutex
	cursors map[string]*updateCursor
	ownerID *int64
}

func NewTExchangeAPI(opts TExchangeOptions) *TExchangeAPI {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = texchangePageSize
	}
	return &TExchangeAPI{
		client:   newHTTPClient(opts.BaseURL, opts.Token, opts.HTTPClient, opts.RequestsPerSecond),
		pageSize: pageSize,
		logger:   opts.Logger,
		cursors:  map[string]*updateCursor{},
	}
}

func (a *TExchangeAPI) Name() string {
	return TExchangeAPIName
}

func (a *TExchangeAPI) DecodeCheckpoint(data []byte) (signalsync.Checkpoint, error) {
	var checkpoint TExchangeCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (a *TExchangeAPI) FetchOnce(ctx context.Context, signalTypes []string, collab *signalsync.CollaborationConfig, checkpoint signalsync.Checkpoint) (*signalsync.FetchDelta, error) {
	if err := a.requireConfigured(collab); err != nil {
		return nil, err
	}
	group := collab.Param("group")

	a.mu.Lock()
	cursor := a.cursors[collab.Name]
	a.mu.Unlock()

	q := url.Values{}
	q.Set("group", group)
	q.Set("limit", strconv.Itoa(a.pageSize))
	if len(signalTypes) > 0 {
		q.Set("types", strings.Join(signalTypes, ","))
	}
	if cursor != nil {
		q.Set("cursor", cursor.next)
	} else if tc, ok := checkpoint.(*TExchangeCheckpoint); ok && tc != nil {
		q.Set("start_time", strconv.FormatInt(tc.UpdateTime, 10))
	}

	var page threatUpdatesPage
	if err := a.client.doJSON(ctx, http.MethodGet, "/v1/threat_updates?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}

	highest := int64(0)
	if tc, ok := checkpoint.(*TExchangeCheckpoint); ok && tc != nil {
		highest = tc.UpdateTime
	}
	updates := make([]signalsync.IndicatorUpdate, 0, len(page.Data))
	for _, update := range page.Data {
		if update.LastUpdated > highest {
			highest = update.LastUpdated
		}
		record, include := recordFromThreatUpdate(update)
		if !include {
			continue
		}
		updates = append(updates, signalsync.IndicatorUpdate{
			SignalType: update.Type,
			Indicator:  update.Indicator,
			Record:     record,
		})
	}

	done := page.NextCursor == nil || *page.NextCursor == ""
	a.logf("texchange %s: page with %d updates, done=%v", collab.Name, len(page.Data), done)
	a.mu.Lock()
	if done {
		delete(a.cursors, collab.Name)
	} else {
		a.cursors[collab.Name] = &updateCursor{next: *page.NextCursor}
	}
	a.mu.Unlock()

	return &signalsync.FetchDelta{
		Updates: updates,
		Checkpoint: &TExchangeCheckpoint{
			UpdateTime:    highest,
			LastFetchTime: time.Now().Unix(),
		},
		Done: done,
	}, nil
}

func (a *TExchangeAPI) ReportOpinion(ctx context.Context, collab *signalsync.CollaborationConfig, signalType, indicator string, opinion signalsync.SignalOpinion) error {
	if err := a.requireConfigured(collab); err != nil {
		return err
	}
	status := "UNKNOWN"
	switch opinion.Category {
	case signalsync.CategoryTruePositive:
		status = "MALICIOUS"
	case signalsync.CategoryFalsePositive:
		status = "NON_MALICIOUS"
	}
	body := map[string]any{
		"group":     collab.Param("group"),
		"type":      signalType,
		"indicator": indicator,
		"status":    status,
		"tags":      opinion.Tags,
	}
	return a.client.doJSON(ctx, http.MethodPost, "/v1/descriptors", body, nil)
}

func (a *TExchangeAPI) ResolveOwner(ctx context.Context, ownerID int64) (string, error) {
	if strings.TrimSpace(a.client.token) == "" {
		return "", &signalsync.ConfigError{Reason: "exchange app token is not configured"}
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := a.client.doJSON(ctx, http.MethodGet, "/v1/owners/"+strconv.FormatInt(ownerID, 10), nil, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (a *TExchangeAPI) OwnOwnerID(ctx context.Context, collab *signalsync.CollaborationConfig) (int64, error) {
	if strings.TrimSpace(a.client.token) == "" {
		return 0, &signalsync.ConfigError{Reason: "exchange app token is not configured"}
	}
	a.mu.Lock()
	cached := a.ownerID
	a.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := a.client.doJSON(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.ownerID = &out.ID
	a.mu.Unlock()
	return out.ID, nil
}

func (a *TExchangeAPI) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func (a *TExchangeAPI) requireConfigured(collab *signalsync.CollaborationConfig) error {
	if strings.TrimSpace(a.client.baseURL) == "" {
		return &signalsync.ConfigError{Reason: "exchange base url is not configured"}
	}
	if strings.TrimSpace(a.client.token) == "" {
		return &signalsync.ConfigError{Reason: "exchange app token is not configured"}
	}
	if collab.Param("group") == "" {
		return &signalsync.ConfigError{Collab: collab.Name, Reason: fmt.Sprintf("collaboration for %s requires a group param", TExchangeAPIName)}
	}
	return nil
}
