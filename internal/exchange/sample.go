package exchange

import (
	"context"
	"encoding/json"
	"time"

	"github.com/threatworks/signalsync/internal/signalsync"
)

const SampleAPIName = "sample"

const sampleOwnerID = 42

// Built-in data for first-run validation: a handful of indicators per
// signal type, asserted malicious by a synthetic owner.
var sampleSignals = map[string][]string{
	"pdq": {
		"f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22",
		"b4451f0ef1a4539cad0b8a3a3c8c23c531c516b64f5a1c1a1cd44428cad49c12",
	},
	"md5": {
		"e1b8f2b2c7a1f0d9b2a4c9e8d7f6a5b4",
		"9a0364b9e99bb480dd25e1f0284c8555",
	},
	"url": {
		"https://malicious.example.com/landing",
	},
	"raw_text": {
		"free crypto giveaway act now",
	},
}

type sampleCheckpoint struct {
	FetchTime int64 `json:"fetchTime"`
}

func (c *sampleCheckpoint) ProgressTimestamp() int64 { return c.FetchTime }

func (c *sampleCheckpoint) IsStale(now time.Time) bool { return false }

// SampleAPI serves a fixed dataset in a single page. It backs the
// default collaboration used before an operator configures a real
// source, and the end-to-end tests.
type SampleAPI struct {
	readOnly
}

func NewSampleAPI() *SampleAPI {
	return &SampleAPI{readOnly: readOnly{name: SampleAPIName}}
}

func (a *SampleAPI) Name() string {
	return SampleAPIName
}

func (a *SampleAPI) DecodeCheckpoint(data []byte) (signalsync.Checkpoint, error) {
	var checkpoint sampleCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (a *SampleAPI) FetchOnce(ctx context.Context, signalTypes []string, collab *signalsync.CollaborationConfig, checkpoint signalsync.Checkpoint) (*signalsync.FetchDelta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updates []signalsync.IndicatorUpdate
	for signalType, indicators := range sampleSignals {
		if len(signalTypes) > 0 && !containsString(signalTypes, signalType) {
			continue
		}
		for _, indicator := range indicators {
			updates = append(updates, signalsync.IndicatorUpdate{
				SignalType: signalType,
				Indicator:  indicator,
				Record: &signalsync.IndicatorRecord{
					Opinions: []signalsync.SignalOpinion{
						{OwnerID: sampleOwnerID, Category: signalsync.CategoryTruePositive, Tags: []string{"media_priority_samples"}},
					},
				},
			})
		}
	}
	return &signalsync.FetchDelta{
		Updates:    updates,
		Checkpoint: &sampleCheckpoint{FetchTime: time.Now().Unix()},
		Done:       true,
	}, nil
}

func containsString(set []string, value string) bool {
	for _, entry := range set {
		if entry == value {
			return true
		}
	}
	return false
}
