package signalsync

import (
	"fmt"
	"strings"
)

// CollaborationConfig describes one named, filtered subscription to a
// remote signal source. Params carries source-specific settings (for
// example the remote group id for an exchange-backed collaboration).
// A config is immutable for the duration of a sync pass.
type CollaborationConfig struct {
	Name            string            `json:"name"`
	API             string            `json:"api"`
	Enabled         bool              `json:"enabled"`
	OnlySignalTypes []string          `json:"only_signal_types,omitempty"`
	NotSignalTypes  []string          `json:"not_signal_types,omitempty"`
	OnlyOwners      []int64           `json:"only_owners,omitempty"`
	NotOwners       []int64           `json:"not_owners,omitempty"`
	OnlyTags        []string          `json:"only_tags,omitempty"`
	NotTags         []string          `json:"not_tags,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

func (c *CollaborationConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil collaboration config", ErrInvalidInput)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: collaboration name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.API) == "" {
		return fmt.Errorf("%w: collaboration api is required", ErrInvalidInput)
	}
	return nil
}

func (c *CollaborationConfig) Param(key string) string {
	if c == nil || c.Params == nil {
		return ""
	}
	return strings.TrimSpace(c.Params[key])
}

// AdmitsSignalType applies the type-level allow/deny pair: the deny set
// is checked first, then a non-empty allow set must contain the type.
func (c *CollaborationConfig) AdmitsSignalType(signalType string) bool {
	if containsString(c.NotSignalTypes, signalType) {
		return false
	}
	if len(c.OnlySignalTypes) > 0 && !containsString(c.OnlySignalTypes, signalType) {
		return false
	}
	return true
}

// FilterRecord evaluates the collaboration's rules against a candidate
// record. Owner and tag rules drop individual opinions rather than the
// whole record; a record that survives with at least one opinion is
// admitted. Returns nil when the record must not be persisted.
func (c *CollaborationConfig) FilterRecord(signalType string, record *IndicatorRecord) *IndicatorRecord {
	if record == nil {
		return nil
	}
	if !c.AdmitsSignalType(signalType) {
		return nil
	}
	kept := make([]SignalOpinion, 0, len(record.Opinions))
	for _, opinion := range record.Opinions {
		if containsInt64(c.NotOwners, opinion.OwnerID) {
			continue
		}
		if len(c.OnlyOwners) > 0 && !containsInt64(c.OnlyOwners, opinion.OwnerID) {
			continue
		}
		if intersects(c.NotTags, opinion.Tags) {
			continue
		}
		if len(c.OnlyTags) > 0 && !intersects(c.OnlyTags, opinion.Tags) {
			continue
		}
		kept = append(kept, opinion)
	}
	if len(kept) == 0 {
		return nil
	}
	return &IndicatorRecord{Opinions: kept}
}

// Admits reports whether a candidate record would be persisted for this
// collaboration.
func (c *CollaborationConfig) Admits(signalType string, record *IndicatorRecord) bool {
	return c.FilterRecord(signalType, record) != nil
}

func containsString(set []string, value string) bool {
	for _, entry := range set {
		if entry == value {
			return true
		}
	}
	return false
}

func containsInt64(set []int64, value int64) bool {
	for _, entry := range set {
		if entry == value {
			return true
		}
	}
	return false
}

func intersects(set, values []string) bool {
	for _, value := range values {
		if containsString(set, value) {
			return true
		}
	}
	return false
}
