package exchange

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/threatworks/signalsync/internal/signalsync"
)

const LocalFileAPIName = "file"

const localFileOwnerID = 0

type localFileCheckpoint struct {
	ModTime int64 `json:"modTime"`
}

func (c *localFileCheckpoint) ProgressTimestamp() int64 { return c.ModTime }

func (c *localFileCheckpoint) IsStale(now time.Time) bool { return false }

// LocalFileAPI reads indicators from a local blocklist file named by
// the collaboration's "path" param. Each non-blank line is
// "<signal_type> <indicator> [tag ...]"; '#' starts a comment. The
// whole file is one delta, so removing a line does not tombstone a
// previously stored indicator; operators resync with a cleared store.
type LocalFileAPI struct {
	readOnly
}

func NewLocalFileAPI() *LocalFileAPI {
	return &LocalFileAPI{readOnly: readOnly{name: LocalFileAPIName}}
}

func (a *LocalFileAPI) Name() string {
	return LocalFileAPIName
}

func (a *LocalFileAPI) DecodeCheckpoint(data []byte) (signalsync.Checkpoint, error) {
	var checkpoint localFileCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (a *LocalFileAPI) FetchOnce(ctx context.Context, signalTypes []string, collab *signalsync.CollaborationConfig, checkpoint signalsync.Checkpoint) (*signalsync.FetchDelta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := collab.Param("path")
	if path == "" {
		return nil, &signalsync.ConfigError{Collab: collab.Name, Reason: "collaboration for file source requires a path param"}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &signalsync.ConfigError{Collab: collab.Name, Reason: fmt.Sprintf("open signal file: %v", err)}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	var updates []signalsync.IndicatorUpdate
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, &signalsync.ConfigError{Collab: collab.Name, Reason: fmt.Sprintf("malformed signal file line %d: %q", lineNo, line)}
		}
		signalType := fields[0]
		indicator := fields[1]
		tags := fields[2:]
		updates = append(updates, signalsync.IndicatorUpdate{
			SignalType: signalType,
			Indicator:  indicator,
			Record: &signalsync.IndicatorRecord{
				Opinions: []signalsync.SignalOpinion{
					{OwnerID: localFileOwnerID, Category: signalsync.CategoryTruePositive, Tags: tags},
				},
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &signalsync.FetchDelta{
		Updates:    updates,
		Checkpoint: &localFileCheckpoint{ModTime: info.ModTime().Unix()},
		Done:       true,
	}, nil
}
