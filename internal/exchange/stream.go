package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/threatworks/signalsync/internal/signalsync"
)

const StreamAPIName = "stream"

type streamCheckpoint struct {
	Position      int64 `json:"position"`
	LastFetchTime int64 `json:"lastFetchTime"`
}

func (c *streamCheckpoint) ProgressTimestamp() int64 { return c.Position }

// Stream positions are replayable from the beginning of the channel's
// log, so an old checkpoint is never unsafe to resume from.
func (c *streamCheckpoint) IsStale(now time.Time) bool { return false }

type streamSubscribe struct {
	Channel string `json:"channel"`
	Since   int64  `json:"since"`
}

type streamOpinion struct {
	Owner    int64    `json:"owner"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

type streamUpdate struct {
	Type      string          `json:"type"`
	Indicator string          `json:"indicator"`
	Deleted   bool            `json:"deleted,omitempty"`
	Opinions  []streamOpinion `json:"opinions,omitempty"`
}

type streamBatch struct {
	Updates  []streamUpdate `json:"updates"`
	Position int64          `json:"position"`
	Done     bool           `json:"done"`
}

type streamConn struct {
	ws *websocket.Conn
}

type StreamOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     signalsync.Logger
}

// StreamAPI tails a websocket delta feed. Each collaboration holds one
// connection, opened on the first FetchOnce of a pass with a subscribe
// frame carrying the checkpoint position, and closed once the server
// reports the pass is done. Read-only.
type StreamAPI struct {
	readOnly
	baseURL    string
	httpClient *http.Client
	logger     signalsync.Logger

	mu    sync.Mutex
	conns map[string]*streamConn
}

func NewStreamAPI(opts StreamOptions) *StreamAPI {
	return &StreamAPI{
		readOnly:   readOnly{name: StreamAPIName},
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		conns:      map[string]*streamConn{},
	}
}

func (a *StreamAPI) Name() string {
	return StreamAPIName
}

func (a *StreamAPI) DecodeCheckpoint(data []byte) (signalsync.Checkpoint, error) {
	var checkpoint streamCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (a *StreamAPI) FetchOnce(ctx context.Context, signalTypes []string, collab *signalsync.CollaborationConfig, checkpoint signalsync.Checkpoint) (*signalsync.FetchDelta, error) {
	if a.baseURL == "" {
		return nil, &signalsync.ConfigError{Reason: "stream base url is not configured"}
	}
	channel := collab.Param("channel")
	if channel == "" {
		return nil, &signalsync.ConfigError{Collab: collab.Name, Reason: "collaboration for stream source requires a channel param"}
	}

	conn, err := a.connFor(ctx, collab.Name, channel, checkpoint)
	if err != nil {
		return nil, err
	}

	var batch streamBatch
	if err := wsjson.Read(ctx, conn.ws, &batch); err != nil {
		a.dropConn(collab.Name)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &signalsync.FetchError{Message: fmt.Sprintf("read stream batch: %v", err), Transient: true}
	}

	updates := make([]signalsync.IndicatorUpdate, 0, len(batch.Updates))
	for _, update := range batch.Updates {
		if update.Deleted {
			updates = append(updates, signalsync.IndicatorUpdate{
				SignalType: update.Type,
				Indicator:  update.Indicator,
			})
			continue
		}
		opinions := make([]signalsync.SignalOpinion, 0, len(update.Opinions))
		for _, opinion := range update.Opinions {
			opinions = append(opinions, signalsync.SignalOpinion{
				OwnerID:  opinion.Owner,
				Category: signalsync.OpinionCategory(opinion.Category),
				Tags:     opinion.Tags,
			})
		}
		if len(opinions) == 0 {
			continue
		}
		updates = append(updates, signalsync.IndicatorUpdate{
			SignalType: update.Type,
			Indicator:  update.Indicator,
			Record:     &signalsync.IndicatorRecord{Opinions: opinions},
		})
	}

	if batch.Done {
		a.closeConn(collab.Name)
	}
	return &signalsync.FetchDelta{
		Updates: updates,
		Checkpoint: &streamCheckpoint{
			Position:      batch.Position,
			LastFetchTime: time.Now().Unix(),
		},
		Done: batch.Done,
	}, nil
}

func (a *StreamAPI) connFor(ctx context.Context, collabName, channel string, checkpoint signalsync.Checkpoint) (*streamConn, error) {
	a.mu.Lock()
	conn := a.conns[collabName]
	a.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	ws, _, err := websocket.Dial(ctx, a.baseURL+"/v1/streams", &websocket.DialOptions{HTTPClient: a.httpClient})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &signalsync.FetchError{Message: fmt.Sprintf("dial stream: %v", err), Transient: true}
	}
	since := int64(0)
	if sc, ok := checkpoint.(*streamCheckpoint); ok && sc != nil {
		since = sc.Position
	}
	if err := wsjson.Write(ctx, ws, streamSubscribe{Channel: channel, Since: since}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, &signalsync.FetchError{Message: fmt.Sprintf("subscribe to stream: %v", err), Transient: true}
	}
	a.logf("stream %s: subscribed to %s from position %d", collabName, channel, since)
	conn = &streamConn{ws: ws}
	a.mu.Lock()
	a.conns[collabName] = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *StreamAPI) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func (a *StreamAPI) closeConn(collabName string) {
	a.mu.Lock()
	conn := a.conns[collabName]
	delete(a.conns, collabName)
	a.mu.Unlock()
	if conn != nil {
		_ = conn.ws.Close(websocket.StatusNormalClosure, "pass complete")
	}
}

func (a *StreamAPI) dropConn(collabName string) {
	a.mu.Lock()
	conn := a.conns[collabName]
	delete(a.conns, collabName)
	a.mu.Unlock()
	if conn != nil {
		_ = conn.ws.Close(websocket.StatusInternalError, "read failed")
	}
}

// Close tears down any live stream connections.
func (a *StreamAPI) Close() error {
	a.mu.Lock()
	conns := a.conns
	a.conns = map[string]*streamConn{}
	a.mu.Unlock()
	for _, conn := range conns {
		_ = conn.ws.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}
