package exchange

import (
	"context"
	"fmt"

	"github.com/threatworks/signalsync/internal/signalsync"
)

// readOnly supplies unsupported-operation stubs for sources that only
// fetch. Embedding it keeps the rejection explicit and uniform.
type readOnly struct {
	name string
}

func (r readOnly) ReportOpinion(ctx context.Context, collab *signalsync.CollaborationConfig, signalType, indicator string, opinion signalsync.SignalOpinion) error {
	return fmt.Errorf("%w: %s source cannot report opinions", signalsync.ErrNotSupported, r.name)
}

func (r readOnly) ResolveOwner(ctx context.Context, ownerID int64) (string, error) {
	return "", fmt.Errorf("%w: %s source cannot resolve owners", signalsync.ErrNotSupported, r.name)
}

func (r readOnly) OwnOwnerID(ctx context.Context, collab *signalsync.CollaborationConfig) (int64, error) {
	return 0, fmt.Errorf("%w: %s source has no owner identity", signalsync.ErrNotSupported, r.name)
}
