package events

import (
	"context"
	"fmt"

	"github.com/parleyd/parley/internal/negotiation"
	"github.com/parleyd/parley/internal/store"
)

// Replay reconstructs the event history of a session from its write log,
// returning every event with sequence greater than afterSeq in publish
// order. There is no separate event store: the same derivation used live
// is folded over the persisted write records, so a subscriber replaying
// history sees exactly what a subscriber present from the start saw.
func Replay(ctx context.Context, st *store.Store, sessionID string, afterSeq uint64) ([]Event, error) {
	sess, err := st.EarliestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := st.ListWrites(ctx, sessionID, sess.Seq)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, rec := range records {
		// Apply before deriving: the live path publishes after the
		// delta has taken effect, and replay must match it.
		if err := negotiation.Apply(sess, rec.Seq, rec.Delta); err != nil {
			return nil, fmt.Errorf("replay session %s: %w", sessionID, err)
		}
		ev, ok := FromDelta(sess, rec.Seq, rec.Delta)
		if !ok || rec.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
