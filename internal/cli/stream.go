package cli

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/store"
)

// handleSessionEvents streams a session's negotiation events over SSE.
// The subscriber first receives history replayed from the write log
// (everything past the Last-Event-ID cursor, or all of it), then the live
// tail. The live subscription is attached before replay starts so nothing
// published in between is lost; events already covered by replay are
// filtered out by sequence number.
func (g *gatewayServer) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var cursor uint64
	rawCursor := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if rawCursor == "" {
		rawCursor = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	if rawCursor != "" {
		parsed, err := strconv.ParseUint(rawCursor, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid event cursor"})
			return
		}
		cursor = parsed
	}

	sub := g.pub.Subscribe(sessionID)
	defer sub.Cancel()

	history, err := events.Replay(r.Context(), g.st, sessionID, cursor)
	if err != nil && !errors.Is(err, store.ErrNoSession) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	delivered := cursor
	for _, ev := range history {
		if err := sendEvent(sess, ev); err != nil {
			return
		}
		delivered = ev.Seq
	}
	_ = sess.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Seq != 0 && ev.Seq <= delivered {
				continue
			}
			if err := sendEvent(sess, ev); err != nil {
				return
			}
			_ = sess.Flush()
			if ev.Seq > delivered {
				delivered = ev.Seq
			}
		}
	}
}

func sendEvent(sess *sse.Session, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sse.Message{
		ID:   sse.ID(strconv.FormatUint(ev.Seq, 10)),
		Type: sse.Type(string(ev.Kind)),
	}
	msg.AppendData(string(payload))
	return sess.Send(msg)
}
