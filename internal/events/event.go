// Package events converts session state transitions into an ordered,
// replayable stream of negotiation events for external observers.
package events

import (
	"time"

	"github.com/parleyd/parley/internal/negotiation"
)

// Kind identifies an externally visible event type.
type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindTurnStarted      Kind = "turn_started"
	KindMessageSent      Kind = "message_sent"
	KindAgentThinking    Kind = "agent_thinking"
	KindAgreementReached Kind = "agreement_reached"
	KindSessionEnded     Kind = "session_ended"
)

// Event is one externally visible, strictly ordered notification for a
// session. Seq is the sequence number of the write record the event was
// derived from, which makes it a stable replay cursor.
type Event struct {
	SessionID string             `json:"session_id"`
	Seq       uint64             `json:"seq"`
	Kind      Kind               `json:"kind"`
	Party     negotiation.Party  `json:"party,omitempty"`
	Turn      int                `json:"turn,omitempty"`
	Content   string             `json:"content,omitempty"`
	Intent    negotiation.Intent `json:"intent,omitempty"`
	Terms     *negotiation.Terms `json:"terms,omitempty"`
	State     negotiation.State  `json:"state,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// FromDelta derives the observer-facing event for a write record, if any.
// Bookkeeping deltas (turn counters, clarification counters) emit none;
// several write records can therefore collapse into a single visible event.
func FromDelta(sess *negotiation.Session, seq uint64, d *negotiation.Delta) (Event, bool) {
	ev := Event{SessionID: sess.ID, Seq: seq, Timestamp: d.Timestamp}
	switch d.Kind {
	case negotiation.DeltaMatchBound:
		ev.Kind = KindSessionStarted
		ev.Content = d.Property
		return ev, true
	case negotiation.DeltaMessageAdded:
		ev.Kind = KindMessageSent
		ev.Party = d.Message.Party
		ev.Turn = d.Message.Turn
		ev.Content = d.Message.Content
		ev.Intent = d.Message.Intent
		ev.Terms = d.Message.Terms
		return ev, true
	case negotiation.DeltaStateChanged:
		switch {
		case d.State == negotiation.StateAgreed:
			ev.Kind = KindAgreementReached
			if sess.Outcome != nil {
				ev.Terms = sess.Outcome.Terms
			}
			return ev, true
		case d.State == negotiation.StateTenantTurn || d.State == negotiation.StateLandlordTurn:
			ev.Kind = KindTurnStarted
			p, _ := negotiation.TurnParty(d.State)
			ev.Party = p
			// Turn announces the turn about to be taken, not the count of
			// completed ones.
			ev.Turn = sess.Turn + 1
			return ev, true
		}
		// EVALUATING and the remaining terminal entries are internal;
		// the closing write carries the observer-facing session_ended.
		return Event{}, false
	case negotiation.DeltaThinkingRecorded:
		ev.Kind = KindAgentThinking
		ev.Party = d.Party
		ev.Content = d.Diag
		return ev, true
	case negotiation.DeltaSessionClosed:
		ev.Kind = KindSessionEnded
		ev.State = d.State
		ev.Reason = d.Diag
		return ev, true
	case negotiation.DeltaErrorRecorded:
		// Diagnostics ride on the closing session_ended event instead.
		return Event{}, false
	}
	return Event{}, false
}
