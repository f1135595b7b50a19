package negotiation

import (
	"fmt"
	"time"
)

// DeltaKind enumerates the field-level mutations a write record can carry.
type DeltaKind string

const (
	DeltaMatchBound         DeltaKind = "match_bound"
	DeltaStateChanged       DeltaKind = "state_changed"
	DeltaMessageAdded       DeltaKind = "message_added"
	DeltaTurnAdvanced       DeltaKind = "turn_advanced"
	DeltaOutcomeSet         DeltaKind = "outcome_set"
	DeltaClarificationAdded DeltaKind = "clarification_added"
	DeltaErrorRecorded      DeltaKind = "error_recorded"
	DeltaThinkingRecorded   DeltaKind = "thinking_recorded"
	DeltaSessionClosed      DeltaKind = "session_closed"
)

// Delta is one durable, replayable mutation of a session. The same Apply
// path serves both the live turn loop and crash recovery, so replaying the
// write log reconstructs the exact in-memory state.
type Delta struct {
	Kind      DeltaKind `json:"kind"`
	State     State     `json:"state,omitempty"`
	Party     Party     `json:"party,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Landlord  string    `json:"landlord,omitempty"`
	Property  string    `json:"property,omitempty"`
	Diag      string    `json:"diag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Apply mutates the session with the delta and advances its sequence
// number. It is the only mutation path for a session.
func Apply(s *Session, seq uint64, d *Delta) error {
	if seq != s.Seq+1 {
		return fmt.Errorf("delta sequence %d does not follow session sequence %d", seq, s.Seq)
	}
	switch d.Kind {
	case DeltaMatchBound:
		s.LandlordID = d.Landlord
		s.PropertyRef = d.Property
	case DeltaStateChanged:
		if !CanTransition(s.State, d.State) {
			return fmt.Errorf("illegal transition %s -> %s", s.State, d.State)
		}
		s.State = d.State
	case DeltaMessageAdded:
		if d.Message == nil {
			return fmt.Errorf("message_added delta without message")
		}
		s.Messages = append(s.Messages, *d.Message)
		s.PendingClarification = ""
	case DeltaTurnAdvanced:
		s.Turn++
	case DeltaOutcomeSet:
		s.Outcome = d.Outcome
	case DeltaClarificationAdded:
		s.ClarificationRounds++
		s.PendingClarification = d.Diag
	case DeltaErrorRecorded, DeltaThinkingRecorded:
		// Audit-trail only; no state mutation.
	case DeltaSessionClosed:
		if !s.State.Terminal() {
			return fmt.Errorf("session_closed delta in non-terminal state %s", s.State)
		}
	default:
		return fmt.Errorf("unknown delta kind %q", d.Kind)
	}
	s.Seq = seq
	return nil
}
