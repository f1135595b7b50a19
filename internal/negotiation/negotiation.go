// Package negotiation defines the data model for a lease negotiation
// session: parties, turn intents, proposed terms and the state machine's
// states with their legal transitions.
package negotiation

import (
	"fmt"
	"time"
)

// Party identifies one side of a negotiation.
type Party string

const (
	PartyTenant   Party = "tenant"
	PartyLandlord Party = "landlord"
)

// Other returns the opposing party.
func (p Party) Other() Party {
	if p == PartyTenant {
		return PartyLandlord
	}
	return PartyTenant
}

// Intent classifies a turn's content.
type Intent string

const (
	IntentContinue Intent = "continue"
	IntentPropose  Intent = "propose"
	IntentAgree    Intent = "agree"
	IntentReject   Intent = "reject"
)

// ParseIntent validates a raw intent string against the allowed vocabulary.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentContinue, IntentPropose, IntentAgree, IntentReject:
		return Intent(s), nil
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

// State is a negotiation session's position in the protocol.
type State string

const (
	StateMatching     State = "matching"
	StateTenantTurn   State = "tenant_turn"
	StateLandlordTurn State = "landlord_turn"
	StateEvaluating   State = "evaluating"
	StateAgreed       State = "agreed"
	StateRejected     State = "rejected"
	StateTimeout      State = "timeout"
	StateNoMatch      State = "no_match"
	StateError        State = "error"
)

// Terminal reports whether no further transition is possible without an
// explicit reset.
func (s State) Terminal() bool {
	switch s {
	case StateAgreed, StateRejected, StateTimeout, StateNoMatch, StateError:
		return true
	}
	return false
}

// Active reports whether the session is in a turn-producing state.
func (s State) Active() bool {
	return s == StateTenantTurn || s == StateLandlordTurn || s == StateEvaluating
}

// transitions is the explicit transition table. Absence means illegal.
var transitions = map[State][]State{
	StateMatching:     {StateTenantTurn, StateNoMatch, StateError},
	StateTenantTurn:   {StateLandlordTurn, StateEvaluating, StateTimeout, StateError},
	StateLandlordTurn: {StateTenantTurn, StateEvaluating, StateTimeout, StateError},
	StateEvaluating:   {StateAgreed, StateRejected, StateTenantTurn, StateLandlordTurn, StateTimeout, StateError},
}

// CanTransition reports whether the protocol permits moving from one state
// to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TurnParty returns the party that acts in the given state, if any.
func TurnParty(s State) (Party, bool) {
	switch s {
	case StateTenantTurn:
		return PartyTenant, true
	case StateLandlordTurn:
		return PartyLandlord, true
	}
	return "", false
}

// StateFor returns the active-turn state for a party.
func StateFor(p Party) State {
	if p == PartyTenant {
		return StateTenantTurn
	}
	return StateLandlordTurn
}

// Terms are the negotiated lease terms. Acceptance requires both parties
// to agree on an identical Terms value.
type Terms struct {
	PriceMonthly   int    `json:"price_monthly"`
	DurationMonths int    `json:"duration_months"`
	StartDate      string `json:"start_date,omitempty"`
}

// Equal reports whether two term sets are identical.
func (t Terms) Equal(o Terms) bool {
	return t.PriceMonthly == o.PriceMonthly &&
		t.DurationMonths == o.DurationMonths &&
		t.StartDate == o.StartDate
}

// Message is one party's turn output within a session.
type Message struct {
	Party     Party     `json:"party"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent"`
	Terms     *Terms    `json:"terms,omitempty"`
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome records how a terminal session ended.
type Outcome struct {
	Terms  *Terms `json:"terms,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Session is one bounded negotiation between a tenant and a landlord over
// one property. It is mutated only through Apply by its owning controller.
type Session struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	LandlordID          string    `json:"landlord_id"`
	PropertyRef         string    `json:"property_ref"`
	CreatedAt           time.Time `json:"created_at"`
	State               State     `json:"state"`
	Turn                int       `json:"turn"`
	Messages            []Message `json:"messages"`
	Outcome             *Outcome  `json:"outcome,omitempty"`
	ClarificationRounds int       `json:"clarification_rounds"`
	// PendingClarification is the synthesized prompt the next acting party
	// must be shown after an acceptance mismatch. Cleared by their reply.
	PendingClarification string `json:"pending_clarification,omitempty"`
	// Seq is the sequence number of the last applied write record.
	Seq uint64 `json:"seq"`
}

// NewSession creates a session in the matching state.
func NewSession(id, tenantID string) *Session {
	return &Session{
		ID:        id,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		State:     StateMatching,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.Outcome != nil {
		o := *s.Outcome
		if s.Outcome.Terms != nil {
			t := *s.Outcome.Terms
			o.Terms = &t
		}
		c.Outcome = &o
	}
	return &c
}

// LastMessageFrom returns the most recent message by the given party.
func (s *Session) LastMessageFrom(p Party) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Party == p {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}
