// Package agent defines the gateway to the external reasoning capability
// that produces each party's next negotiation move.
package agent

import (
	"context"
	"fmt"

	"github.com/parleyd/parley/internal/negotiation"
)

// Decision is one turn's output from an agent: the message text, its
// structured intent, proposed terms when the intent carries any, and an
// optional rationale digest (advisory only, no state effect).
type Decision struct {
	Message   string
	Intent    negotiation.Intent
	Terms     *negotiation.Terms
	Rationale string
}

// Gateway invokes the reasoning capability for one party. Implementations
// must honor ctx cancellation; the turn controller bounds each call with a
// per-turn timeout.
type Gateway interface {
	Decide(ctx context.Context, party negotiation.Party, sess *negotiation.Session) (*Decision, error)
}

// InvocationError reports a failed or unusable agent invocation. The turn
// controller retries these a bounded number of times before escalating the
// session to its terminal error state.
type InvocationError struct {
	Party negotiation.Party
	Cause error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent invocation for %s failed: %v", e.Party, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}
