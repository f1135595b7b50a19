// Package controller implements the per-session turn-taking state
// machine: it binds a counterparty, drives alternating turns through the
// agent gateway, persists every state change as a write record and emits
// the observer-facing events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyd/parley/internal/agent"
	"github.com/parleyd/parley/internal/config"
	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/match"
	"github.com/parleyd/parley/internal/negotiation"
	"github.com/parleyd/parley/internal/store"
)

// Termination reason codes carried on the closing write record.
const (
	ReasonAgreed                 = "agreed"
	ReasonRejected               = "rejected"
	ReasonNoMatch                = "no_match"
	ReasonMatchFailed            = "match_failed"
	ReasonMaxTurns               = "max_turns_exceeded"
	ReasonMaxAge                 = "session_age_exceeded"
	ReasonClarificationExhausted = "clarification_exhausted"
	ReasonAgentFailure           = "agent_invocation_failed"
	ReasonStorageFailure         = "storage_failed"
	ReasonInternal               = "internal_error"
)

// Options wires a controller to its collaborators.
type Options struct {
	Store     *store.Store
	Publisher *events.Publisher
	// Matcher is consulted when Prebound is nil.
	Matcher match.Gateway
	// Prebound carries a counterparty already selected by the session
	// creation path, so the gateway is still invoked exactly once.
	Prebound *match.Match
	Agents   agent.Gateway
	Negotiation config.NegotiationConfig
	StoreRetry  config.StoreConfig
	// OnTerminal runs after the session reaches a terminal state, before
	// Run returns. Used to drop the registry entry.
	OnTerminal func(sessionID string)
}

// Controller owns one session. All mutation goes through its Run loop;
// external readers get snapshots via Session.
type Controller struct {
	opts Options
	mu   sync.RWMutex
	sess *negotiation.Session

	// cancel has its own lock so Stop never waits behind a commit
	// holding the session mutex.
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a controller for a fresh session in the matching state.
func New(sessionID, tenantID string, opts Options) *Controller {
	return &Controller{
		opts: opts,
		sess: negotiation.NewSession(sessionID, tenantID),
		done: make(chan struct{}),
	}
}

// Session implements registry.Runner: a deep-copied read snapshot.
func (c *Controller) Session() *negotiation.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess.Clone()
}

// Stop implements registry.Runner: cancels the turn loop. An in-flight
// turn abandons before committing its write record.
func (c *Controller) Stop() {
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
		<-c.done
	}
}

// Start launches Run on its own goroutine.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	go c.Run(ctx)
}

// Run drives the session to a terminal state: initial checkpoint, match
// binding, then the turn loop. Returns when the session is terminal or
// the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.opts.OnTerminal != nil {
			c.opts.OnTerminal(c.sessionID())
		}
	}()

	log := slog.With("session", c.sessionID())

	// Creation checkpoint at sequence zero. Everything after this is
	// reconstructible from the write log alone.
	if err := c.checkpoint(ctx); err != nil {
		log.Error("Initial checkpoint failed", "error", err)
		c.failStorage(err)
		return
	}

	if !c.bindMatch(ctx, log) {
		return
	}

	for {
		c.mu.RLock()
		state := c.sess.State
		turn := c.sess.Turn
		age := time.Since(c.sess.CreatedAt)
		c.mu.RUnlock()

		if state.Terminal() {
			return
		}
		if ctx.Err() != nil {
			log.Info("Turn loop abandoned", "state", state)
			return
		}
		if turn >= c.opts.Negotiation.MaxTurns {
			c.terminate(ctx, negotiation.StateTimeout, ReasonMaxTurns, nil)
			return
		}
		if age > c.opts.Negotiation.SessionMaxAge {
			c.terminate(ctx, negotiation.StateTimeout, ReasonMaxAge, nil)
			return
		}

		party, ok := negotiation.TurnParty(state)
		if !ok {
			// EVALUATING never persists across loop iterations; seeing
			// it here means a transition bug.
			c.terminate(ctx, negotiation.StateError, ReasonInternal,
				fmt.Errorf("turn loop in unexpected state %s", state))
			return
		}

		if err := c.executeTurn(ctx, log, party); err != nil {
			if ctx.Err() != nil {
				log.Info("In-flight turn abandoned", "party", party)
				return
			}
			var storageErr *storageError
			if errors.As(err, &storageErr) {
				c.failStorage(err)
				return
			}
			c.terminate(ctx, negotiation.StateError, ReasonAgentFailure, err)
			return
		}
	}
}

func (c *Controller) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess.ID
}

// bindMatch invokes the matching gateway once and records the result.
// Returns false when the session terminated.
func (c *Controller) bindMatch(ctx context.Context, log *slog.Logger) bool {
	m := c.opts.Prebound
	var err error
	if m == nil {
		m, err = c.opts.Matcher.Select(ctx, c.Session().TenantID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, match.ErrNoMatch) {
			log.Info("No counterparty available")
			c.terminate(ctx, negotiation.StateNoMatch, ReasonNoMatch, nil)
			return false
		}
		c.terminate(ctx, negotiation.StateError, ReasonMatchFailed, err)
		return false
	}

	if err := c.commit(ctx, &negotiation.Delta{
		Kind:     negotiation.DeltaMatchBound,
		Landlord: m.LandlordID,
		Property: m.PropertyRef,
	}); err != nil {
		c.failStorage(err)
		return false
	}
	if err := c.commit(ctx, &negotiation.Delta{
		Kind:  negotiation.DeltaStateChanged,
		State: negotiation.StateTenantTurn,
	}); err != nil {
		c.failStorage(err)
		return false
	}
	log.Info("Session matched", "landlord", m.LandlordID, "property", m.PropertyRef)
	return true
}

// executeTurn runs one party's turn end to end: agent invocation with
// bounded retries, write records for the message, and the state
// transition that the message's intent demands.
func (c *Controller) executeTurn(ctx context.Context, log *slog.Logger, party negotiation.Party) error {
	decision, err := c.invokeWithRetry(ctx, party)
	if err != nil {
		return err
	}

	intent, coerced := c.validateIntent(decision.Intent)
	if coerced {
		log.Warn("Unknown intent coerced to continue", "party", party, "intent", decision.Intent)
	}

	if decision.Rationale != "" {
		if err := c.commit(ctx, &negotiation.Delta{
			Kind:  negotiation.DeltaThinkingRecorded,
			Party: party,
			Diag:  decision.Rationale,
		}); err != nil {
			return err
		}
	}

	c.mu.RLock()
	turnNo := c.sess.Turn + 1
	c.mu.RUnlock()

	msg := &negotiation.Message{
		Party:     party,
		Content:   decision.Message,
		Intent:    intent,
		Terms:     decision.Terms,
		Turn:      turnNo,
		Timestamp: time.Now().UTC(),
	}
	msgDelta := &negotiation.Delta{Kind: negotiation.DeltaMessageAdded, Message: msg}
	if coerced {
		msgDelta.Diag = fmt.Sprintf("intent %q not recognized, treated as continue", decision.Intent)
	}
	if err := c.commit(ctx, msgDelta); err != nil {
		return err
	}
	if err := c.commit(ctx, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced}); err != nil {
		return err
	}

	switch intent {
	case negotiation.IntentContinue, negotiation.IntentPropose:
		if err := c.commit(ctx, &negotiation.Delta{
			Kind:  negotiation.DeltaStateChanged,
			State: negotiation.StateFor(party.Other()),
		}); err != nil {
			return err
		}
	case negotiation.IntentAgree, negotiation.IntentReject:
		if err := c.evaluate(ctx, log, party, msg); err != nil {
			return err
		}
	}

	c.mu.RLock()
	turn := c.sess.Turn
	terminal := c.sess.State.Terminal()
	c.mu.RUnlock()
	if !terminal && turn%c.opts.Negotiation.CheckpointEveryTurns == 0 {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// validateIntent checks the agent's intent against the allowed vocabulary.
// Unknown intents become continue (safe default) rather than crashing the
// controller; the coercion is recorded on the write record.
func (c *Controller) validateIntent(in negotiation.Intent) (negotiation.Intent, bool) {
	if _, err := negotiation.ParseIntent(string(in)); err != nil {
		return negotiation.IntentContinue, true
	}
	return in, false
}

// evaluate decides the terminal outcome after an agree or reject intent,
// or re-enters the active states for clarification.
func (c *Controller) evaluate(ctx context.Context, log *slog.Logger, party negotiation.Party, msg *negotiation.Message) error {
	if err := c.commit(ctx, &negotiation.Delta{
		Kind:  negotiation.DeltaStateChanged,
		State: negotiation.StateEvaluating,
	}); err != nil {
		return err
	}

	if msg.Intent == negotiation.IntentReject {
		return c.close(ctx, negotiation.StateRejected, ReasonRejected, &negotiation.Outcome{Reason: ReasonRejected})
	}

	// Mutual acceptance requires the counterparty's latest message to
	// carry identical terms via propose or agree.
	c.mu.RLock()
	counter, hasCounter := c.sess.LastMessageFrom(party.Other())
	rounds := c.sess.ClarificationRounds
	c.mu.RUnlock()

	mutual := hasCounter &&
		(counter.Intent == negotiation.IntentAgree || counter.Intent == negotiation.IntentPropose) &&
		counter.Terms != nil && msg.Terms != nil && msg.Terms.Equal(*counter.Terms)

	if mutual {
		outcome := &negotiation.Outcome{Terms: msg.Terms, Reason: ReasonAgreed}
		return c.close(ctx, negotiation.StateAgreed, ReasonAgreed, outcome)
	}

	// Divergent or ambiguous acceptance: never AGREED. Bounded
	// clarification re-entry, then honest rejection.
	if rounds >= c.opts.Negotiation.MaxClarificationRounds {
		log.Info("Clarification rounds exhausted")
		return c.close(ctx, negotiation.StateRejected, ReasonClarificationExhausted,
			&negotiation.Outcome{Reason: ReasonClarificationExhausted})
	}
	log.Info("Acceptance mismatch, requesting clarification", "party", party, "round", rounds+1)
	if err := c.commit(ctx, &negotiation.Delta{
		Kind: negotiation.DeltaClarificationAdded,
		Diag: clarificationPrompt(msg, counter, hasCounter),
	}); err != nil {
		return err
	}
	return c.commit(ctx, &negotiation.Delta{
		Kind:  negotiation.DeltaStateChanged,
		State: negotiation.StateFor(party.Other()),
	})
}

func clarificationPrompt(msg *negotiation.Message, counter negotiation.Message, hasCounter bool) string {
	if !hasCounter || counter.Terms == nil || msg.Terms == nil {
		return "acceptance is missing explicit terms; restate price, duration and start date"
	}
	return fmt.Sprintf("acceptance terms diverge (%d/%dmo vs %d/%dmo); confirm a single set of terms",
		msg.Terms.PriceMonthly, msg.Terms.DurationMonths,
		counter.Terms.PriceMonthly, counter.Terms.DurationMonths)
}

// close records the outcome, the terminal transition and the closing
// write, in that order.
func (c *Controller) close(ctx context.Context, state negotiation.State, reason string, outcome *negotiation.Outcome) error {
	if outcome != nil {
		if err := c.commit(ctx, &negotiation.Delta{Kind: negotiation.DeltaOutcomeSet, Outcome: outcome}); err != nil {
			return err
		}
	}
	if err := c.commit(ctx, &negotiation.Delta{Kind: negotiation.DeltaStateChanged, State: state}); err != nil {
		return err
	}
	if err := c.commit(ctx, &negotiation.Delta{Kind: negotiation.DeltaSessionClosed, State: state, Diag: reason}); err != nil {
		return err
	}
	// A terminal session always leaves a final checkpoint so reads stay
	// cheap and purge-survivors are self-contained.
	return c.checkpoint(ctx)
}

// terminate is close plus diagnostics for abnormal endings. Errors while
// writing the terminal records can only be logged.
func (c *Controller) terminate(ctx context.Context, state negotiation.State, reason string, cause error) {
	log := slog.With("session", c.sessionID())
	if cause != nil {
		if err := c.commit(ctx, &negotiation.Delta{
			Kind: negotiation.DeltaErrorRecorded,
			Diag: cause.Error(),
		}); err != nil {
			log.Error("Failed to record diagnostics", "error", err)
		}
	}
	outcome := &negotiation.Outcome{Reason: reason}
	if err := c.close(ctx, state, reason, outcome); err != nil {
		log.Error("Failed to persist terminal state", "state", state, "error", err)
		c.failStorage(err)
		return
	}
	log.Info("Session ended", "state", state, "reason", reason)
}

// failStorage handles exhausted storage retries: the session halts in
// ERROR rather than proceeding with unpersisted state. The in-memory
// state flips even though the store may not have recorded it, and the
// ending is announced directly to live subscribers.
func (c *Controller) failStorage(cause error) {
	c.mu.Lock()
	c.sess.State = negotiation.StateError
	c.sess.Outcome = &negotiation.Outcome{Reason: ReasonStorageFailure}
	// The sequence the failed write would have claimed: strictly past
	// every delivered event, so stream cursors never filter this out.
	seq := c.sess.Seq + 1
	id := c.sess.ID
	c.mu.Unlock()

	slog.Error("Session halted: storage failure", "session", id, "error", cause)
	c.opts.Publisher.Publish(events.Event{
		SessionID: id,
		Seq:       seq,
		Kind:      events.KindSessionEnded,
		State:     negotiation.StateError,
		Reason:    ReasonStorageFailure,
		Timestamp: time.Now().UTC(),
	})
}
