package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyd/parley/internal/agent"
	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/negotiation"
)

// storageError marks persistence failures that survived the retry budget.
// The turn loop translates it into the durability-over-liveness halt.
type storageError struct {
	cause error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("storage retries exhausted: %v", e.cause)
}

func (e *storageError) Unwrap() error {
	return e.cause
}

// commit is the single mutation path: append the write record (with
// bounded retry), apply the delta to the in-memory session, publish the
// derived event. The append is atomic-or-absent, so a cancellation
// between invocation and append leaves nothing half-written.
func (c *Controller) commit(ctx context.Context, delta *negotiation.Delta) error {
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.sess.Seq + 1
	if err := c.appendWithRetry(ctx, c.sess.ID, seq, delta); err != nil {
		return err
	}
	if err := negotiation.Apply(c.sess, seq, delta); err != nil {
		// The write is durable but unapplicable: a transition bug, not
		// a storage fault. Recovery would hit the same wall.
		return fmt.Errorf("apply committed delta: %w", err)
	}
	if ev, ok := events.FromDelta(c.sess, seq, delta); ok {
		c.opts.Publisher.Publish(ev)
	}
	return nil
}

func (c *Controller) appendWithRetry(ctx context.Context, id string, seq uint64, delta *negotiation.Delta) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.StoreRetry.WriteRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.opts.StoreRetry.RetryBackoff
			slog.Warn("Retrying write append", "session", id, "seq", seq, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := c.opts.Store.AppendWrite(ctx, id, seq, delta)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return &storageError{cause: lastErr}
}

// checkpoint snapshots the current session state. All writes up to the
// session's sequence number are already durable when this runs.
func (c *Controller) checkpoint(ctx context.Context) error {
	c.mu.RLock()
	snapshot := c.sess.Clone()
	c.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= c.opts.StoreRetry.WriteRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.opts.StoreRetry.RetryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := c.opts.Store.SaveCheckpoint(ctx, snapshot)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return &storageError{cause: lastErr}
}

// invokeWithRetry calls the agent gateway under the per-turn timeout,
// retrying invocation failures up to the configured bound with linear
// backoff. Context cancellation aborts immediately.
func (c *Controller) invokeWithRetry(ctx context.Context, party negotiation.Party) (*agent.Decision, error) {
	snapshot := c.Session()

	var lastErr error
	for attempt := 0; attempt <= c.opts.Negotiation.TurnRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.opts.Negotiation.RetryBackoff
			slog.Warn("Retrying agent invocation", "session", snapshot.ID, "party", party, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		turnCtx, cancel := context.WithTimeout(ctx, c.opts.Negotiation.TurnTimeout)
		decision, err := c.opts.Agents.Decide(turnCtx, party, snapshot)
		cancel()
		if err == nil {
			return decision, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var invErr *agent.InvocationError
		if !errors.As(err, &invErr) && !errors.Is(err, context.DeadlineExceeded) {
			// Not a retryable invocation fault.
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("agent retries exhausted for %s: %w", party, lastErr)
}
