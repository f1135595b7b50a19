package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parleyd/parley/internal/negotiation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSession(t *testing.T, st *Store, id string) *negotiation.Session {
	t.Helper()
	sess := negotiation.NewSession(id, "tenant-1")
	if _, err := st.SaveCheckpoint(context.Background(), sess); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	return sess
}

func commit(t *testing.T, st *Store, sess *negotiation.Session, delta *negotiation.Delta) {
	t.Helper()
	seq := sess.Seq + 1
	if _, err := st.AppendWrite(context.Background(), sess.ID, seq, delta); err != nil {
		t.Fatalf("append write seq %d: %v", seq, err)
	}
	if err := negotiation.Apply(sess, seq, delta); err != nil {
		t.Fatalf("apply seq %d: %v", seq, err)
	}
}

func TestCheckpointRecoverRoundTrip(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")

	recovered, err := st.Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	want, _ := json.Marshal(sess)
	got, _ := json.Marshal(recovered)
	if string(want) != string(got) {
		t.Errorf("round-trip mismatch:\nwant %s\ngot  %s", want, got)
	}
}

func TestRecoverAppliesWritesAfterCheckpoint(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")

	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaMatchBound, Landlord: "landlord-1", Property: "PROP-1"})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaStateChanged, State: negotiation.StateTenantTurn})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaMessageAdded, Message: &negotiation.Message{
		Party: negotiation.PartyTenant, Content: "offer", Intent: negotiation.IntentPropose, Turn: 1,
	}})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced})

	// No checkpoint since creation: recovery must fold all four writes,
	// exactly as a crash between checkpoints would require.
	recovered, err := st.Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	want, _ := json.Marshal(sess)
	got, _ := json.Marshal(recovered)
	if string(want) != string(got) {
		t.Errorf("crash recovery mismatch:\nwant %s\ngot  %s", want, got)
	}
	if recovered.State != negotiation.StateTenantTurn || recovered.Turn != 1 || recovered.Seq != 4 {
		t.Errorf("unexpected recovered state: %+v", recovered)
	}
}

func TestRecoverIdempotent(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaMatchBound, Landlord: "l1", Property: "p1"})

	first, err := st.Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("first recover: %v", err)
	}
	second, err := st.Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("recover not idempotent:\nfirst  %s\nsecond %s", a, b)
	}
}

func TestRecoverDetectsSequenceGap(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced})

	if err := st.DeleteWrite(context.Background(), "s1", 2); err != nil {
		t.Fatalf("delete write: %v", err)
	}

	_, err := st.Recover(context.Background(), "s1")
	var corrupted *CorruptedHistoryError
	if !errors.As(err, &corrupted) {
		t.Fatalf("expected CorruptedHistoryError, got %v", err)
	}
	if corrupted.SessionID != "s1" {
		t.Errorf("unexpected session id in error: %s", corrupted.SessionID)
	}
}

func TestDuplicateSequenceRejected(t *testing.T) {
	st := openTestStore(t)
	seedSession(t, st, "s1")

	d := &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced}
	if _, err := st.AppendWrite(context.Background(), "s1", 1, d); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := st.AppendWrite(context.Background(), "s1", 1, d)
	if !errors.Is(err, ErrDuplicateSequence) {
		t.Fatalf("expected ErrDuplicateSequence, got %v", err)
	}
}

func TestSequenceNumbersIndependentAcrossSessions(t *testing.T) {
	st := openTestStore(t)
	seedSession(t, st, "s1")
	seedSession(t, st, "s2")

	d := &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced}
	if _, err := st.AppendWrite(context.Background(), "s1", 1, d); err != nil {
		t.Fatalf("s1 append: %v", err)
	}
	if _, err := st.AppendWrite(context.Background(), "s2", 1, d); err != nil {
		t.Fatalf("s2 append with same seq should succeed: %v", err)
	}
}

func TestPurgeThenRecoverReturnsNoSession(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaTurnAdvanced})

	if err := st.Purge(context.Background(), "s1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	// Idempotent.
	if err := st.Purge(context.Background(), "s1"); err != nil {
		t.Fatalf("second purge: %v", err)
	}

	_, err := st.Recover(context.Background(), "s1")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRecoverUnknownSession(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Recover(context.Background(), "nope")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLaterCheckpointSupersedes(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st, "s1")
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaMatchBound, Landlord: "l1", Property: "p1"})
	commit(t, st, sess, &negotiation.Delta{Kind: negotiation.DeltaStateChanged, State: negotiation.StateTenantTurn})
	if _, err := st.SaveCheckpoint(context.Background(), sess); err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}

	// The earliest checkpoint (creation) must still be readable for
	// event replay, while Recover uses the latest.
	earliest, err := st.EarliestCheckpoint(context.Background(), "s1")
	if err != nil {
		t.Fatalf("earliest checkpoint: %v", err)
	}
	if earliest.Seq != 0 {
		t.Errorf("earliest checkpoint seq = %d, want 0", earliest.Seq)
	}
	recovered, err := st.Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Seq != 2 || recovered.State != negotiation.StateTenantTurn {
		t.Errorf("unexpected recovered state: seq=%d state=%s", recovered.Seq, recovered.State)
	}
}

func TestSessionIDs(t *testing.T) {
	st := openTestStore(t)
	seedSession(t, st, "a")
	seedSession(t, st, "b")
	ids, err := st.SessionIDs(context.Background())
	if err != nil {
		t.Fatalf("session ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 sessions, got %d: %v", len(ids), ids)
	}
}
