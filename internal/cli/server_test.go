package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleyd/parley/internal/agent"
	"github.com/parleyd/parley/internal/config"
	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/match"
	"github.com/parleyd/parley/internal/negotiation"
	"github.com/parleyd/parley/internal/registry"
	"github.com/parleyd/parley/internal/store"
)

func newTestGateway(t *testing.T, listings int) *gatewayServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Negotiation.TurnTimeout = time.Second
	cfg.Negotiation.RetryBackoff = time.Millisecond
	cfg.Store.RetryBackoff = time.Millisecond

	entries := make([]match.Listing, 0, listings)
	for i := 0; i < listings; i++ {
		entries = append(entries, match.Listing{LandlordID: "l", PropertyRef: "p"})
	}

	scripts := agent.NewScriptedGateway()
	scripts.Fallback = &agent.Decision{Message: "no deal", Intent: negotiation.IntentReject}

	return &gatewayServer{
		cfg:     cfg,
		st:      st,
		pub:     events.NewPublisher(cfg.Events.SubscriberBuffer),
		reg:     registry.New(),
		baseCtx: context.Background(),
		matcher: match.NewRoster(entries...),
		agents:  scripts,
	}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// waitIdle waits for every created session controller to reach terminal
// state and leave the registry.
func waitIdle(t *testing.T, g *gatewayServer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if g.reg.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions still active: %v", g.reg.IDs())
}

func TestCreateSessions(t *testing.T) {
	g := newTestGateway(t, 2)
	h := g.handler()

	rec := postJSON(t, h, "/api/v1/sessions", `{"count": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Sessions []string `json:"sessions"`
		Reason   string   `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("created %d sessions, want 2 (reason %q)", len(resp.Sessions), resp.Reason)
	}
	waitIdle(t, g)

	// Sessions persisted and readable after termination.
	for _, id := range resp.Sessions {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil)
		getRec := httptest.NewRecorder()
		h.ServeHTTP(getRec, req)
		if getRec.Code != http.StatusOK {
			t.Errorf("get session %s: status %d", id, getRec.Code)
		}
		var sess negotiation.Session
		if err := json.Unmarshal(getRec.Body.Bytes(), &sess); err != nil {
			t.Errorf("decode session: %v", err)
		}
		if !sess.State.Terminal() {
			t.Errorf("session %s not terminal: %s", id, sess.State)
		}
	}
}

func TestCreateSessionsExhaustedRoster(t *testing.T) {
	g := newTestGateway(t, 1)
	h := g.handler()

	rec := postJSON(t, h, "/api/v1/sessions", `{"count": 3}`)
	var resp struct {
		Sessions []string `json:"sessions"`
		Reason   string   `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Errorf("created %d sessions, want 1", len(resp.Sessions))
	}
	if resp.Reason != "no available counterparties" {
		t.Errorf("reason = %q", resp.Reason)
	}
	waitIdle(t, g)
}

func TestCreateSessionsNoRoster(t *testing.T) {
	g := newTestGateway(t, 0)
	rec := postJSON(t, g.handler(), "/api/v1/sessions", `{"count": 1}`)
	var resp struct {
		Sessions []string `json:"sessions"`
		Reason   string   `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 0 || resp.Reason == "" {
		t.Errorf("expected empty list with reason, got %+v", resp)
	}
}

func TestResetPurgesSession(t *testing.T) {
	g := newTestGateway(t, 1)
	h := g.handler()

	rec := postJSON(t, h, "/api/v1/sessions", `{"count": 1}`)
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected one session, got %v", resp.Sessions)
	}
	id := resp.Sessions[0]
	waitIdle(t, g)

	resetRec := postJSON(t, h, "/api/v1/reset", `{"session_id": "`+id+`"}`)
	if resetRec.Code != http.StatusOK {
		t.Fatalf("reset status %d", resetRec.Code)
	}
	// Idempotent.
	resetRec = postJSON(t, h, "/api/v1/reset", `{"session_id": "`+id+`"}`)
	if resetRec.Code != http.StatusOK {
		t.Fatalf("second reset status %d", resetRec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusNotFound {
		t.Errorf("after reset, get should 404, got %d: %s", getRec.Code, getRec.Body)
	}
}

func TestResetAllWithoutBody(t *testing.T) {
	g := newTestGateway(t, 1)
	rec := postJSON(t, g.handler(), "/api/v1/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset-all status %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	g := newTestGateway(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	g.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["version"] == "" {
		t.Error("version missing from status")
	}
}

func TestEventStreamReplaysHistory(t *testing.T) {
	g := newTestGateway(t, 1)
	h := g.handler()

	rec := postJSON(t, h, "/api/v1/sessions", `{"count": 1}`)
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected one session, got %v", resp.Sessions)
	}
	id := resp.Sessions[0]
	waitIdle(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id+"/events", nil).WithContext(ctx)
	streamRec := httptest.NewRecorder()
	h.ServeHTTP(streamRec, req)

	body := streamRec.Body.String()
	if !strings.Contains(body, string(events.KindSessionStarted)) {
		t.Errorf("replay missing session_started:\n%s", body)
	}
	if !strings.Contains(body, string(events.KindSessionEnded)) {
		t.Errorf("replay missing session_ended:\n%s", body)
	}
	if !strings.Contains(body, "id:") {
		t.Errorf("SSE frames missing event ids:\n%s", body)
	}
}
