package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleyd/parley/internal/negotiation"
)

func TestParseDecision(t *testing.T) {
	raw := `{"message": "I propose 1200 for 12 months.", "intent": "propose", "terms": {"price_monthly": 1200, "duration_months": 12, "start_date": "2026-10-01"}, "rationale": "anchor high"}`
	d, err := parseDecision(negotiation.PartyLandlord, raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Intent != negotiation.IntentPropose {
		t.Errorf("intent = %s, want propose", d.Intent)
	}
	if d.Terms == nil || d.Terms.PriceMonthly != 1200 || d.Terms.DurationMonths != 12 {
		t.Errorf("unexpected terms: %+v", d.Terms)
	}
	if d.Rationale != "anchor high" {
		t.Errorf("rationale = %q", d.Rationale)
	}
}

func TestParseDecisionStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"message\": \"ok\", \"intent\": \"continue\"}\n```"
	d, err := parseDecision(negotiation.PartyTenant, raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Intent != negotiation.IntentContinue || d.Message != "ok" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestParseDecisionRejectsUnknownIntent(t *testing.T) {
	raw := `{"message": "hm", "intent": "ponder"}`
	_, err := parseDecision(negotiation.PartyTenant, raw)
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"intent": "continue"}`} {
		if _, err := parseDecision(negotiation.PartyTenant, raw); err == nil {
			t.Errorf("parseDecision(%q) should fail", raw)
		}
	}
}

func TestLLMGatewayDecide(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "test-model" {
			t.Errorf("model = %v", req["model"])
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": `{"message": "Deal.", "intent": "agree", "terms": {"price_monthly": 1250, "duration_months": 12}}`,
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	g := NewLLMGateway("test-key", server.URL, "test-model", 512, 0.7)
	sess := negotiation.NewSession("s1", "tenant-1")
	d, err := g.Decide(context.Background(), negotiation.PartyLandlord, sess)
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if d.Intent != negotiation.IntentAgree || d.Terms.PriceMonthly != 1250 {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestLLMGatewayForwardsClarificationPrompt(t *testing.T) {
	var gotMessages []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []map[string]any `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotMessages = req.Messages
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": `{"message": "To be clear: 1200 for 12 months.", "intent": "propose", "terms": {"price_monthly": 1200, "duration_months": 12}}`,
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	g := NewLLMGateway("k", server.URL, "m", 512, 0)
	sess := negotiation.NewSession("s1", "tenant-1")
	sess.Messages = append(sess.Messages, negotiation.Message{
		Party: negotiation.PartyTenant, Content: "I agree at 1100.", Intent: negotiation.IntentAgree, Turn: 1,
	})
	sess.PendingClarification = "acceptance terms diverge (1100/12mo vs 1200/12mo); confirm a single set of terms"

	if _, err := g.Decide(context.Background(), negotiation.PartyTenant, sess); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if len(gotMessages) == 0 {
		t.Fatal("no messages reached the endpoint")
	}
	last := gotMessages[len(gotMessages)-1]
	content, _ := last["content"].(string)
	if !strings.Contains(content, "1100/12mo vs 1200/12mo") {
		t.Errorf("clarification prompt missing from final message: %q", content)
	}
	if last["role"] != "user" {
		t.Errorf("clarification prompt role = %v, want user", last["role"])
	}
}

func TestLLMGatewayServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewLLMGateway("k", server.URL, "m", 512, 0)
	sess := negotiation.NewSession("s1", "tenant-1")
	_, err := g.Decide(context.Background(), negotiation.PartyTenant, sess)
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

func TestScriptedGateway(t *testing.T) {
	g := NewScriptedGateway()
	g.Push(negotiation.PartyTenant,
		&Decision{Message: "one", Intent: negotiation.IntentContinue},
		&Decision{Message: "two", Intent: negotiation.IntentReject},
	)
	sess := negotiation.NewSession("s1", "tenant-1")

	d, err := g.Decide(context.Background(), negotiation.PartyTenant, sess)
	if err != nil || d.Message != "one" {
		t.Fatalf("first decide: %v %+v", err, d)
	}
	d, err = g.Decide(context.Background(), negotiation.PartyTenant, sess)
	if err != nil || d.Message != "two" {
		t.Fatalf("second decide: %v %+v", err, d)
	}
	if _, err := g.Decide(context.Background(), negotiation.PartyTenant, sess); err == nil {
		t.Fatal("exhausted script without fallback should fail")
	}

	g.Fallback = &Decision{Message: "fb", Intent: negotiation.IntentContinue}
	d, err = g.Decide(context.Background(), negotiation.PartyTenant, sess)
	if err != nil || d.Message != "fb" {
		t.Fatalf("fallback decide: %v %+v", err, d)
	}
}
