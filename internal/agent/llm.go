package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyd/parley/internal/negotiation"
)

// LLMGateway implements Gateway against an OpenAI-compatible chat
// completions API. The model is instructed to answer with a single JSON
// object carrying message, intent and terms; anything else is an
// InvocationError and left to the controller's retry policy.
type LLMGateway struct {
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewLLMGateway creates a gateway for an OpenAI-compatible endpoint.
func NewLLMGateway(apiKey, apiBase, model string, maxTokens int, temperature float64) *LLMGateway {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &LLMGateway{
		apiKey:      apiKey,
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

const systemPromptTmpl = `You are the %s in a rental lease negotiation over property %q.
Read the conversation and produce your next move.
Respond with exactly one JSON object, no prose around it:
{"message": "<what you say>", "intent": "<continue|propose|agree|reject>", "terms": {"price_monthly": <int>, "duration_months": <int>, "start_date": "<YYYY-MM-DD>"}, "rationale": "<one sentence>"}
Include "terms" only with intent propose or agree.`

type decisionPayload struct {
	Message   string             `json:"message"`
	Intent    string             `json:"intent"`
	Terms     *negotiation.Terms `json:"terms,omitempty"`
	Rationale string             `json:"rationale,omitempty"`
}

// Decide implements Gateway.
func (g *LLMGateway) Decide(ctx context.Context, party negotiation.Party, sess *negotiation.Session) (*Decision, error) {
	messages := []map[string]any{
		{"role": "system", "content": fmt.Sprintf(systemPromptTmpl, party, sess.PropertyRef)},
	}
	for _, m := range sess.Messages {
		role := "user"
		if m.Party == party {
			role = "assistant"
		}
		messages = append(messages, map[string]any{"role": role, "content": m.Content})
	}
	if len(sess.Messages) == 0 {
		messages = append(messages, map[string]any{"role": "user", "content": "Open the negotiation."})
	}
	if sess.PendingClarification != "" {
		messages = append(messages, map[string]any{
			"role":    "user",
			"content": "Clarification needed before this can close: " + sess.PendingClarification,
		})
	}

	body := map[string]any{
		"model":           g.model,
		"messages":        messages,
		"max_tokens":      g.maxTokens,
		"temperature":     g.temperature,
		"response_format": map[string]any{"type": "json_object"},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &InvocationError{Party: party, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))}
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("parse response: %w", err)}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("no choices in response")}
	}

	return parseDecision(party, apiResp.Choices[0].Message.Content)
}

// parseDecision extracts a Decision from the model's raw output. Models
// sometimes wrap the JSON in code fences; strip them before decoding.
func parseDecision(party negotiation.Party, raw string) (*Decision, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var payload decisionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("unparsable decision: %w", err)}
	}
	intent, err := negotiation.ParseIntent(payload.Intent)
	if err != nil {
		return nil, &InvocationError{Party: party, Cause: err}
	}
	if payload.Message == "" {
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("empty message")}
	}
	return &Decision{
		Message:   payload.Message,
		Intent:    intent,
		Terms:     payload.Terms,
		Rationale: payload.Rationale,
	}, nil
}
