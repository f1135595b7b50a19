package cli

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyd/parley/internal/controller"
	"github.com/parleyd/parley/internal/match"
	"github.com/parleyd/parley/internal/store"
)

// handleCreateSessions binds a counterparty for each requested pairing and
// starts one controller per match. Matching stops at the first exhausted
// roster; the response lists whatever was created plus the reason.
func (g *gatewayServer) handleCreateSessions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.Count < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "count must be positive"})
		return
	}

	created := []string{}
	var reason string
	for i := 0; i < req.Count; i++ {
		tenantID := "tenant-" + uuid.NewString()[:8]
		m, err := g.matcher.Select(r.Context(), tenantID)
		if err != nil {
			if errors.Is(err, match.ErrNoMatch) {
				reason = "no available counterparties"
			} else {
				reason = err.Error()
			}
			break
		}

		sessionID := uuid.NewString()
		ctrl := controller.New(sessionID, tenantID, g.controllerOptions(m))
		if err := g.reg.Add(sessionID, ctrl); err != nil {
			// Freshly minted uuid colliding with a live session should
			// not happen; surface it rather than start a second writer.
			reason = err.Error()
			break
		}
		ctrl.Start(g.baseCtx)
		created = append(created, sessionID)
		slog.Info("Session created", "session", sessionID, "tenant", tenantID, "landlord", m.LandlordID)
	}

	resp := map[string]any{"sessions": created}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReset purges persisted state and tears down in-memory controllers
// for one session or all of them. Idempotent; always succeeds.
func (g *gatewayServer) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
	}

	if req.SessionID != "" {
		if ctrl, ok := g.reg.Get(req.SessionID); ok {
			ctrl.Stop()
			g.reg.Remove(req.SessionID)
		}
		if err := g.st.Purge(r.Context(), req.SessionID); err != nil {
			slog.Error("Purge failed", "session", req.SessionID, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": req.SessionID})
		return
	}

	g.reg.StopAll()
	if err := g.st.PurgeAll(r.Context()); err != nil {
		slog.Error("Purge all failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleGetSession returns the current state of a session: the live
// controller's snapshot if one is running, otherwise the state recovered
// from checkpoint plus write log.
func (g *gatewayServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ctrl, ok := g.reg.Get(id); ok {
		writeJSON(w, http.StatusOK, ctrl.Session())
		return
	}
	sess, err := g.st.Recover(r.Context(), id)
	if err != nil {
		var corrupted *store.CorruptedHistoryError
		switch {
		case errors.Is(err, store.ErrNoSession):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such session"})
		case errors.As(err, &corrupted):
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": corrupted.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (g *gatewayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := g.st.SessionIDs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   version,
		"active":    g.reg.Len(),
		"persisted": len(ids),
	})
}
