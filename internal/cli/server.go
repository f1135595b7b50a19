package cli

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/parleyd/parley/internal/agent"
	"github.com/parleyd/parley/internal/config"
	"github.com/parleyd/parley/internal/controller"
	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/match"
	"github.com/parleyd/parley/internal/registry"
	"github.com/parleyd/parley/internal/store"
)

// gatewayServer is the HTTP surface of the daemon: session creation,
// reset, snapshot reads and the live event stream.
type gatewayServer struct {
	cfg *config.Config
	st  *store.Store
	pub *events.Publisher
	reg *registry.Registry
	// baseCtx is the daemon lifetime; session controllers run under it,
	// not under the request that created them.
	baseCtx context.Context
	matcher match.Gateway
	agents  agent.Gateway
}

func (g *gatewayServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", g.handleCreateSessions)
	mux.HandleFunc("POST /api/v1/reset", g.handleReset)
	mux.HandleFunc("GET /api/v1/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", g.handleSessionEvents)
	mux.HandleFunc("GET /api/v1/status", g.handleStatus)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (g *gatewayServer) controllerOptions(prebound *match.Match) controller.Options {
	return controller.Options{
		Store:       g.st,
		Publisher:   g.pub,
		Matcher:     g.matcher,
		Prebound:    prebound,
		Agents:      g.agents,
		Negotiation: g.cfg.Negotiation,
		StoreRetry:  g.cfg.Store,
		OnTerminal:  g.reg.Remove,
	}
}
