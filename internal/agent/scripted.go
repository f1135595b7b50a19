package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleyd/parley/internal/negotiation"
)

// ScriptedGateway replays a fixed queue of decisions per party. Used by
// tests and demo mode; no external capability needed.
type ScriptedGateway struct {
	mu      sync.Mutex
	scripts map[negotiation.Party][]*Decision
	// Fallback is returned once a party's script runs out. Nil means
	// running out is an error.
	Fallback *Decision
}

// NewScriptedGateway creates an empty scripted gateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{scripts: make(map[negotiation.Party][]*Decision)}
}

// Push appends decisions to a party's script.
func (g *ScriptedGateway) Push(party negotiation.Party, decisions ...*Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[party] = append(g.scripts[party], decisions...)
}

// Decide implements Gateway.
func (g *ScriptedGateway) Decide(ctx context.Context, party negotiation.Party, sess *negotiation.Session) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	queue := g.scripts[party]
	if len(queue) == 0 {
		if g.Fallback != nil {
			d := *g.Fallback
			return &d, nil
		}
		return nil, &InvocationError{Party: party, Cause: fmt.Errorf("script exhausted")}
	}
	d := queue[0]
	g.scripts[party] = queue[1:]
	return d, nil
}
