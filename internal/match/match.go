// Package match defines the gateway to the external counterparty
// selection capability, invoked once per session before the turn loop.
package match

import (
	"context"
	"errors"
	"sync"
)

// ErrNoMatch means no counterparty is available for the tenant. Terminal
// for the session; retry policy, if any, belongs to the caller of session
// creation.
var ErrNoMatch = errors.New("no matching landlord available")

// Match binds a tenant to a landlord over one property.
type Match struct {
	LandlordID  string
	PropertyRef string
}

// Gateway selects a counterparty for a tenant. Called exactly once per
// session.
type Gateway interface {
	Select(ctx context.Context, tenantID string) (*Match, error)
}

// Listing is one landlord's available property.
type Listing struct {
	LandlordID  string
	PropertyRef string
}

// Roster is an in-memory Gateway handing out each listing at most once.
// Serves demo mode and tests; production deployments plug in the real
// selection service behind the same interface.
type Roster struct {
	mu       sync.Mutex
	listings []Listing
}

// NewRoster creates a roster over the given listings.
func NewRoster(listings ...Listing) *Roster {
	return &Roster{listings: listings}
}

// Select implements Gateway.
func (r *Roster) Select(ctx context.Context, tenantID string) (*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.listings) == 0 {
		return nil, ErrNoMatch
	}
	l := r.listings[0]
	r.listings = r.listings[1:]
	return &Match{LandlordID: l.LandlordID, PropertyRef: l.PropertyRef}, nil
}

// Remaining returns the number of unclaimed listings.
func (r *Roster) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listings)
}
