package bandwidth

import (
	"sync"

	"torrentdesk/internal/domain"
)

// Gate remembers the limits last applied to the engine so a tick only
// results in an engine call when the resolved pair changes.
type Gate struct {
	mu      sync.Mutex
	applied domain.Limits
	known   bool
}

// Changed reports whether next differs from what is applied. Before the
// first Mark every value counts as a change.
func (g *Gate) Changed(next domain.Limits) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.known || g.applied != next
}

// Mark records a successful engine update.
func (g *Gate) Mark(applied domain.Limits) {
	g.mu.Lock()
	g.applied = applied
	g.known = true
	g.mu.Unlock()
}
