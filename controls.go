package ostinato

import "sync"

// Controls is the shared mute/solo/archive state, a concrete ControlState.
// The UI-like side flips flags, the mapping side queries them per fetch; the
// lock is held only for map lookups so contention stays negligible.
type Controls struct {
	mu       sync.RWMutex
	muted    map[TrackID]bool
	soloed   map[TrackID]bool
	archived map[TrackID]bool
	numSolo  int
}

func NewControls() *Controls {
	return &Controls{
		muted:    make(map[TrackID]bool),
		soloed:   make(map[TrackID]bool),
		archived: make(map[TrackID]bool),
	}
}

func (c *Controls) SetMuted(track TrackID, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if muted {
		c.muted[track] = true
	} else {
		delete(c.muted, track)
	}
}

func (c *Controls) SetSoloed(track TrackID, soloed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if soloed == c.soloed[track] {
		return
	}
	if soloed {
		c.soloed[track] = true
		c.numSolo++
	} else {
		delete(c.soloed, track)
		c.numSolo--
	}
}

func (c *Controls) SetArchived(track TrackID, archived bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if archived {
		c.archived[track] = true
	} else {
		delete(c.archived, track)
	}
}

func (c *Controls) TrackMuted(track TrackID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted[track]
}

func (c *Controls) TrackSoloed(track TrackID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.soloed[track]
}

func (c *Controls) TrackArchived(track TrackID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.archived[track]
}

func (c *Controls) AnyTrackSoloed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.numSolo > 0
}
