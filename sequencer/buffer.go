package sequencer

import (
	"sync/atomic"

	"ostinato"
)

type (
	// EventBuffer is the mapped form of one segment (or of the composition's
	// tempo/time-signature/marker timeline): the flat events it produces,
	// ordered by time, plus the validity window they cover. The owning Mapper
	// is the only writer; any number of cursors may read concurrently.
	// Rebuilds publish a whole new snapshot through an atomic pointer, so a
	// reader mid-iteration keeps seeing the snapshot it started with and
	// never a torn mix.
	EventBuffer struct {
		mapper     *Mapper
		snapshot   atomic.Pointer[bufferSnapshot]
		generation atomic.Int64
	}

	bufferSnapshot struct {
		events []ostinato.Event
		start  ostinato.RealTime
		end    ostinato.RealTime
	}
)

func newEventBuffer(m *Mapper) *EventBuffer {
	b := &EventBuffer{mapper: m}
	b.snapshot.Store(&bufferSnapshot{})
	return b
}

// publish swaps in a freshly rebuilt snapshot and bumps the generation so
// cursors know to reposition.
func (b *EventBuffer) publish(events []ostinato.Event, start, end ostinato.RealTime) {
	b.snapshot.Store(&bufferSnapshot{events: events, start: start, end: end})
	b.generation.Add(1)
}

// Events returns the current snapshot's events. The slice must be treated as
// read-only; it may be shared with concurrent readers.
func (b *EventBuffer) Events() []ostinato.Event {
	return b.snapshot.Load().events
}

// Window returns the validity window the current snapshot covers.
func (b *EventBuffer) Window() (start, end ostinato.RealTime) {
	s := b.snapshot.Load()
	return s.start, s.end
}

// Generation increases by one on every rebuild.
func (b *EventBuffer) Generation() int64 {
	return b.generation.Load()
}

func (b *EventBuffer) Mapper() *Mapper {
	return b.mapper
}
