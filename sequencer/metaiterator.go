package sequencer

import (
	"sort"

	"ostinato"
)

type (
	// EventSink receives merged events from FetchEvents in time order.
	EventSink interface {
		Insert(e ostinato.Event)
	}

	// ListSink collects into a slice; the scheduler wraps pooled slices with
	// it before handing them to the driver.
	ListSink struct {
		Events []ostinato.Event
	}

	// MetaIterator merges any number of event buffers into one time-ordered
	// stream. It keeps an independent cursor per buffer; forward fetches
	// never reseek, so steady-state playback costs amortized O(1) per event.
	// Ties at equal timestamps resolve by buffer registration order, making
	// repeated fetches over the same window reproducible.
	MetaIterator struct {
		cursors      []*metaCursor
		lastFetchEnd ostinato.RealTime
	}

	metaCursor struct {
		buffer     *EventBuffer
		snap       []ostinato.Event
		generation int64
		index      int
		seekNeeded bool
		seekTarget ostinato.RealTime
	}
)

func (l *ListSink) Insert(e ostinato.Event) {
	l.Events = append(l.Events, e)
}

func NewMetaIterator() *MetaIterator {
	return &MetaIterator{}
}

// AddBuffer starts merging from the buffer. The new cursor is positioned at
// the last fetched boundary so the buffer joins the stream mid-flight
// without replaying already-delivered time.
func (mi *MetaIterator) AddBuffer(b *EventBuffer) {
	c := &metaCursor{buffer: b, seekNeeded: true, seekTarget: mi.lastFetchEnd}
	mi.cursors = append(mi.cursors, c)
}

// RemoveBuffer drops the iterator's reference to the buffer. The buffer
// itself lives on while anything else still holds it.
func (mi *MetaIterator) RemoveBuffer(b *EventBuffer) {
	for i, c := range mi.cursors {
		if c.buffer == b {
			mi.cursors = append(mi.cursors[:i], mi.cursors[i+1:]...)
			return
		}
	}
}

func (mi *MetaIterator) Clear() {
	mi.cursors = nil
}

// ResetCursor invalidates one buffer's cursor after a rebuild without
// touching the others. With immediate the reposition happens now; otherwise
// it is deferred to the next fetch (recording keeps its historical behavior
// of not rewinding mid-take).
func (mi *MetaIterator) ResetCursor(b *EventBuffer, immediate bool) {
	for _, c := range mi.cursors {
		if c.buffer != b {
			continue
		}
		c.seekNeeded = true
		c.seekTarget = mi.lastFetchEnd
		if immediate {
			c.reposition()
		}
		return
	}
}

// JumpToTime repositions every cursor to the first event at or after t.
func (mi *MetaIterator) JumpToTime(t ostinato.RealTime) {
	for _, c := range mi.cursors {
		c.seekNeeded = true
		c.seekTarget = t
		c.reposition()
	}
	mi.lastFetchEnd = t
}

// FetchEvents merge-emits, in non-decreasing time order, every buffer's
// playable events whose start lies in [start, end).
func (mi *MetaIterator) FetchEvents(sink EventSink, start, end ostinato.RealTime) {
	for _, c := range mi.cursors {
		c.ensureValid(start)
	}
	for {
		var best *metaCursor
		for _, c := range mi.cursors {
			e := c.peek()
			if e == nil || e.Time >= end {
				continue
			}
			if best == nil || e.Time < best.peek().Time {
				best = c
			}
		}
		if best == nil {
			break
		}
		e := best.peek()
		if e.Time >= start && best.buffer.mapper.ShouldPlay(e, start) {
			sink.Insert(*e)
		}
		best.index++
	}
	if end > mi.lastFetchEnd {
		mi.lastFetchEnd = end
	}
}

// AudioEvents gathers the audio triggers of every unmuted buffer regardless
// of window, for pre-rolling the audio queue on start and jump.
func (mi *MetaIterator) AudioEvents() []ostinato.Event {
	var events []ostinato.Event
	for _, c := range mi.cursors {
		for _, e := range c.buffer.Events() {
			if e.Kind != ostinato.KindAudioTrigger {
				continue
			}
			if c.buffer.mapper.ShouldPlay(&e, 0) {
				events = append(events, e)
			}
		}
	}
	return events
}

// ensureValid refetches the snapshot if the buffer was rebuilt underneath
// the cursor, and performs any deferred reposition. A rebuilt buffer seeks
// to the current fetch start so already-delivered time is not replayed.
func (c *metaCursor) ensureValid(fetchStart ostinato.RealTime) {
	if gen := c.buffer.Generation(); gen != c.generation {
		c.seekNeeded = true
		if c.seekTarget < fetchStart {
			c.seekTarget = fetchStart
		}
	}
	if c.seekNeeded {
		c.reposition()
	}
}

func (c *metaCursor) reposition() {
	c.snap = c.buffer.Events()
	c.generation = c.buffer.Generation()
	c.index = sort.Search(len(c.snap), func(i int) bool {
		return c.snap[i].Time >= c.seekTarget
	})
	c.seekNeeded = false
}

func (c *metaCursor) peek() *ostinato.Event {
	if c.index >= len(c.snap) {
		return nil
	}
	return &c.snap[c.index]
}
