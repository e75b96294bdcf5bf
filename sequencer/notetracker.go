package sequencer

import "ostinato"

type (
	noteKey struct {
		device  ostinato.DeviceID
		channel byte
		pitch   byte
	}

	openNote struct {
		segment *ostinato.Segment
		index   int
		onset   ostinato.Ticks
	}

	// NoteTracker remembers recorded notes whose note-off has not arrived
	// yet, keyed by (device, channel, pitch). Simultaneous same-pitch notes
	// stack; a note-off closes the oldest. Closing rewrites the note's
	// duration inside its recording segment, the only place segment content
	// changes outside normal editing.
	NoteTracker struct {
		open map[noteKey][]openNote
	}
)

func NewNoteTracker() *NoteTracker {
	return &NoteTracker{open: make(map[noteKey][]openNote)}
}

// NoteOn registers an open note. index is the note's position in the
// segment's event list; recording only ever appends, so the handle stays
// valid until the note is closed.
func (t *NoteTracker) NoteOn(device ostinato.DeviceID, channel, pitch byte,
	segment *ostinato.Segment, index int, onset ostinato.Ticks) {
	key := noteKey{device: device, channel: channel, pitch: pitch}
	t.open[key] = append(t.open[key], openNote{segment: segment, index: index, onset: onset})
}

// NoteOff closes the oldest open note for the key, assigning it
// max(1, closeTime - onset) so no recorded note ends up with zero or
// negative duration. Reports whether a matching open note existed.
func (t *NoteTracker) NoteOff(device ostinato.DeviceID, channel, pitch byte,
	closeTime ostinato.Ticks) bool {
	key := noteKey{device: device, channel: channel, pitch: pitch}
	stack := t.open[key]
	if len(stack) == 0 {
		return false
	}
	t.close(stack[0], closeTime)
	if len(stack) == 1 {
		delete(t.open, key)
	} else {
		t.open[key] = stack[1:]
	}
	return true
}

// CloseAll force-closes every open note, as on stop or at a loop boundary.
func (t *NoteTracker) CloseAll(closeTime ostinato.Ticks) {
	for key, stack := range t.open {
		for _, n := range stack {
			t.close(n, closeTime)
		}
		delete(t.open, key)
	}
}

func (t *NoteTracker) OpenCount() int {
	n := 0
	for _, stack := range t.open {
		n += len(stack)
	}
	return n
}

func (t *NoteTracker) close(n openNote, closeTime ostinato.Ticks) {
	duration := closeTime - n.onset
	if duration < 1 {
		duration = 1
	}
	if n.index >= 0 && n.index < len(n.segment.Events) {
		n.segment.Events[n.index].Duration = duration
		n.segment.MarkModified()
	}
}
