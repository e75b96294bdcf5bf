// Package ostinato contains the domain types of a segment-based music
// sequencer: a Composition made of time-ranged Segments, the flat Events that
// the mapping stage produces from them, and the interfaces through which the
// real-time engine (package sequencer) talks to the outside world.
package ostinato

import "time"

type (
	// Ticks is musical time. All segment positions and note times are
	// expressed in ticks; the Composition's tempo map converts them to
	// RealTime for playback.
	Ticks int64

	// RealTime is wall-clock time in nanoseconds since the start of the
	// composition. It is a separate type from time.Duration on purpose: mixing
	// the two domains up is the classic sequencer bug, and the type system
	// can catch most of it.
	RealTime int64

	TrackID      int
	InstrumentID int
	DeviceID     int

	// ClipID identifies an audio clip in whatever clip store the output stage
	// uses. The core only carries it around.
	ClipID int
)

const NoTrack TrackID = -1

func RealTimeFromSeconds(sec float64) RealTime {
	return RealTime(sec * 1e9)
}

func RealTimeFromDuration(d time.Duration) RealTime {
	return RealTime(d.Nanoseconds())
}

func (t RealTime) Seconds() float64 {
	return float64(t) / 1e9
}

func (t RealTime) Duration() time.Duration {
	return time.Duration(t)
}

// Driver is the output stage consuming the scheduler's event slices. It is
// external to the core: a MIDI port, an audio engine, or a test fake. Deliver
// receives every event whose start time falls in [start, end), in
// non-decreasing time order. QueueAudio receives AudioTrigger events
// regardless of window containment, so the audio side can pre-roll clips that
// are already sounding when playback starts mid-clip.
type Driver interface {
	Deliver(events []Event, start, end RealTime) error
	QueueAudio(events []Event)
	Close() error
}

// ControlState answers mute/solo/archive queries per track. The mappers
// consult it on every shouldPlay decision instead of caching, so a mute
// toggle takes effect on the next fetch without a rebuild.
type ControlState interface {
	TrackMuted(track TrackID) bool
	TrackSoloed(track TrackID) bool
	TrackArchived(track TrackID) bool
	AnyTrackSoloed() bool
}
