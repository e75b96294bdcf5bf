package ostinato

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

type (
	// Composition is the full document: tracks, ordered segments and the
	// tempo/time-signature timeline. The real-time engine treats it as
	// read-only; edits happen on the producer side, which marks the touched
	// segments modified so the engine picks the change up on its next tick.
	Composition struct {
		TicksPerBeat   int
		Tracks         []Track
		Segments       []*Segment
		Tempos         []TempoChange         `yaml:",omitempty"`
		TimeSignatures []TimeSignatureChange `yaml:",omitempty"`
		Markers        []Marker              `yaml:",omitempty"`
	}

	// Track ties a track id to the instrument its events are delivered on.
	Track struct {
		ID         TrackID
		Instrument InstrumentID
		Name       string `yaml:",omitempty"`
	}

	TempoChange struct {
		Time Ticks
		BPM  float64
	}

	TimeSignatureChange struct {
		Time        Ticks
		Numerator   int
		Denominator int
	}

	Marker struct {
		Time Ticks
		Text string
	}

	SegmentKind string

	// Segment is a time-ranged container of content on one track. A generic
	// segment holds musical events; an audio-clip segment references a clip
	// by id. End is exclusive. When Repeat is set the segment keeps playing
	// its content until RepeatEnd.
	Segment struct {
		Track         TrackID
		Kind          SegmentKind
		Start         Ticks
		End           Ticks
		Repeat        bool  `yaml:",omitempty"`
		RepeatEnd     Ticks `yaml:",omitempty"`
		Delay         Ticks `yaml:",omitempty"`
		RealTimeDelay RealTime `yaml:",omitempty"`

		Events []SegmentEvent `yaml:",omitempty"`

		Clip      ClipID   `yaml:",omitempty"`
		ClipStart RealTime `yaml:",omitempty"`
		ClipEnd   RealTime `yaml:",omitempty"`
		AutoFade  bool     `yaml:",omitempty"`
		FadeIn    RealTime `yaml:",omitempty"`
		FadeOut   RealTime `yaml:",omitempty"`

		runtimeID int
		modified  atomic.Bool
	}

	// SegmentEvent is one musical event inside a generic segment. Type tells
	// the semantic type and Parameters its numeric payload; which parameters
	// are required depends on the type. Unknown types and missing parameters
	// do not fail mapping, they degrade to invalid output events.
	SegmentEvent struct {
		Type       string
		Time       Ticks
		Duration   Ticks          `yaml:",omitempty"`
		Parameters map[string]int `yaml:",flow,omitempty"`
		Payload    []byte         `yaml:",omitempty"`
		Text       string         `yaml:",omitempty"`
		TextType   string         `yaml:",omitempty"`
	}
)

const (
	GenericSegment   SegmentKind = "generic"
	AudioClipSegment SegmentKind = "audioclip"
)

// Segment event types the generic mapper understands.
const (
	EventTypeNote            = "note"
	EventTypePitchBend       = "pitchbend"
	EventTypeController      = "controller"
	EventTypeProgramChange   = "programchange"
	EventTypeKeyPressure     = "keypressure"
	EventTypeChannelPressure = "channelpressure"
	EventTypeSystemPayload   = "systempayload"
	EventTypeText            = "text"
)

// Text subtypes; annotations and directives are editor-only and never reach
// the output stage.
const (
	TextTypeLyric      = "lyric"
	TextTypeAnnotation = "annotation"
	TextTypeDirective  = "directive"
)

const defaultBPM = 120

func (e *SegmentEvent) Param(name string) (int, bool) {
	v, ok := e.Parameters[name]
	return v, ok
}

func (e *SegmentEvent) Copy() SegmentEvent {
	params := make(map[string]int, len(e.Parameters))
	for k, v := range e.Parameters {
		params[k] = v
	}
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	return SegmentEvent{Type: e.Type, Time: e.Time, Duration: e.Duration,
		Parameters: params, Payload: payload, Text: e.Text, TextType: e.TextType}
}

// Duration returns the segment's span in ticks, never negative.
func (s *Segment) Duration() Ticks {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// MarkModified raises the segment's refresh flag. The scheduler examines the
// flag once per tick and rebuilds the segment's event buffer; calling this on
// every edit is cheap.
func (s *Segment) MarkModified() {
	s.modified.Store(true)
}

// TakeModified consumes the refresh flag, reporting whether it was raised.
func (s *Segment) TakeModified() bool {
	return s.modified.CompareAndSwap(true, false)
}

func (s *Segment) RuntimeID() int {
	return s.runtimeID
}

// SetRuntimeID is called once when the segment is attached to a sequencer.
func (s *Segment) SetRuntimeID(id int) {
	s.runtimeID = id
}

func (s *Segment) Copy() *Segment {
	events := make([]SegmentEvent, len(s.Events))
	for i := range s.Events {
		events[i] = s.Events[i].Copy()
	}
	c := &Segment{Track: s.Track, Kind: s.Kind, Start: s.Start, End: s.End,
		Repeat: s.Repeat, RepeatEnd: s.RepeatEnd, Delay: s.Delay,
		RealTimeDelay: s.RealTimeDelay, Events: events, Clip: s.Clip,
		ClipStart: s.ClipStart, ClipEnd: s.ClipEnd, AutoFade: s.AutoFade,
		FadeIn: s.FadeIn, FadeOut: s.FadeOut, runtimeID: s.runtimeID}
	return c
}

func (c *Composition) Copy() *Composition {
	tracks := make([]Track, len(c.Tracks))
	copy(tracks, c.Tracks)
	segments := make([]*Segment, len(c.Segments))
	for i, s := range c.Segments {
		segments[i] = s.Copy()
	}
	tempos := make([]TempoChange, len(c.Tempos))
	copy(tempos, c.Tempos)
	timeSigs := make([]TimeSignatureChange, len(c.TimeSignatures))
	copy(timeSigs, c.TimeSignatures)
	markers := make([]Marker, len(c.Markers))
	copy(markers, c.Markers)
	return &Composition{TicksPerBeat: c.TicksPerBeat, Tracks: tracks,
		Segments: segments, Tempos: tempos, TimeSignatures: timeSigs, Markers: markers}
}

// TrackByID returns the track with the given id, or nil if the composition
// has no such track.
func (c *Composition) TrackByID(id TrackID) *Track {
	for i := range c.Tracks {
		if c.Tracks[i].ID == id {
			return &c.Tracks[i]
		}
	}
	return nil
}

// BPMAt returns the tempo in effect at tick t. Before the first tempo change
// (or without any) the composition runs at 120 BPM.
func (c *Composition) BPMAt(t Ticks) float64 {
	bpm := float64(defaultBPM)
	for _, tc := range c.Tempos {
		if tc.Time > t {
			break
		}
		bpm = tc.BPM
	}
	return bpm
}

// RealTimeAt converts musical time to real time by integrating over the
// tempo map. Tempo changes are expected sorted by time; Validate checks this.
func (c *Composition) RealTimeAt(t Ticks) RealTime {
	tpb := c.TicksPerBeat
	if tpb <= 0 {
		tpb = 1
	}
	var rt float64
	pos := Ticks(0)
	bpm := float64(defaultBPM)
	for _, tc := range c.Tempos {
		if tc.Time >= t {
			break
		}
		if tc.Time > pos {
			rt += float64(tc.Time-pos) * 60e9 / (bpm * float64(tpb))
			pos = tc.Time
		}
		if tc.BPM > 0 {
			bpm = tc.BPM
		}
	}
	rt += float64(t-pos) * 60e9 / (bpm * float64(tpb))
	return RealTime(rt + 0.5)
}

// TicksAt is the inverse of RealTimeAt, used to place recorded input into
// the composition's tick domain.
func (c *Composition) TicksAt(rt RealTime) Ticks {
	tpb := c.TicksPerBeat
	if tpb <= 0 {
		tpb = 1
	}
	var elapsed float64
	pos := Ticks(0)
	bpm := float64(defaultBPM)
	for _, tc := range c.Tempos {
		if tc.Time <= pos {
			if tc.BPM > 0 {
				bpm = tc.BPM
			}
			continue
		}
		span := float64(tc.Time-pos) * 60e9 / (bpm * float64(tpb))
		if elapsed+span > float64(rt) {
			break
		}
		elapsed += span
		pos = tc.Time
		if tc.BPM > 0 {
			bpm = tc.BPM
		}
	}
	return pos + Ticks((float64(rt)-elapsed)*bpm*float64(tpb)/60e9+0.5)
}

var (
	ErrSegmentRange   = errors.New("segment end must not precede its start")
	ErrRepeatEnd      = errors.New("repeat end must not precede the segment end")
	ErrUnsortedTempos = errors.New("tempo changes must be sorted by time")
)

func (c *Composition) Validate() error {
	if c.TicksPerBeat <= 0 {
		return errors.New("ticks per beat must be positive")
	}
	if !sort.SliceIsSorted(c.Tempos, func(i, j int) bool {
		return c.Tempos[i].Time < c.Tempos[j].Time
	}) {
		return ErrUnsortedTempos
	}
	for i, s := range c.Segments {
		if s.End < s.Start {
			return fmt.Errorf("segment %d: %w", i, ErrSegmentRange)
		}
		if s.Repeat && s.RepeatEnd < s.End {
			return fmt.Errorf("segment %d: %w", i, ErrRepeatEnd)
		}
		if s.Kind != GenericSegment && s.Kind != AudioClipSegment {
			return fmt.Errorf("segment %d: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}

// ReadComposition parses a yaml composition document.
func ReadComposition(r io.Reader) (*Composition, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading composition: %w", err)
	}
	var c Composition
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parsing composition: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Write serializes the composition as yaml.
func (c *Composition) Write(w io.Writer) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serializing composition: %w", err)
	}
	_, err = w.Write(b)
	return err
}
