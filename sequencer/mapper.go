package sequencer

import (
	"math"

	"ostinato"
	"ostinato/datablock"
)

// BufferKind selects which fill routine rebuilds a buffer. The set is closed
// and small, so the dispatch is a plain function table instead of an
// interface hierarchy.
type BufferKind int

const (
	GenericBuffer BufferKind = iota
	AudioClipBuffer
	TempoBuffer
	TimeSignatureBuffer
	MarkerBuffer
	numBufferKinds
)

// Mapper rebuilds one EventBuffer from composition state. Segment mappers
// (generic, audio clip) map one segment; the timeline mappers (tempo, time
// signature, marker) have no segment and map composition-level change lists.
// Rebuild runs on the scheduling context only; readers go through the
// buffer's snapshots.
type Mapper struct {
	kind    BufferKind
	doc     *ostinato.Composition
	control ostinato.ControlState
	blocks  *datablock.Repository
	segment *ostinato.Segment
	buffer  *EventBuffer

	// datablocks registered by the current snapshot; released on the next
	// rebuild and on Release
	ownedBlocks []ostinato.BlockID
}

var fillFuncs = [numBufferKinds]func(*Mapper) ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime){
	GenericBuffer:       (*Mapper).fillGeneric,
	AudioClipBuffer:     (*Mapper).fillAudioClip,
	TempoBuffer:         (*Mapper).fillTempo,
	TimeSignatureBuffer: (*Mapper).fillTimeSignature,
	MarkerBuffer:        (*Mapper).fillMarker,
}

// NewSegmentMapper makes the mapper matching the segment's kind, or nil for
// an unknown kind.
func NewSegmentMapper(doc *ostinato.Composition, control ostinato.ControlState,
	blocks *datablock.Repository, segment *ostinato.Segment) *Mapper {
	var kind BufferKind
	switch segment.Kind {
	case ostinato.GenericSegment:
		kind = GenericBuffer
	case ostinato.AudioClipSegment:
		kind = AudioClipBuffer
	default:
		return nil
	}
	m := &Mapper{kind: kind, doc: doc, control: control, blocks: blocks, segment: segment}
	m.buffer = newEventBuffer(m)
	m.Rebuild()
	return m
}

func newTimelineMapper(doc *ostinato.Composition, blocks *datablock.Repository, kind BufferKind) *Mapper {
	m := &Mapper{kind: kind, doc: doc, blocks: blocks}
	m.buffer = newEventBuffer(m)
	m.Rebuild()
	return m
}

func NewTempoMapper(doc *ostinato.Composition) *Mapper {
	return newTimelineMapper(doc, nil, TempoBuffer)
}

func NewTimeSignatureMapper(doc *ostinato.Composition) *Mapper {
	return newTimelineMapper(doc, nil, TimeSignatureBuffer)
}

func NewMarkerMapper(doc *ostinato.Composition, blocks *datablock.Repository) *Mapper {
	return newTimelineMapper(doc, blocks, MarkerBuffer)
}

func (m *Mapper) Buffer() *EventBuffer {
	return m.buffer
}

func (m *Mapper) Segment() *ostinato.Segment {
	return m.segment
}

func (m *Mapper) TrackID() ostinato.TrackID {
	if m.segment == nil {
		return ostinato.NoTrack
	}
	return m.segment.Track
}

// Rebuild maps the current composition state into a fresh snapshot.
// Datablocks registered for the previous snapshot are released.
func (m *Mapper) Rebuild() {
	oldBlocks := m.ownedBlocks
	m.ownedBlocks = nil
	events, start, end := fillFuncs[m.kind](m)
	m.buffer.publish(events, start, end)
	for _, id := range oldBlocks {
		m.blocks.Unregister(id)
	}
}

// Release drops the datablocks owned by the buffer; called when the segment
// is detached and the mapper discarded.
func (m *Mapper) Release() {
	for _, id := range m.ownedBlocks {
		m.blocks.Unregister(id)
	}
	m.ownedBlocks = nil
}

// mutedEtc is the common mute/solo/archive precedence: archived overrides
// everything; in solo mode only soloed tracks sound; otherwise the mute flag
// decides.
func (m *Mapper) mutedEtc() bool {
	track := m.TrackID()
	if m.control.TrackArchived(track) {
		return true
	}
	if m.control.AnyTrackSoloed() {
		return !m.control.TrackSoloed(track)
	}
	return m.control.TrackMuted(track)
}

// ShouldPlay decides per event, per fetch, whether the event reaches the
// output stage. Timeline buffers carry no mute logic. The timeslice has
// already excluded events starting too late; this excludes muted tracks and
// events that finished sounding before the slice.
func (m *Mapper) ShouldPlay(e *ostinato.Event, sliceStart ostinato.RealTime) bool {
	if e.Kind == ostinato.KindInvalid {
		return false
	}
	switch m.kind {
	case TempoBuffer, TimeSignatureBuffer, MarkerBuffer:
		return true
	}
	if m.mutedEtc() {
		return false
	}
	return !e.EndedBefore(sliceStart)
}

// repeatCount returns how many extra instances a repeating segment plays
// after the first: zero unless repeating with positive duration, else
// 1 + (repeatEnd - end) / duration. For audio clips this yields one instance
// more than a same-shaped generic segment's full repeats; the partial-repeat
// cut-off in the fill loops relies on it, so it stays as is.
func (m *Mapper) repeatCount() int {
	duration := m.segment.Duration()
	if !m.segment.Repeat || duration <= 0 {
		return 0
	}
	return int(1 + (m.segment.RepeatEnd-m.segment.End)/duration)
}

func (m *Mapper) eventRealTime(t ostinato.Ticks) ostinato.RealTime {
	return m.doc.RealTimeAt(t+m.segment.Delay) + m.segment.RealTimeDelay
}

func (m *Mapper) fillGeneric() ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime) {
	seg := m.segment
	track := m.doc.TrackByID(seg.Track)
	if track == nil {
		// segment on a nonexistent track maps to nothing, not an error
		return nil, 0, 0
	}
	duration := seg.Duration()
	limit := seg.End
	repeats := 0
	if seg.Repeat && duration > 0 {
		limit = seg.RepeatEnd
		repeats = int((seg.RepeatEnd - seg.Start - 1) / duration)
	}
	var events []ostinato.Event
	for n := 0; n <= repeats; n++ {
		base := seg.Start + ostinato.Ticks(n)*duration
		for i := range seg.Events {
			src := &seg.Events[i]
			if src.Time < 0 || src.Time >= duration && duration > 0 {
				continue
			}
			at := base + src.Time
			if at >= limit {
				continue
			}
			e := m.convertEvent(src, track)
			e.Time = m.eventRealTime(at)
			if src.Duration > 0 {
				e.Duration = m.doc.RealTimeAt(at+src.Duration) - m.doc.RealTimeAt(at)
			}
			e.Track = seg.Track
			e.RuntimeSegment = seg.RuntimeID()
			events = append(events, e)
		}
	}
	sortEvents(events)
	return events, m.eventRealTime(seg.Start), m.eventRealTime(limit)
}

// convertEvent builds the flat event for one source event, dispatching on
// its semantic type. Anything unsupported or out of range degrades to a
// single invalid event rather than aborting the batch.
func (m *Mapper) convertEvent(src *ostinato.SegmentEvent, track *ostinato.Track) ostinato.Event {
	e := ostinato.Event{Instrument: track.Instrument}
	if ch, ok := src.Param("channel"); ok {
		e.RecordedChannel = byte(ch) + 1
	}
	if dev, ok := src.Param("device"); ok {
		e.RecordedDevice = ostinato.DeviceID(dev)
	}
	switch src.Type {
	case ostinato.EventTypeNote:
		pitch, ok := src.Param("pitch")
		if !ok || !midiByte(pitch) {
			return e
		}
		velocity, ok := src.Param("velocity")
		if !ok {
			velocity = 127
		}
		if !midiByte(velocity) {
			return e
		}
		e.Kind = ostinato.KindNote
		e.Data1 = byte(pitch)
		e.Data2 = byte(velocity)
	case ostinato.EventTypePitchBend:
		msb, ok1 := src.Param("msb")
		lsb, ok2 := src.Param("lsb")
		if !ok1 || !ok2 || !midiByte(msb) || !midiByte(lsb) {
			return e
		}
		e.Kind = ostinato.KindPitchBend
		e.Data1 = byte(msb)
		e.Data2 = byte(lsb)
	case ostinato.EventTypeController:
		number, ok1 := src.Param("number")
		value, ok2 := src.Param("value")
		if !ok1 || !ok2 || !midiByte(number) || !midiByte(value) {
			return e
		}
		e.Kind = ostinato.KindController
		e.Data1 = byte(number)
		e.Data2 = byte(value)
	case ostinato.EventTypeProgramChange:
		program, ok := src.Param("program")
		if !ok || !midiByte(program) {
			return e
		}
		e.Kind = ostinato.KindProgramChange
		e.Data1 = byte(program)
	case ostinato.EventTypeKeyPressure:
		pitch, ok1 := src.Param("pitch")
		pressure, ok2 := src.Param("pressure")
		if !ok1 || !ok2 || !midiByte(pitch) || !midiByte(pressure) {
			return e
		}
		e.Kind = ostinato.KindKeyPressure
		e.Data1 = byte(pitch)
		e.Data2 = byte(pressure)
	case ostinato.EventTypeChannelPressure:
		pressure, ok := src.Param("pressure")
		if !ok || !midiByte(pressure) {
			return e
		}
		e.Kind = ostinato.KindChannelPressure
		e.Data1 = byte(pressure)
	case ostinato.EventTypeSystemPayload:
		id, err := m.registerBlock(src.Payload)
		if err != nil {
			return e
		}
		e.Kind = ostinato.KindSystemPayload
		e.DataBlock = id
	case ostinato.EventTypeText:
		// annotations and directives are editor-only; mark them invalid so
		// consumers filter them
		if src.TextType == ostinato.TextTypeAnnotation || src.TextType == ostinato.TextTypeDirective {
			return e
		}
		id, err := m.registerBlock([]byte(src.Text))
		if err != nil {
			return e
		}
		e.Kind = ostinato.KindText
		if src.TextType == ostinato.TextTypeLyric {
			e.Data1 = 1
		}
		e.DataBlock = id
	}
	return e
}

func (m *Mapper) registerBlock(data []byte) (ostinato.BlockID, error) {
	id, err := m.blocks.Register(data)
	if err != nil {
		return 0, err
	}
	m.ownedBlocks = append(m.ownedBlocks, id)
	return id, nil
}

func (m *Mapper) fillAudioClip() ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime) {
	seg := m.segment
	track := m.doc.TrackByID(seg.Track)
	if track == nil {
		return nil, 0, 0
	}
	duration := seg.Duration()
	repeatEnd := seg.End
	repeatCount := m.repeatCount()
	if repeatCount > 0 {
		repeatEnd = seg.RepeatEnd
	}
	var events []ostinato.Event
	for repeatNo := 0; repeatNo <= repeatCount; repeatNo++ {
		playTime := seg.Start + ostinato.Ticks(repeatNo)*duration
		if playTime >= repeatEnd {
			break
		}
		e := ostinato.Event{
			Kind:           ostinato.KindAudioTrigger,
			Instrument:     track.Instrument,
			Time:           m.eventRealTime(playTime),
			Duration:       seg.ClipEnd - seg.ClipStart,
			Clip:           seg.Clip,
			ClipOffset:     seg.ClipStart,
			Track:          seg.Track,
			RuntimeSegment: seg.RuntimeID(),
		}
		if seg.AutoFade {
			e.AutoFade = true
			e.FadeIn = seg.FadeIn
			e.FadeOut = seg.FadeOut
		}
		events = append(events, e)
	}
	// the meta iterator does nothing special for audio triggers, so the
	// validity window stays wide open
	return events, 0, math.MaxInt64
}

func (m *Mapper) fillTempo() ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime) {
	events := make([]ostinato.Event, 0, len(m.doc.Tempos))
	for _, tc := range m.doc.Tempos {
		e := ostinato.Event{Kind: ostinato.KindTempo, Track: ostinato.NoTrack,
			Time: m.doc.RealTimeAt(tc.Time)}
		e.SetTempo(tc.BPM)
		events = append(events, e)
	}
	return events, 0, math.MaxInt64
}

func (m *Mapper) fillTimeSignature() ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime) {
	events := make([]ostinato.Event, 0, len(m.doc.TimeSignatures))
	for _, ts := range m.doc.TimeSignatures {
		events = append(events, ostinato.Event{Kind: ostinato.KindTimeSignature,
			Track: ostinato.NoTrack, Time: m.doc.RealTimeAt(ts.Time),
			Data1: byte(ts.Numerator), Data2: byte(ts.Denominator)})
	}
	return events, 0, math.MaxInt64
}

func (m *Mapper) fillMarker() ([]ostinato.Event, ostinato.RealTime, ostinato.RealTime) {
	events := make([]ostinato.Event, 0, len(m.doc.Markers))
	for _, mk := range m.doc.Markers {
		e := ostinato.Event{Kind: ostinato.KindMarker, Track: ostinato.NoTrack,
			Time: m.doc.RealTimeAt(mk.Time)}
		if id, err := m.registerBlock([]byte(mk.Text)); err == nil {
			e.DataBlock = id
		} else {
			e.Kind = ostinato.KindInvalid
		}
		events = append(events, e)
	}
	return events, 0, math.MaxInt64
}

func midiByte(v int) bool {
	return v >= 0 && v <= 127
}

func sortEvents(events []ostinato.Event) {
	// insertion sort: the per-repeat batches are already ordered, so the
	// slice is nearly sorted and this beats the general-purpose sort
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Time < events[j-1].Time; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
