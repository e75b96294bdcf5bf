package ostinato

type (
	// EventKind tags the payload carried by an Event. The set is closed;
	// consumers dispatch with a switch and treat anything they do not know as
	// KindInvalid.
	EventKind uint8

	// BlockID refers to an oversized payload held in a datablock.Repository.
	// Zero means the event has no external payload.
	BlockID uint32

	// Event is the flat record handed to the output stage. It is pure data:
	// exactly one payload representation is meaningful per kind, either the
	// inline Data1/Data2 bytes or the external DataBlock id
	// (KindSystemPayload and KindText only). The audio fields are meaningful
	// only for KindAudioTrigger.
	Event struct {
		Kind       EventKind
		Instrument InstrumentID
		Time       RealTime
		Duration   RealTime
		Data1      byte
		Data2      byte

		DataBlock BlockID

		Clip       ClipID
		ClipOffset RealTime
		AutoFade   bool
		FadeIn     RealTime
		FadeOut    RealTime

		Track          TrackID
		RuntimeSegment int

		// For live-recorded events only; tells which input produced them.
		// RecordedChannel holds the capture channel plus one: zero still
		// means "not recorded" while channel 0 round-trips.
		RecordedChannel byte
		RecordedDevice  DeviceID
	}
)

const (
	// KindInvalid is the zero value: an event that carries no playable
	// semantics. Mapping degrades malformed source events to KindInvalid
	// instead of aborting, and every consumer filters them out.
	KindInvalid EventKind = iota
	KindNote
	KindPitchBend
	KindController
	KindProgramChange
	KindKeyPressure
	KindChannelPressure
	KindSystemPayload
	KindText
	KindAudioTrigger
	KindTempo
	KindTimeSignature
	KindMarker
)

func (k EventKind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindPitchBend:
		return "pitchbend"
	case KindController:
		return "controller"
	case KindProgramChange:
		return "programchange"
	case KindKeyPressure:
		return "keypressure"
	case KindChannelPressure:
		return "channelpressure"
	case KindSystemPayload:
		return "systempayload"
	case KindText:
		return "text"
	case KindAudioTrigger:
		return "audiotrigger"
	case KindTempo:
		return "tempo"
	case KindTimeSignature:
		return "timesignature"
	case KindMarker:
		return "marker"
	}
	return "invalid"
}

// EndedBefore reports whether the event's sounding interval [Time,
// Time+Duration) is entirely over before t. Zero-duration events are over as
// soon as their start time has passed.
func (e *Event) EndedBefore(t RealTime) bool {
	return e.Time+e.Duration < t
}

// SetTempo packs beats-per-minute into Data1/Data2 with 0.01 BPM resolution.
func (e *Event) SetTempo(bpm float64) {
	v := uint16(bpm*100 + 0.5)
	e.Data1 = byte(v >> 8)
	e.Data2 = byte(v)
}

func (e *Event) Tempo() float64 {
	return float64(uint16(e.Data1)<<8|uint16(e.Data2)) / 100
}
