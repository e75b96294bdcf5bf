package sequencer

import (
	"sync"

	"ostinato"
)

type (
	// Broker carries messages between the scheduling context and everything
	// else. Communication is many-to-one with one buffered channel per
	// recipient: producers (UI-like callers, the MIDI input) send to
	// ToSequencer, the sequencer publishes position/state and alerts to
	// ToModel. Additionally the broker pools event slices so the fetch path
	// can borrow and return them without allocating every tick.
	Broker struct {
		ToModel     chan MsgToModel
		ToSequencer chan any

		eventBufferPool sync.Pool
	}

	// MsgToModel is what the sequencer publishes after each tick. Position
	// and State are inlined since they are sent constantly; everything
	// infrequent travels boxed in Data.
	MsgToModel struct {
		HasPosition bool
		Position    ostinato.RealTime
		State       State

		Data any
	}

	// RecordedEvent is one captured input event, stamped with the transport
	// token current at capture time. The sequencer discards events whose
	// token has gone stale, so input buffered across a seek is not recorded
	// at the wrong position.
	RecordedEvent struct {
		Kind     ostinato.EventKind
		On       bool
		Channel  byte
		Device   ostinato.DeviceID
		Pitch    byte
		Velocity byte
		Number   byte
		Value    byte
		Time     ostinato.RealTime
		Token    Token
	}

	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

func NewBroker() *Broker {
	return &Broker{
		ToModel:         make(chan MsgToModel, 1024),
		ToSequencer:     make(chan any, 1024),
		eventBufferPool: sync.Pool{New: func() any { return &[]ostinato.Event{} }},
	}
}

// GetEventBuffer returns an empty event slice from the pool; return it with
// PutEventBuffer once the driver is done with it.
func (b *Broker) GetEventBuffer() *[]ostinato.Event {
	return b.eventBufferPool.Get().(*[]ostinato.Event)
}

func (b *Broker) PutEventBuffer(buf *[]ostinato.Event) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.eventBufferPool.Put(buf)
}

// TrySend sends v to c unless the channel is full. All sends from the
// scheduling context go through this, so a stalled consumer can never
// deadlock the tick loop.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}
