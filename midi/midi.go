// Package midi plays sequencer output through gomidi and captures MIDI
// input into recorded events.
package midi

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"ostinato"
	"ostinato/datablock"
	"ostinato/sequencer"
)

type (
	// Driver realizes events on a MIDI output port. Deliver only queues;
	// a background goroutine sends each message when its wall-clock moment
	// arrives, so the sequencer's read-ahead never reaches the wire early.
	Driver struct {
		drv    *rtmididrv.Driver
		out    drivers.Out
		send   func(midi.Message) error
		blocks *datablock.Repository

		mu      sync.Mutex
		pending messageHeap
		anchor  time.Time
		nextPos ostinato.RealTime
		wake    chan struct{}
		done    chan struct{}
		closed  bool
	}

	timedMessage struct {
		at  ostinato.RealTime
		msg midi.Message
	}

	messageHeap []timedMessage
)

var errNoOutput = errors.New("no MIDI output available")

// NewDriver opens the first output port whose name starts with namePrefix,
// or the first port of all when the prefix is empty.
func NewDriver(namePrefix string, blocks *datablock.Repository) (*Driver, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midi driver: %w", err)
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("midi outputs: %w", err)
	}
	var out drivers.Out
	for _, o := range outs {
		if namePrefix == "" || strings.HasPrefix(o.String(), namePrefix) {
			out = o
			break
		}
	}
	if out == nil {
		drv.Close()
		return nil, errNoOutput
	}
	send, err := midi.SendTo(out)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("opening %q: %w", out.String(), err)
	}
	return newDriver(drv, out, send, blocks), nil
}

func newDriver(drv *rtmididrv.Driver, out drivers.Out,
	send func(midi.Message) error, blocks *datablock.Repository) *Driver {
	d := &Driver{
		drv:    drv,
		out:    out,
		send:   send,
		blocks: blocks,
		// song position 0 is a valid window start, so the fresh-driver
		// sentinel must be a position no window can begin at
		nextPos: -1,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// OutputNames lists the available output ports.
func OutputNames() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, err
	}
	defer drv.Close()
	outs, err := drv.Outs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.String()
	}
	return names, nil
}

// Deliver queues the slice for timed sending. The slice covers [start, end);
// a start that does not continue the previous slice re-anchors the mapping
// from song time to wall clock, which is what happens on every transport
// start and jump.
func (d *Driver) Deliver(events []ostinato.Event, start, end ostinato.RealTime) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errNoOutput
	}
	if start != d.nextPos {
		d.anchor = time.Now().Add(-start.Duration())
		d.pending = d.pending[:0]
	}
	d.nextPos = end
	for i := range events {
		d.queueEvent(&events[i])
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueAudio is a no-op: a pure MIDI backend has nowhere to render audio
// clips. An audio engine wrapping this driver handles them instead.
func (d *Driver) QueueAudio(events []ostinato.Event) {}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	d.allNotesOff()
	d.out.Close()
	return d.drv.Close()
}

func (d *Driver) queueEvent(e *ostinato.Event) {
	ch := channelFor(e)
	switch e.Kind {
	case ostinato.KindNote:
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.NoteOn(ch, e.Data1, e.Data2)})
		heap.Push(&d.pending, timedMessage{at: e.Time + e.Duration, msg: midi.NoteOff(ch, e.Data1)})
	case ostinato.KindPitchBend:
		value := int16(e.Data1)<<7 | int16(e.Data2)
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.Pitchbend(ch, value-8192)})
	case ostinato.KindController:
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.ControlChange(ch, e.Data1, e.Data2)})
	case ostinato.KindProgramChange:
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.ProgramChange(ch, e.Data1)})
	case ostinato.KindKeyPressure:
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.PolyAfterTouch(ch, e.Data1, e.Data2)})
	case ostinato.KindChannelPressure:
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.AfterTouch(ch, e.Data1)})
	case ostinato.KindSystemPayload:
		data, err := d.blocks.Get(e.DataBlock)
		if err != nil || data == nil {
			return
		}
		heap.Push(&d.pending, timedMessage{at: e.Time, msg: midi.SysEx(data)})
	}
	// text, markers, tempo and audio triggers have no wire form here
}

// run sends pending messages as their moments arrive.
func (d *Driver) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d.mu.Lock()
		var wait time.Duration
		for len(d.pending) > 0 {
			due := d.anchor.Add(d.pending[0].at.Duration())
			wait = time.Until(due)
			if wait > 0 {
				break
			}
			m := heap.Pop(&d.pending).(timedMessage)
			d.send(m.msg)
		}
		if len(d.pending) == 0 {
			wait = time.Hour
		}
		d.mu.Unlock()
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

func (d *Driver) allNotesOff() {
	for ch := uint8(0); ch < 16; ch++ {
		d.send(midi.ControlChange(ch, 123, 0))
	}
}

// channelFor picks the wire channel: the capture channel when the event
// carries one (stored as channel+1, so channel 0 survives), otherwise the
// instrument id modulo 16.
func channelFor(e *ostinato.Event) uint8 {
	if e.RecordedChannel > 0 {
		return (e.RecordedChannel - 1) & 0x0f
	}
	return uint8(int(e.Instrument) % 16)
}

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)        { *h = append(*h, x.(timedMessage)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}

// Input captures MIDI input and forwards it to the sequencer as recorded
// events. Each event is stamped with the transport token current at capture
// time, so input buffered across a seek is dropped instead of recorded at
// the wrong position.
type Input struct {
	drv    *rtmididrv.Driver
	in     drivers.In
	stop   func()
	broker *sequencer.Broker
	token  func() sequencer.Token
	now    func() ostinato.RealTime
}

// NewInput opens the first input port matching namePrefix and starts
// listening. now maps capture moments to song time; token supplies the
// current transport token.
func NewInput(namePrefix string, broker *sequencer.Broker,
	token func() sequencer.Token, now func() ostinato.RealTime) (*Input, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midi driver: %w", err)
	}
	ins, err := drv.Ins()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("midi inputs: %w", err)
	}
	var in drivers.In
	for _, i := range ins {
		if namePrefix == "" || strings.HasPrefix(i.String(), namePrefix) {
			in = i
			break
		}
	}
	if in == nil {
		drv.Close()
		return nil, errors.New("no MIDI input available")
	}
	if err := in.Open(); err != nil {
		drv.Close()
		return nil, fmt.Errorf("opening %q: %w", in.String(), err)
	}
	inp := &Input{drv: drv, in: in, broker: broker, token: token, now: now}
	stop, err := midi.ListenTo(in, inp.handleMessage)
	if err != nil {
		in.Close()
		drv.Close()
		return nil, fmt.Errorf("listening on %q: %w", in.String(), err)
	}
	inp.stop = stop
	return inp, nil
}

func (inp *Input) Close() {
	if inp.stop != nil {
		inp.stop()
	}
	inp.in.Close()
	inp.drv.Close()
}

func (inp *Input) handleMessage(msg midi.Message, timestampms int32) {
	ev := sequencer.RecordedEvent{Time: inp.now(), Token: inp.token()}
	var channel, key, velocity, number, value uint8
	switch {
	case msg.GetNoteOn(&channel, &key, &velocity):
		ev.Kind = ostinato.KindNote
		ev.On = true
		ev.Channel = channel
		ev.Pitch = key
		ev.Velocity = velocity
	case msg.GetNoteOff(&channel, &key, &velocity):
		ev.Kind = ostinato.KindNote
		ev.Channel = channel
		ev.Pitch = key
	case msg.GetControlChange(&channel, &number, &value):
		ev.Kind = ostinato.KindController
		ev.Channel = channel
		ev.Number = number
		ev.Value = value
	default:
		return
	}
	// if the sequencer's queue is full the event is dropped
	sequencer.TrySend(inp.broker.ToSequencer, any(ev))
}
