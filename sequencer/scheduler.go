package sequencer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ostinato"
	"ostinato/datablock"
)

type (
	// State is the transport state machine's state. The scheduling context
	// is the only writer; other contexts read it for display.
	State int32

	// Token is the transport epoch. It only ever increases; it is bumped on
	// every seek and start, and any asynchronous completion carrying a stale
	// token is discarded instead of applied.
	Token int64

	TransportRequestKind int

	// TransportRequest is a queued transport command from a producer
	// context. The scheduler drains one per tick.
	TransportRequest struct {
		Kind TransportRequestKind
		Time ostinato.RealTime
	}

	// Sequencer drives playback and recording: it owns the mappers, merges
	// their buffers through a MetaIterator, and pulls read-ahead slices to
	// the Driver on every tick. Ticks are paced externally by the output
	// consumer's demand for data; the sequencer itself never sleeps and
	// never blocks.
	//
	// Only RequestTransportChange, RequestTransportJump, InjectEvent and the
	// read-only accessors are safe to call from other contexts; everything
	// else belongs to the scheduling context.
	Sequencer struct {
		doc     *ostinato.Composition
		control ostinato.ControlState
		blocks  *datablock.Repository
		driver  ostinato.Driver
		broker  *Broker

		meta          *MetaIterator
		mappers       map[int]*Mapper
		timeline      []*Mapper
		nextRuntimeID int

		state   atomic.Int32
		songPos atomic.Int64
		token   atomic.Int64

		lastFetchPos   ostinato.RealTime
		lastFetchStart ostinato.RealTime

		readAhead ostinato.RealTime
		loopStart ostinato.RealTime
		loopEnd   ostinato.RealTime

		reqMu    sync.Mutex
		requests []TransportRequest

		asyncMu  sync.Mutex
		asyncOut []ostinato.Event

		tracker       *NoteTracker
		recordSegment *ostinato.Segment
		recordFilter  map[ostinato.EventKind]bool

		latency func(events []ostinato.Event)
	}
)

const (
	Stopped State = iota
	StartingToPlay
	Playing
	StartingToRecord
	Recording
	Stopping
	Quit
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case StartingToPlay:
		return "starting to play"
	case Playing:
		return "playing"
	case StartingToRecord:
		return "starting to record"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Quit:
		return "quit"
	}
	return "unknown"
}

const (
	TransportNoChange TransportRequestKind = iota
	TransportStop
	TransportStart
	TransportRecord
	TransportJumpToTime
	TransportStartAtTime
)

// 160 ms of read-ahead, the low-latency figure; high-latency setups
// historically ran 500 ms.
const defaultReadAhead = 160 * 1e6

// New builds a sequencer over the given composition. A nil driver puts the
// sequencer straight into Quit: there is nothing to play into, and every
// transport operation will report failure rather than crash.
func New(doc *ostinato.Composition, control ostinato.ControlState,
	blocks *datablock.Repository, driver ostinato.Driver, broker *Broker) *Sequencer {
	s := &Sequencer{
		doc:       doc,
		control:   control,
		blocks:    blocks,
		driver:    driver,
		broker:    broker,
		meta:      NewMetaIterator(),
		mappers:   make(map[int]*Mapper),
		readAhead: defaultReadAhead,
	}
	s.token.Store(1)
	if driver == nil {
		s.state.Store(int32(Quit))
		return s
	}
	s.tracker = NewNoteTracker()
	s.timeline = []*Mapper{
		NewTempoMapper(doc),
		NewTimeSignatureMapper(doc),
		NewMarkerMapper(doc, blocks),
	}
	for _, m := range s.timeline {
		s.meta.AddBuffer(m.Buffer())
	}
	for _, seg := range doc.Segments {
		s.AttachSegment(seg)
	}
	return s
}

func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Position is the current song position, published by the scheduling
// context after every tick.
func (s *Sequencer) Position() ostinato.RealTime {
	return ostinato.RealTime(s.songPos.Load())
}

func (s *Sequencer) TransportToken() Token {
	return Token(s.token.Load())
}

// TransportSyncComplete reports whether the transport has caught up with the
// given token.
func (s *Sequencer) TransportSyncComplete(t Token) bool {
	return s.TransportToken() >= t
}

func (s *Sequencer) SetReadAhead(d ostinato.RealTime) {
	if d > 0 {
		s.readAhead = d
	}
}

// SetLatencyCompensation installs the hook run over every fetched slice
// before hand-off to the driver, typically shifting timestamps by the
// driver's play latency.
func (s *Sequencer) SetLatencyCompensation(fn func(events []ostinato.Event)) {
	s.latency = fn
}

// SetRecordFilter excludes the given kinds from record capture.
func (s *Sequencer) SetRecordFilter(kinds ...ostinato.EventKind) {
	s.recordFilter = make(map[ostinato.EventKind]bool, len(kinds))
	for _, k := range kinds {
		s.recordFilter[k] = true
	}
}

// AttachSegment maps the segment and adds its buffer to the merge. Returns
// the mapper, or nil for a segment of unknown kind or a Quit sequencer.
func (s *Sequencer) AttachSegment(seg *ostinato.Segment) *Mapper {
	if s.State() == Quit {
		return nil
	}
	s.nextRuntimeID++
	seg.SetRuntimeID(s.nextRuntimeID)
	m := NewSegmentMapper(s.doc, s.control, s.blocks, seg)
	if m == nil {
		return nil
	}
	s.mappers[seg.RuntimeID()] = m
	s.meta.AddBuffer(m.Buffer())
	return m
}

// DetachSegment removes the segment from the merge and releases the
// datablocks its events own. The buffer itself survives while other readers
// still reference it.
func (s *Sequencer) DetachSegment(seg *ostinato.Segment) {
	m, ok := s.mappers[seg.RuntimeID()]
	if !ok {
		return
	}
	s.meta.RemoveBuffer(m.Buffer())
	m.Release()
	delete(s.mappers, seg.RuntimeID())
}

// RefreshTimeline rebuilds the tempo, time-signature and marker buffers
// after a timeline edit. Composition-level change lists carry no per-segment
// refresh flag, so the edit side calls this explicitly.
func (s *Sequencer) RefreshTimeline() {
	if s.State() == Quit {
		return
	}
	immediate := s.State() == Playing
	for _, m := range s.timeline {
		m.Rebuild()
		s.meta.ResetCursor(m.Buffer(), immediate)
	}
}

// SetRecordTarget selects the segment recorded input is written into,
// attaching it if needed.
func (s *Sequencer) SetRecordTarget(seg *ostinato.Segment) {
	if s.State() == Quit {
		return
	}
	if _, ok := s.mappers[seg.RuntimeID()]; !ok {
		s.AttachSegment(seg)
	}
	s.recordSegment = seg
}

// RecordTarget returns the segment recorded input goes into, or nil when
// none has been chosen yet.
func (s *Sequencer) RecordTarget() *ostinato.Segment {
	return s.recordSegment
}

// Play starts playback from t. Already playing is a no-op; while recording
// it acts as punch out, dropping back to playback without disturbing the
// fetch position.
func (s *Sequencer) Play(t ostinato.RealTime) bool {
	switch s.State() {
	case Quit:
		return false
	case Playing, StartingToPlay:
		return true
	case Recording:
		return s.punchOut()
	}
	s.songPos.Store(int64(t))
	s.state.Store(int32(StartingToPlay))
	return true
}

// Record starts recording from t, capturing input into the record target.
func (s *Sequencer) Record(t ostinato.RealTime) bool {
	switch s.State() {
	case Quit:
		return false
	case Recording, StartingToRecord:
		return true
	}
	if s.recordSegment == nil {
		if len(s.doc.Tracks) == 0 {
			return false
		}
		seg := &ostinato.Segment{Track: s.doc.Tracks[0].ID, Kind: ostinato.GenericSegment,
			Start: s.doc.TicksAt(t), End: s.doc.TicksAt(t)}
		s.doc.Segments = append(s.doc.Segments, seg)
		s.SetRecordTarget(seg)
	}
	s.songPos.Store(int64(t))
	s.state.Store(int32(StartingToRecord))
	return true
}

func (s *Sequencer) punchOut() bool {
	if s.State() != Recording {
		return false
	}
	s.tracker.CloseAll(s.doc.TicksAt(s.Position()))
	s.state.Store(int32(Playing))
	return true
}

// Stop requests a stop; the tick loop finishes it so open notes are closed
// on the scheduling context.
func (s *Sequencer) Stop() bool {
	switch s.State() {
	case Quit:
		return false
	case Stopped, Stopping:
		return true
	}
	s.state.Store(int32(Stopping))
	return true
}

// JumpTo repositions the transport. Negative positions are rejected. The
// transport token is bumped so completions belonging to the old position are
// discarded when they eventually arrive.
func (s *Sequencer) JumpTo(pos ostinato.RealTime) bool {
	if s.State() == Quit || pos < 0 {
		return false
	}
	s.songPos.Store(int64(pos))
	s.lastFetchPos = pos
	s.meta.JumpToTime(pos)
	if st := s.State(); st == Playing || st == Recording {
		// prebuffer from the new position, as on start
		s.fetchAndDeliver(pos, pos+s.readAhead, true)
		s.lastFetchPos = pos + s.readAhead
		s.driver.QueueAudio(s.meta.AudioEvents())
	}
	s.incrementToken()
	return true
}

// SetLoop sets the loop range; an empty range (end <= start) disables
// looping.
func (s *Sequencer) SetLoop(start, end ostinato.RealTime) {
	s.loopStart = start
	s.loopEnd = end
}

func (s *Sequencer) looping() bool {
	return s.loopEnd > s.loopStart
}

// ShutDown moves the sequencer to Quit and closes the driver. Nothing comes
// back from Quit.
func (s *Sequencer) ShutDown() {
	if s.State() == Quit {
		return
	}
	s.state.Store(int32(Quit))
	if s.driver != nil {
		s.driver.Close()
	}
}

// RequestTransportChange queues a positionless transport command and returns
// the token whose arrival signals completion.
func (s *Sequencer) RequestTransportChange(kind TransportRequestKind) Token {
	s.enqueueRequest(TransportRequest{Kind: kind})
	if kind == TransportNoChange {
		return s.TransportToken()
	}
	return s.TransportToken() + 1
}

// RequestTransportJump queues a transport command with a target time.
func (s *Sequencer) RequestTransportJump(kind TransportRequestKind, t ostinato.RealTime) Token {
	s.enqueueRequest(TransportRequest{Kind: kind, Time: t})
	if kind == TransportNoChange {
		return s.TransportToken() + 1
	}
	return s.TransportToken() + 2
}

func (s *Sequencer) enqueueRequest(req TransportRequest) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.requests = append(s.requests, req)
}

// getNextTransportRequest pops the oldest queued request, if any.
func (s *Sequencer) getNextTransportRequest() (TransportRequest, bool) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if len(s.requests) == 0 {
		return TransportRequest{}, false
	}
	req := s.requests[0]
	s.requests = s.requests[1:]
	return req, true
}

// InjectEvent queues a one-shot event for delivery on the next tick,
// bypassing the mapped buffers. Used for previewing notes and for external
// control events.
func (s *Sequencer) InjectEvent(e ostinato.Event) {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	s.asyncOut = append(s.asyncOut, e)
}

func (s *Sequencer) takeAsyncEvents() []ostinato.Event {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	events := s.asyncOut
	s.asyncOut = nil
	return events
}

func (s *Sequencer) incrementToken() {
	s.token.Add(1)
}

// Tick runs one scheduler iteration: drain one transport request, pick up
// modified segments, process captured input, then advance the state machine
// and top up the read-ahead window. elapsed is how much output time the
// consumer has played since the previous tick; the consumer's cadence is the
// only pacing signal.
func (s *Sequencer) Tick(elapsed ostinato.RealTime) {
	if s.State() == Quit {
		return
	}
	if req, ok := s.getNextTransportRequest(); ok {
		s.applyTransportRequest(req)
	}
	s.refreshModified()
	s.drainMessages()
	switch s.State() {
	case StartingToPlay:
		s.startPlaying()
		s.state.Store(int32(Playing))
	case StartingToRecord:
		s.startPlaying()
		s.state.Store(int32(Recording))
	case Playing, Recording:
		s.advance(elapsed)
		s.keepPlaying()
	case Stopping:
		s.finishStop()
	}
	s.publish(nil)
}

func (s *Sequencer) applyTransportRequest(req TransportRequest) {
	switch req.Kind {
	case TransportStop:
		s.Stop()
	case TransportStart:
		s.Play(s.Position())
	case TransportRecord:
		s.Record(s.Position())
	case TransportJumpToTime:
		// a rejected jump skips its internal token bump; the token promised
		// at enqueue must still be reached
		if !s.JumpTo(req.Time) {
			s.incrementToken()
		}
	case TransportStartAtTime:
		s.Play(req.Time)
		s.incrementToken()
	}
	s.incrementToken()
}

// refreshModified checks every segment's refresh flag once per tick and
// rebuilds the dirty ones. While playing the rebuilt buffer's cursor
// rewinds immediately; while recording the reposition is deferred, keeping
// the take undisturbed.
func (s *Sequencer) refreshModified() {
	immediate := s.State() == Playing
	for _, m := range s.mappers {
		if m.Segment().TakeModified() {
			m.Rebuild()
			s.meta.ResetCursor(m.Buffer(), immediate)
		}
	}
}

func (s *Sequencer) drainMessages() {
	for {
		select {
		case msg := <-s.broker.ToSequencer:
			switch m := msg.(type) {
			case RecordedEvent:
				s.handleRecordedEvent(m)
			case TransportRequest:
				s.applyTransportRequest(m)
			default:
				// ignore unknown messages
			}
		default:
			return
		}
	}
}

// handleRecordedEvent writes one captured input event into the record
// target. Stale events, buffered on their way here while the transport
// seeked, are discarded by token comparison rather than recorded at the
// wrong position.
func (s *Sequencer) handleRecordedEvent(ev RecordedEvent) {
	if s.State() != Recording {
		return
	}
	if ev.Token != 0 && ev.Token < s.TransportToken() {
		return
	}
	if s.recordFilter[ev.Kind] {
		return
	}
	seg := s.recordSegment
	if seg == nil {
		return
	}
	at := s.doc.TicksAt(ev.Time)
	switch ev.Kind {
	case ostinato.KindNote:
		if ev.On {
			seg.Events = append(seg.Events, ostinato.SegmentEvent{
				Type: ostinato.EventTypeNote,
				Time: at - seg.Start,
				Parameters: map[string]int{
					"pitch": int(ev.Pitch), "velocity": int(ev.Velocity),
					"channel": int(ev.Channel), "device": int(ev.Device),
				},
			})
			s.tracker.NoteOn(ev.Device, ev.Channel, ev.Pitch, seg, len(seg.Events)-1, at)
			// segment end is exclusive; grow past the note or the mapper clips it
			if at >= seg.End {
				seg.End = at + 1
			}
			seg.MarkModified()
		} else {
			s.tracker.NoteOff(ev.Device, ev.Channel, ev.Pitch, at)
		}
	case ostinato.KindController:
		seg.Events = append(seg.Events, ostinato.SegmentEvent{
			Type: ostinato.EventTypeController,
			Time: at - seg.Start,
			Parameters: map[string]int{
				"number": int(ev.Number), "value": int(ev.Value),
				"channel": int(ev.Channel), "device": int(ev.Device),
			},
		})
		if at >= seg.End {
			seg.End = at + 1
		}
		seg.MarkModified()
	}
}

// startPlaying does the first fetch of a playback session, covering the
// whole read-ahead window from the song position, and pre-rolls the audio
// queue.
func (s *Sequencer) startPlaying() {
	pos := s.Position()
	s.lastFetchPos = pos + s.readAhead
	s.fetchAndDeliver(pos, pos+s.readAhead, true)
	s.driver.QueueAudio(s.meta.AudioEvents())
	s.incrementToken()
}

// keepPlaying tops the window up to position + readAhead. When looping, the
// fetch is clamped just short of the loop end so the window never crosses a
// boundary it would have to rewind through. The fetch position only ever
// advances; delivered ranges are never re-fetched.
func (s *Sequencer) keepPlaying() {
	fetchEnd := s.Position() + s.readAhead
	if s.looping() && fetchEnd >= s.loopEnd {
		fetchEnd = s.loopEnd - 1
	}
	if fetchEnd > s.lastFetchPos {
		s.fetchAndDeliver(s.lastFetchPos, fetchEnd, false)
		s.lastFetchPos = fetchEnd
	}
}

// advance moves the song position by the consumer-reported elapsed time and
// handles the loop wrap: position rewinds, every cursor reseeks and the
// token is bumped so in-flight completions for pre-wrap time die stale.
func (s *Sequencer) advance(elapsed ostinato.RealTime) {
	pos := s.Position() + elapsed
	if s.looping() && pos >= s.loopEnd {
		span := s.loopEnd - s.loopStart
		pos = s.loopStart + (pos-s.loopEnd)%span
		if s.State() == Recording {
			s.tracker.CloseAll(s.doc.TicksAt(s.loopEnd))
		}
		s.meta.JumpToTime(pos)
		s.lastFetchPos = pos
		s.incrementToken()
	}
	s.songPos.Store(int64(pos))
}

func (s *Sequencer) finishStop() {
	s.tracker.CloseAll(s.doc.TicksAt(s.Position()))
	s.state.Store(int32(Stopped))
	s.incrementToken()
}

// fetchAndDeliver pulls one slice from the merge and hands it to the
// driver, using a pooled slice so steady-state fetching does not allocate.
func (s *Sequencer) fetchAndDeliver(start, end ostinato.RealTime, first bool) {
	if st := s.State(); st == Stopped || st == Stopping {
		return
	}
	if first || start < s.lastFetchStart {
		s.meta.JumpToTime(start)
	}
	bufPtr := s.broker.GetEventBuffer()
	sink := ListSink{Events: *bufPtr}
	s.meta.FetchEvents(&sink, start, end)
	s.lastFetchStart = start
	sink.Events = append(sink.Events, s.takeAsyncEvents()...)
	if s.latency != nil {
		s.latency(sink.Events)
	}
	if err := s.driver.Deliver(sink.Events, start, end); err != nil {
		s.publish(Alert{Name: "DeliverFailed", Priority: Error,
			Message: fmt.Sprintf("driver.Deliver: %v", err)})
	}
	*bufPtr = sink.Events
	s.broker.PutEventBuffer(bufPtr)
}

// all sends to the model are non-blocking so the tick loop can never
// deadlock on a stalled consumer
func (s *Sequencer) publish(data any) {
	TrySend(s.broker.ToModel, MsgToModel{
		HasPosition: true,
		Position:    s.Position(),
		State:       s.State(),
		Data:        data,
	})
}
