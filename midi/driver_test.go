package midi

import (
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"ostinato"
)

// sendRecorder stands in for an open output port.
type sendRecorder struct {
	mu   sync.Mutex
	sent []midi.Message
}

func (r *sendRecorder) send(m midi.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// testDriver builds a driver around a recorder without touching real MIDI
// hardware; the sending goroutine runs as usual.
func testDriver(t *testing.T) (*Driver, *sendRecorder) {
	t.Helper()
	rec := &sendRecorder{}
	d := newDriver(nil, nil, rec.send, nil)
	t.Cleanup(func() { close(d.done) })
	return d, rec
}

func TestFirstDeliverAtPositionZeroAnchors(t *testing.T) {
	d, rec := testDriver(t)
	// playback from position 0, the player's default start
	events := []ostinato.Event{{Kind: ostinato.KindNote, Time: 300e6, Duration: 50e6,
		Data1: 60, Data2: 100}}
	if err := d.Deliver(events, 0, 400e6); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("%d messages sent before their time", got)
	}
	// note on at +300ms and note off at +350ms eventually go out
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := rec.count(); got != 2 {
		t.Fatalf("sent %d messages, want note on and note off", got)
	}
}

func TestDeliverReanchorsOnDiscontinuity(t *testing.T) {
	d, rec := testDriver(t)
	d.Deliver([]ostinato.Event{{Kind: ostinato.KindController, Time: 10e9,
		Data1: 7, Data2: 100}}, 10e9, 11e9)
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("sent %d messages after a jump re-anchor, want 1", got)
	}
	// a contiguous slice keeps the anchor; its far-future event stays queued
	d.Deliver([]ostinato.Event{{Kind: ostinato.KindController, Time: 11500e6,
		Data1: 7, Data2: 90}}, 11e9, 12e9)
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("sent %d messages, contiguous slice must not re-anchor", got)
	}
}

func TestChannelForCaptureChannelZero(t *testing.T) {
	captured := &ostinato.Event{Instrument: 5, RecordedChannel: 1}
	if got := channelFor(captured); got != 0 {
		t.Errorf("capture channel 0 routed to %d", got)
	}
	mapped := &ostinato.Event{Instrument: 5}
	if got := channelFor(mapped); got != 5 {
		t.Errorf("instrument channel = %d, want 5", got)
	}
	high := &ostinato.Event{Instrument: 0, RecordedChannel: 16}
	if got := channelFor(high); got != 15 {
		t.Errorf("capture channel 15 routed to %d", got)
	}
}
