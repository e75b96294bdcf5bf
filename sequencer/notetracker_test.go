package sequencer_test

import (
	"testing"

	"ostinato"
	"ostinato/sequencer"
)

func recordingSegment(n int) *ostinato.Segment {
	seg := &ostinato.Segment{Track: 0, Kind: ostinato.GenericSegment}
	for i := 0; i < n; i++ {
		seg.Events = append(seg.Events, ostinato.SegmentEvent{Type: ostinato.EventTypeNote})
	}
	return seg
}

func TestNoteOffClosesWithDuration(t *testing.T) {
	seg := recordingSegment(1)
	tracker := sequencer.NewNoteTracker()
	tracker.NoteOn(0, 0, 60, seg, 0, 100)
	if !tracker.NoteOff(0, 0, 60, 175) {
		t.Fatal("NoteOff found no open note")
	}
	if got := seg.Events[0].Duration; got != 75 {
		t.Errorf("duration = %v, want 75", got)
	}
	if !seg.TakeModified() {
		t.Error("closing a note did not mark the segment modified")
	}
}

func TestNoteOffClampsToMinimumDuration(t *testing.T) {
	seg := recordingSegment(1)
	tracker := sequencer.NewNoteTracker()
	tracker.NoteOn(0, 0, 60, seg, 0, 100)
	tracker.NoteOff(0, 0, 60, 100)
	if got := seg.Events[0].Duration; got != 1 {
		t.Errorf("duration = %v, want 1", got)
	}
}

func TestNoteOffClosesOldestFirst(t *testing.T) {
	seg := recordingSegment(2)
	tracker := sequencer.NewNoteTracker()
	tracker.NoteOn(0, 0, 60, seg, 0, 100)
	tracker.NoteOn(0, 0, 60, seg, 1, 150)
	tracker.NoteOff(0, 0, 60, 200)
	if got := seg.Events[0].Duration; got != 100 {
		t.Errorf("oldest note duration = %v, want 100", got)
	}
	if got := seg.Events[1].Duration; got != 0 {
		t.Errorf("newer note closed early with duration %v", got)
	}
	tracker.NoteOff(0, 0, 60, 250)
	if got := seg.Events[1].Duration; got != 100 {
		t.Errorf("second note duration = %v, want 100", got)
	}
}

func TestNoteOffKeysOnDeviceChannelPitch(t *testing.T) {
	seg := recordingSegment(1)
	tracker := sequencer.NewNoteTracker()
	tracker.NoteOn(0, 0, 60, seg, 0, 100)
	if tracker.NoteOff(0, 1, 60, 200) {
		t.Error("NoteOff matched across channels")
	}
	if tracker.NoteOff(1, 0, 60, 200) {
		t.Error("NoteOff matched across devices")
	}
	if tracker.NoteOff(0, 0, 61, 200) {
		t.Error("NoteOff matched across pitches")
	}
	if !tracker.NoteOff(0, 0, 60, 200) {
		t.Error("NoteOff missed the exact key")
	}
}

func TestCloseAll(t *testing.T) {
	seg := recordingSegment(3)
	tracker := sequencer.NewNoteTracker()
	tracker.NoteOn(0, 0, 60, seg, 0, 100)
	tracker.NoteOn(0, 0, 64, seg, 1, 120)
	tracker.NoteOn(1, 2, 67, seg, 2, 140)
	tracker.CloseAll(200)
	if got := tracker.OpenCount(); got != 0 {
		t.Fatalf("open notes after CloseAll = %d", got)
	}
	for i, want := range []ostinato.Ticks{100, 80, 60} {
		if got := seg.Events[i].Duration; got != want {
			t.Errorf("note %d duration = %v, want %v", i, got, want)
		}
	}
}
