package ostinato_test

import (
	"bytes"
	"errors"
	"testing"

	"ostinato"
)

// 500 ticks per beat at the default 120 BPM puts one tick at exactly one
// millisecond, which keeps the expected values in these tests readable.
func testComposition() *ostinato.Composition {
	return &ostinato.Composition{
		TicksPerBeat: 500,
		Tracks:       []ostinato.Track{{ID: 0, Instrument: 5}},
	}
}

func TestRealTimeAt(t *testing.T) {
	doc := testComposition()
	tests := []struct {
		ticks ostinato.Ticks
		want  ostinato.RealTime
	}{
		{0, 0},
		{1, 1e6},
		{1000, 1e9},
	}
	for _, tt := range tests {
		if got := doc.RealTimeAt(tt.ticks); got != tt.want {
			t.Errorf("RealTimeAt(%v) = %v, want %v", tt.ticks, got, tt.want)
		}
	}
}

func TestRealTimeAtTempoChange(t *testing.T) {
	doc := testComposition()
	doc.Tempos = []ostinato.TempoChange{{Time: 1000, BPM: 240}}
	// 1 s at 120 BPM, then half-millisecond ticks at 240 BPM
	if got, want := doc.RealTimeAt(1000), ostinato.RealTime(1e9); got != want {
		t.Errorf("RealTimeAt(1000) = %v, want %v", got, want)
	}
	if got, want := doc.RealTimeAt(2000), ostinato.RealTime(15e8); got != want {
		t.Errorf("RealTimeAt(2000) = %v, want %v", got, want)
	}
}

func TestTicksAtInvertsRealTimeAt(t *testing.T) {
	doc := testComposition()
	doc.Tempos = []ostinato.TempoChange{{Time: 1000, BPM: 240}, {Time: 3000, BPM: 60}}
	for _, ticks := range []ostinato.Ticks{0, 1, 999, 1000, 1001, 2999, 3000, 5000} {
		if got := doc.TicksAt(doc.RealTimeAt(ticks)); got != ticks {
			t.Errorf("TicksAt(RealTimeAt(%v)) = %v", ticks, got)
		}
	}
}

func TestBPMAt(t *testing.T) {
	doc := testComposition()
	doc.Tempos = []ostinato.TempoChange{{Time: 100, BPM: 90}, {Time: 200, BPM: 180}}
	tests := []struct {
		ticks ostinato.Ticks
		want  float64
	}{
		{0, 120}, {99, 120}, {100, 90}, {199, 90}, {200, 180}, {10000, 180},
	}
	for _, tt := range tests {
		if got := doc.BPMAt(tt.ticks); got != tt.want {
			t.Errorf("BPMAt(%v) = %v, want %v", tt.ticks, got, tt.want)
		}
	}
}

func TestCompositionRoundTrip(t *testing.T) {
	doc := testComposition()
	doc.Segments = []*ostinato.Segment{{
		Track: 0, Kind: ostinato.GenericSegment, Start: 0, End: 1000,
		Repeat: true, RepeatEnd: 2500,
		Events: []ostinato.SegmentEvent{
			{Type: ostinato.EventTypeNote, Time: 0, Duration: 250,
				Parameters: map[string]int{"pitch": 60, "velocity": 100}},
			{Type: ostinato.EventTypeText, Time: 500, Text: "la",
				TextType: ostinato.TextTypeLyric},
		},
	}}
	doc.Tempos = []ostinato.TempoChange{{Time: 0, BPM: 132}}
	doc.Markers = []ostinato.Marker{{Time: 0, Text: "intro"}}
	var buf bytes.Buffer
	if err := doc.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ostinato.ReadComposition(&buf)
	if err != nil {
		t.Fatalf("ReadComposition: %v", err)
	}
	var orig, reread bytes.Buffer
	doc.Write(&orig)
	got.Write(&reread)
	if orig.String() != reread.String() {
		t.Errorf("round trip altered the document:\n%s\nvs\n%s", orig.String(), reread.String())
	}
}

func TestReadCompositionRejectsInvalidDocument(t *testing.T) {
	doc := testComposition()
	doc.Segments = []*ostinato.Segment{{Kind: ostinato.GenericSegment, Start: 100, End: 50}}
	var buf bytes.Buffer
	if err := doc.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := ostinato.ReadComposition(&buf); !errors.Is(err, ostinato.ErrSegmentRange) {
		t.Errorf("ReadComposition = %v, want ErrSegmentRange", err)
	}
}

func TestValidate(t *testing.T) {
	doc := testComposition()
	doc.Segments = []*ostinato.Segment{{Kind: ostinato.GenericSegment, Start: 100, End: 50}}
	if err := doc.Validate(); !errors.Is(err, ostinato.ErrSegmentRange) {
		t.Errorf("Validate = %v, want ErrSegmentRange", err)
	}
	doc.Segments = []*ostinato.Segment{{Kind: ostinato.GenericSegment, Start: 0, End: 100,
		Repeat: true, RepeatEnd: 50}}
	if err := doc.Validate(); !errors.Is(err, ostinato.ErrRepeatEnd) {
		t.Errorf("Validate = %v, want ErrRepeatEnd", err)
	}
	doc.Segments = nil
	doc.Tempos = []ostinato.TempoChange{{Time: 100, BPM: 90}, {Time: 50, BPM: 60}}
	if err := doc.Validate(); !errors.Is(err, ostinato.ErrUnsortedTempos) {
		t.Errorf("Validate = %v, want ErrUnsortedTempos", err)
	}
}

func TestSegmentModifiedFlag(t *testing.T) {
	var s ostinato.Segment
	if s.TakeModified() {
		t.Error("fresh segment reports modified")
	}
	s.MarkModified()
	s.MarkModified()
	if !s.TakeModified() {
		t.Error("TakeModified did not observe the flag")
	}
	if s.TakeModified() {
		t.Error("TakeModified did not consume the flag")
	}
}

func TestEventTempoPacking(t *testing.T) {
	var e ostinato.Event
	e.SetTempo(132.5)
	if got := e.Tempo(); got != 132.5 {
		t.Errorf("Tempo() = %v, want 132.5", got)
	}
}
