package sequencer_test

import (
	"reflect"
	"testing"

	"ostinato"
	"ostinato/sequencer"
)

func fetch(mi *sequencer.MetaIterator, start, end ostinato.RealTime) []ostinato.Event {
	var sink sequencer.ListSink
	mi.FetchEvents(&sink, start, end)
	return sink.Events
}

func times(events []ostinato.Event) []ostinato.RealTime {
	ts := make([]ostinato.RealTime, len(events))
	for i, e := range events {
		ts[i] = e.Time
	}
	return ts
}

// two overlapping segments on different tracks, merged through one iterator
func testIterator(t *testing.T) (*sequencer.MetaIterator, []*sequencer.Mapper, *ostinato.Composition) {
	t.Helper()
	doc := testComposition()
	seg0 := &ostinato.Segment{Track: 0, Kind: ostinato.GenericSegment, Start: 0, End: 2000,
		Events: []ostinato.SegmentEvent{note(0, 10, 60, 100), note(500, 10, 62, 100), note(1000, 10, 64, 100)}}
	seg1 := &ostinato.Segment{Track: 1, Kind: ostinato.GenericSegment, Start: 0, End: 2000,
		Events: []ostinato.SegmentEvent{note(0, 10, 40, 100), note(750, 10, 42, 100)}}
	doc.Segments = []*ostinato.Segment{seg0, seg1}
	blocks := testRepository(t)
	controls := ostinato.NewControls()
	mi := sequencer.NewMetaIterator()
	var mappers []*sequencer.Mapper
	for _, seg := range doc.Segments {
		m := sequencer.NewSegmentMapper(doc, controls, blocks, seg)
		mappers = append(mappers, m)
		mi.AddBuffer(m.Buffer())
	}
	return mi, mappers, doc
}

func TestFetchMergesInTimeOrder(t *testing.T) {
	mi, _, _ := testIterator(t)
	events := fetch(mi, 0, 2e9)
	want := []ostinato.RealTime{0, 0, 500e6, 750e6, 1000e6}
	if got := times(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged times = %v, want %v", got, want)
	}
	// ties resolve by buffer registration order
	if events[0].Track != 0 || events[1].Track != 1 {
		t.Errorf("tie at 0 resolved as tracks %v, %v", events[0].Track, events[1].Track)
	}
}

func TestFetchWindowsConcatenate(t *testing.T) {
	mi, _, _ := testIterator(t)
	whole := times(fetch(mi, 0, 2e9))

	mi.JumpToTime(0)
	var pieces []ostinato.RealTime
	cuts := []ostinato.RealTime{0, 300e6, 600e6, 900e6, 2e9}
	for i := 1; i < len(cuts); i++ {
		pieces = append(pieces, times(fetch(mi, cuts[i-1], cuts[i]))...)
	}
	if !reflect.DeepEqual(pieces, whole) {
		t.Errorf("windowed fetches = %v, want %v", pieces, whole)
	}
}

func TestJumpToTimeReplays(t *testing.T) {
	mi, _, _ := testIterator(t)
	first := times(fetch(mi, 0, 2e9))
	mi.JumpToTime(0)
	second := times(fetch(mi, 0, 2e9))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay after jump = %v, want %v", second, first)
	}
	mi.JumpToTime(600e6)
	tail := times(fetch(mi, 600e6, 2e9))
	want := []ostinato.RealTime{750e6, 1000e6}
	if !reflect.DeepEqual(tail, want) {
		t.Errorf("fetch after jump = %v, want %v", tail, want)
	}
}

func TestRebuildDoesNotReplayDeliveredTime(t *testing.T) {
	mi, mappers, _ := testIterator(t)
	fetch(mi, 0, 600e6)

	// grow the first segment behind and ahead of the fetch boundary
	seg := mappers[0].Segment()
	seg.Events = append(seg.Events, note(100, 10, 61, 100), note(800, 10, 63, 100))
	mappers[0].Rebuild()
	mi.ResetCursor(mappers[0].Buffer(), true)

	got := times(fetch(mi, 600e6, 2e9))
	// the note added at 100ms lies in delivered time and must not
	// reappear; the one at 800ms must
	want := []ostinato.RealTime{750e6, 800e6, 1000e6}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fetch after rebuild = %v, want %v", got, want)
	}
}

func TestStaleCursorReseeksOnFetch(t *testing.T) {
	mi, mappers, _ := testIterator(t)
	fetch(mi, 0, 600e6)

	// rebuild without resetting the cursor; the generation check catches it
	seg := mappers[0].Segment()
	seg.Events = append(seg.Events, note(800, 10, 63, 100))
	mappers[0].Rebuild()

	got := times(fetch(mi, 600e6, 2e9))
	want := []ostinato.RealTime{750e6, 800e6, 1000e6}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fetch over stale cursor = %v, want %v", got, want)
	}
}

func TestRemoveBuffer(t *testing.T) {
	mi, mappers, _ := testIterator(t)
	mi.RemoveBuffer(mappers[1].Buffer())
	got := times(fetch(mi, 0, 2e9))
	want := []ostinato.RealTime{0, 500e6, 1000e6}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fetch after remove = %v, want %v", got, want)
	}
}

func TestAddBufferJoinsAtFetchBoundary(t *testing.T) {
	mi, _, doc := testIterator(t)
	fetch(mi, 0, 600e6)
	seg := &ostinato.Segment{Track: 1, Kind: ostinato.GenericSegment, Start: 0, End: 2000,
		Events: []ostinato.SegmentEvent{note(100, 10, 50, 100), note(900, 10, 52, 100)}}
	doc.Segments = append(doc.Segments, seg)
	m := sequencer.NewSegmentMapper(doc, ostinato.NewControls(), testRepository(t), seg)
	mi.AddBuffer(m.Buffer())
	got := times(fetch(mi, 600e6, 2e9))
	want := []ostinato.RealTime{750e6, 900e6, 1000e6}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fetch after add = %v, want %v", got, want)
	}
}

func TestAudioEvents(t *testing.T) {
	doc := testComposition()
	gen := &ostinato.Segment{Track: 0, Kind: ostinato.GenericSegment, Start: 0, End: 1000,
		Events: []ostinato.SegmentEvent{note(0, 10, 60, 100)}}
	clip := &ostinato.Segment{Track: 1, Kind: ostinato.AudioClipSegment, Start: 0, End: 500,
		Clip: 3, ClipEnd: 500e6}
	doc.Segments = []*ostinato.Segment{gen, clip}
	blocks := testRepository(t)
	controls := ostinato.NewControls()
	mi := sequencer.NewMetaIterator()
	for _, seg := range doc.Segments {
		mi.AddBuffer(sequencer.NewSegmentMapper(doc, controls, blocks, seg).Buffer())
	}
	audio := mi.AudioEvents()
	if len(audio) != 1 || audio[0].Clip != 3 {
		t.Fatalf("audio events = %v", audio)
	}
	controls.SetMuted(1, true)
	if audio := mi.AudioEvents(); len(audio) != 0 {
		t.Errorf("muted clip still queued: %v", audio)
	}
}
