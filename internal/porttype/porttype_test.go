package porttype

import (
	"testing"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	audio, err := r.ByName(AudioTypeName)
	if err != nil {
		t.Fatalf("audio type missing: %v", err)
	}
	if !audio.HasMixdown() {
		t.Fatal("audio type should mix down")
	}
	if got := audio.BufferSize(128); got != 512 {
		t.Fatalf("audio buffer size for 128 frames: got %d, want 512", got)
	}

	midi, err := r.ByName(MidiTypeName)
	if err != nil {
		t.Fatalf("midi type missing: %v", err)
	}
	if got := midi.BufferSize(128); got != MidiBufferSize {
		t.Fatalf("midi buffer size should be fixed: got %d, want %d", got, MidiBufferSize)
	}
	if got := midi.BufferSize(4096); got != MidiBufferSize {
		t.Fatalf("midi buffer size should ignore frame count: got %d", got)
	}

	if _, err := r.ByName("no such type"); err == nil {
		t.Fatal("lookup of unknown type should fail")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(AudioTypeName, 4, 0, Capability{BufferInit: audioBufferInit}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestAudioMixdownSums(t *testing.T) {
	const nframes = 64
	dst := make([]byte, nframes*4)
	a := make([]byte, nframes*4)
	b := make([]byte, nframes*4)

	as := AsFloat32(a, nframes)
	bs := AsFloat32(b, nframes)
	for i := 0; i < nframes; i++ {
		as[i] = float32(i)
		bs[i] = 0.5
	}

	audioMixdown(dst, [][]byte{a, b}, nframes)
	out := AsFloat32(dst, nframes)
	for i := 0; i < nframes; i++ {
		want := float32(i) + 0.5
		if out[i] != want {
			t.Fatalf("sample %d: got %f, want %f", i, out[i], want)
		}
	}
}

func TestAudioMixdownEmptyZeroes(t *testing.T) {
	dst := make([]byte, 16*4)
	s := AsFloat32(dst, 16)
	for i := range s {
		s[i] = 1
	}
	audioMixdown(dst, nil, 16)
	for i, v := range s {
		if v != 0 {
			t.Fatalf("sample %d not zeroed: %f", i, v)
		}
	}
}

func TestMidiAppendAndRead(t *testing.T) {
	buf := make([]byte, MidiBufferSize)
	MidiReset(buf)

	if n := MidiEventCount(buf); n != 0 {
		t.Fatalf("fresh buffer has %d events", n)
	}
	if err := MidiEventAppend(buf, 0, []byte{0x90, 60, 100}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := MidiEventAppend(buf, 32, []byte{0x80, 60, 0}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := MidiEventCount(buf); n != 2 {
		t.Fatalf("event count: got %d, want 2", n)
	}
	ev, ok := MidiGetEvent(buf, 1)
	if !ok {
		t.Fatal("event 1 missing")
	}
	if ev.Time != 32 || len(ev.Data) != 3 || ev.Data[0] != 0x80 {
		t.Fatalf("event 1 wrong: time=%d data=%v", ev.Time, ev.Data)
	}
}

func TestMidiMixdownMergesByTime(t *testing.T) {
	a := make([]byte, MidiBufferSize)
	b := make([]byte, MidiBufferSize)
	dst := make([]byte, MidiBufferSize)
	MidiReset(a)
	MidiReset(b)

	MidiEventAppend(a, 10, []byte{1}) //nolint:errcheck // fits
	MidiEventAppend(a, 30, []byte{3}) //nolint:errcheck // fits
	MidiEventAppend(b, 20, []byte{2}) //nolint:errcheck // fits

	midiMixdown(dst, [][]byte{a, b}, 64)
	if n := MidiEventCount(dst); n != 3 {
		t.Fatalf("merged count: got %d, want 3", n)
	}
	var times []uint32
	for i := uint32(0); i < 3; i++ {
		ev, ok := MidiGetEvent(dst, i)
		if !ok {
			t.Fatalf("event %d missing", i)
		}
		times = append(times, ev.Time)
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			t.Fatalf("events out of order: %v", times)
		}
	}
}

func TestMidiBufferFullCountsLost(t *testing.T) {
	buf := make([]byte, midiHdrSize+midiEventSize+4)
	// Undersized working area: appending more than fits must be counted.
	MidiReset(buf)
	if err := MidiEventAppend(buf, 0, []byte{1, 2}); err != nil {
		t.Fatalf("first append should fit: %v", err)
	}
	if err := MidiEventAppend(buf, 1, []byte{3, 4}); err != ErrMidiBufferFull {
		t.Fatalf("expected buffer full, got %v", err)
	}
	if n := MidiLostEventCount(buf); n != 1 {
		t.Fatalf("lost events: got %d, want 1", n)
	}
}
