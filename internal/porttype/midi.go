package porttype

import (
	"encoding/binary"
	"errors"
	"sort"
)

// MIDI buffers have a fixed size regardless of the period length. Event
// headers grow forward from the front of the buffer, event payloads grow
// backward from the end, jack-style, so neither needs a separate allocation.
const (
	MidiBufferSize = 8192
	midiMagic      = 0x4d494449 // "MIDI"

	midiHdrSize   = 20 // magic, size, eventCount, lostEvents, dataStart
	midiEventSize = 12 // time, size, offset
)

// MidiEvent is one timestamped message within a period.
type MidiEvent struct {
	Time uint32 // frame offset within the period
	Data []byte
}

// ErrMidiBufferFull is returned when a buffer cannot hold another event.
var ErrMidiBufferFull = errors.New("midi buffer full")

func midiBufferInit(buf []byte, nframes uint32) {
	MidiReset(buf)
}

// MidiReset clears a buffer to the empty-event state.
func MidiReset(buf []byte) {
	if len(buf) < midiHdrSize {
		return
	}
	binary.LittleEndian.PutUint32(buf[0:], midiMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:], 0)                 // eventCount
	binary.LittleEndian.PutUint32(buf[12:], 0)                // lostEvents
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(buf))) // dataStart
}

// MidiEventCount returns the number of events in the buffer.
func MidiEventCount(buf []byte) uint32 {
	if len(buf) < midiHdrSize || binary.LittleEndian.Uint32(buf[0:]) != midiMagic {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[8:])
}

// MidiLostEventCount returns the number of events dropped for lack of space.
func MidiLostEventCount(buf []byte) uint32 {
	if len(buf) < midiHdrSize {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[12:])
}

// MidiGetEvent returns event i without copying its payload.
func MidiGetEvent(buf []byte, i uint32) (MidiEvent, bool) {
	if i >= MidiEventCount(buf) {
		return MidiEvent{}, false
	}
	h := midiHdrSize + int(i)*midiEventSize
	t := binary.LittleEndian.Uint32(buf[h:])
	sz := binary.LittleEndian.Uint32(buf[h+4:])
	off := binary.LittleEndian.Uint32(buf[h+8:])
	if int(off)+int(sz) > len(buf) {
		return MidiEvent{}, false
	}
	return MidiEvent{Time: t, Data: buf[off : off+sz]}, true
}

// MidiEventAppend reserves space for one event and copies data in. Events
// must be appended in nondecreasing time order within a period.
func MidiEventAppend(buf []byte, time uint32, data []byte) error {
	if len(buf) < midiHdrSize || binary.LittleEndian.Uint32(buf[0:]) != midiMagic {
		return errors.New("not a midi buffer")
	}
	count := binary.LittleEndian.Uint32(buf[8:])
	dataStart := binary.LittleEndian.Uint32(buf[16:])
	hdrEnd := uint32(midiHdrSize + (int(count)+1)*midiEventSize)
	if hdrEnd+uint32(len(data)) > dataStart {
		binary.LittleEndian.PutUint32(buf[12:], MidiLostEventCount(buf)+1)
		return ErrMidiBufferFull
	}
	newStart := dataStart - uint32(len(data))
	copy(buf[newStart:dataStart], data)
	h := midiHdrSize + int(count)*midiEventSize
	binary.LittleEndian.PutUint32(buf[h:], time)
	binary.LittleEndian.PutUint32(buf[h+4:], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[h+8:], newStart)
	binary.LittleEndian.PutUint32(buf[8:], count+1)
	binary.LittleEndian.PutUint32(buf[16:], newStart)
	return nil
}

// midiMixdown merges all source buffers into dst in timestamp order.
// Ties preserve source order, which keeps the merge stable across cycles.
func midiMixdown(dst []byte, srcs [][]byte, nframes uint32) {
	MidiReset(dst)
	var events []MidiEvent
	for _, src := range srcs {
		n := MidiEventCount(src)
		for i := uint32(0); i < n; i++ {
			if ev, ok := MidiGetEvent(src, i); ok {
				events = append(events, ev)
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time < events[j].Time
	})
	for _, ev := range events {
		if err := MidiEventAppend(dst, ev.Time, ev.Data); err != nil {
			return // lostEvents already counted
		}
	}
}
