package driver

import (
	"testing"
	"time"

	"gojack/internal/porttype"
	"gojack/internal/protocol"
)

// fakeHost collects port registrations and hands out heap buffers.
type fakeHost struct {
	ports   map[uint32][]byte
	nextID  uint32
	bufSize uint32
}

func newFakeHost(bufSize uint32) *fakeHost {
	return &fakeHost{ports: map[uint32][]byte{}, bufSize: bufSize}
}

func (h *fakeHost) RegisterPort(name, typeName string, flags protocol.PortFlags, latency uint32) (uint32, error) {
	h.nextID++
	size := h.bufSize * 4
	if typeName == porttype.MidiTypeName {
		size = porttype.MidiBufferSize
	}
	h.ports[h.nextID] = make([]byte, size)
	return h.nextID, nil
}

func (h *fakeHost) UnregisterPort(id uint32) error {
	delete(h.ports, id)
	return nil
}

func (h *fakeHost) PortBuffer(id uint32, nframes uint32) []byte { return h.ports[id] }
func (h *fakeHost) BufferSize() uint32                          { return h.bufSize }
func (h *fakeHost) SampleRate() uint32                          { return 48000 }

func TestDummyRegistersConfiguredPorts(t *testing.T) {
	d := NewDummy(DummyParams{SampleRate: 48000, Period: 128, CaptureChannels: 3, PlaybackChannels: 1, MidiCapture: 1})
	h := newFakeHost(128)
	if err := d.Attach(h); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(h.ports) != 5 {
		t.Fatalf("registered %d ports, want 5", len(h.ports))
	}
	if err := d.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(h.ports) != 0 {
		t.Fatalf("detach left %d ports", len(h.ports))
	}
}

func TestDummyWaitPacesPeriods(t *testing.T) {
	d := NewDummy(DummyParams{SampleRate: 48000, Period: 128, CaptureChannels: 1, PlaybackChannels: 1})
	h := newFakeHost(128)
	if err := d.Attach(h); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop() //nolint:errcheck // test teardown

	// 128 frames at 48 kHz is ~2.67 ms; five periods should take roughly
	// five times that, never dramatically less.
	begin := time.Now()
	for i := 0; i < 5; i++ {
		n, delayed, err := d.Wait()
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if n != 128 {
			t.Fatalf("wait returned %d frames", n)
		}
		if delayed < 0 {
			t.Fatalf("negative delay estimate %f", delayed)
		}
	}
	if elapsed := time.Since(begin); elapsed < 8*time.Millisecond {
		t.Fatalf("five periods finished too fast: %v", elapsed)
	}
	if d.LastWaitUST() == 0 {
		t.Fatal("last wait timestamp not stamped")
	}
}

func TestDummyCaptureHookFillsBuffers(t *testing.T) {
	d := NewDummy(DummyParams{
		SampleRate: 48000, Period: 64, CaptureChannels: 1, PlaybackChannels: 1,
		OnCapture: func(ch int, buf []float32) {
			for i := range buf {
				buf[i] = 1
			}
		},
	})
	h := newFakeHost(64)
	if err := d.Attach(h); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := d.Read(64); err != nil {
		t.Fatalf("read: %v", err)
	}
	buf := porttype.AsFloat32(h.ports[1], 64)
	for i, v := range buf {
		if v != 1 {
			t.Fatalf("sample %d not filled: %f", i, v)
		}
	}
}
