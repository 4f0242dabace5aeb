package driver

import (
	"fmt"
	"time"

	"gojack/internal/porttype"
	"gojack/internal/protocol"
)

// DummyParams configures the timer-driven backend.
type DummyParams struct {
	SampleRate       uint32
	Period           uint32
	CaptureChannels  int
	PlaybackChannels int
	MidiCapture      int
	MidiPlayback     int

	// OnCapture, when set, fills a capture channel each cycle. Otherwise
	// capture ports deliver silence. Used by tone generators and tests.
	OnCapture func(channel int, buf []float32)
	// OnPlayback, when set, observes each playback channel after the
	// graph ran. Used by recorders and tests.
	OnPlayback func(channel int, buf []float32)
}

// Dummy is a backend with no hardware behind it: a monotonic timer supplies
// the period heartbeat. It registers the same physical port set a sound card
// backend would, so the rest of the engine cannot tell the difference.
type Dummy struct {
	params      DummyParams
	host        Host
	capture     []uint32
	playback    []uint32
	midiCapture []uint32
	midiPlay    []uint32

	periodUsecs float64
	next        time.Time
	lastWait    uint64
	running     bool
}

// NewDummy builds a dummy backend. Defaults: 48 kHz, 1024 frames, stereo.
func NewDummy(p DummyParams) *Dummy {
	if p.SampleRate == 0 {
		p.SampleRate = 48000
	}
	if p.Period == 0 {
		p.Period = 1024
	}
	if p.CaptureChannels == 0 && p.PlaybackChannels == 0 && p.MidiCapture == 0 && p.MidiPlayback == 0 {
		p.CaptureChannels = 2
		p.PlaybackChannels = 2
	}
	return &Dummy{
		params:      p,
		periodUsecs: float64(p.Period) * 1e6 / float64(p.SampleRate),
	}
}

// Attach registers the physical port set.
func (d *Dummy) Attach(h Host) error {
	d.host = h
	one := uint32(d.params.Period)
	for i := 0; i < d.params.CaptureChannels; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("dummy:in_%d", i+1), porttype.AudioTypeName,
			protocol.PortIsOutput|protocol.PortIsPhysical|protocol.PortIsTerminal, one)
		if err != nil {
			return fmt.Errorf("register capture %d: %w", i+1, err)
		}
		d.capture = append(d.capture, id)
	}
	for i := 0; i < d.params.PlaybackChannels; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("dummy:out_%d", i+1), porttype.AudioTypeName,
			protocol.PortIsInput|protocol.PortIsPhysical|protocol.PortIsTerminal, one)
		if err != nil {
			return fmt.Errorf("register playback %d: %w", i+1, err)
		}
		d.playback = append(d.playback, id)
	}
	for i := 0; i < d.params.MidiCapture; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("dummy:midi_in_%d", i+1), porttype.MidiTypeName,
			protocol.PortIsOutput|protocol.PortIsPhysical|protocol.PortIsTerminal, one)
		if err != nil {
			return fmt.Errorf("register midi capture %d: %w", i+1, err)
		}
		d.midiCapture = append(d.midiCapture, id)
	}
	for i := 0; i < d.params.MidiPlayback; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("dummy:midi_out_%d", i+1), porttype.MidiTypeName,
			protocol.PortIsInput|protocol.PortIsPhysical|protocol.PortIsTerminal, one)
		if err != nil {
			return fmt.Errorf("register midi playback %d: %w", i+1, err)
		}
		d.midiPlay = append(d.midiPlay, id)
	}
	return nil
}

// Detach unregisters every physical port.
func (d *Dummy) Detach() error {
	if d.host == nil {
		return nil
	}
	for _, set := range [][]uint32{d.capture, d.playback, d.midiCapture, d.midiPlay} {
		for _, id := range set {
			d.host.UnregisterPort(id) //nolint:errcheck // best-effort teardown
		}
	}
	d.capture, d.playback, d.midiCapture, d.midiPlay = nil, nil, nil, nil
	return nil
}

// Start arms the timer.
func (d *Dummy) Start() error {
	d.next = time.Now().Add(d.periodDuration())
	d.running = true
	return nil
}

// Stop disarms the timer.
func (d *Dummy) Stop() error {
	d.running = false
	return nil
}

func (d *Dummy) periodDuration() time.Duration {
	return time.Duration(d.periodUsecs * float64(time.Microsecond))
}

// Wait sleeps out the rest of the period. The deadline advances by exactly
// one period per call so drift does not accumulate; a late wakeup is
// reported through delayedUsecs instead.
func (d *Dummy) Wait() (uint32, float64, error) {
	if d.next.IsZero() {
		d.next = time.Now().Add(d.periodDuration())
	}
	now := time.Now()
	if sleep := d.next.Sub(now); sleep > 0 {
		time.Sleep(sleep)
		now = time.Now()
	}
	delayed := float64(now.Sub(d.next)) / float64(time.Microsecond)
	if delayed < 0 {
		delayed = 0
	}
	d.next = d.next.Add(d.periodDuration())
	// A badly late wakeup would otherwise make every subsequent cycle
	// "late" too; resynchronize the deadline once it falls behind now.
	if d.next.Before(now) {
		d.next = now.Add(d.periodDuration())
	}
	d.lastWait = NowUST()
	return d.host.BufferSize(), delayed, nil
}

// Read delivers the capture channels for this cycle.
func (d *Dummy) Read(nframes uint32) error {
	for i, id := range d.capture {
		buf := d.host.PortBuffer(id, nframes)
		if buf == nil {
			continue
		}
		s := porttype.AsFloat32(buf, nframes)
		for j := range s {
			s[j] = 0
		}
		if d.params.OnCapture != nil {
			d.params.OnCapture(i, s)
		}
	}
	for _, id := range d.midiCapture {
		if buf := d.host.PortBuffer(id, nframes); buf != nil {
			porttype.MidiReset(buf)
		}
	}
	return nil
}

// Write consumes the playback channels for this cycle.
func (d *Dummy) Write(nframes uint32) error {
	if d.params.OnPlayback == nil {
		return nil
	}
	for i, id := range d.playback {
		buf := d.host.PortBuffer(id, nframes)
		if buf == nil {
			continue
		}
		d.params.OnPlayback(i, porttype.AsFloat32(buf, nframes))
	}
	return nil
}

// NullCycle emits one period of silence.
func (d *Dummy) NullCycle(nframes uint32) error {
	if d.params.OnPlayback != nil {
		silent := make([]float32, nframes)
		for i := range d.playback {
			d.params.OnPlayback(i, silent)
		}
	}
	return nil
}

// SetBufferSize recomputes the period duration.
func (d *Dummy) SetBufferSize(nframes uint32) error {
	d.periodUsecs = float64(nframes) * 1e6 / float64(d.params.SampleRate)
	return nil
}

// PeriodUsecs returns the nominal period duration.
func (d *Dummy) PeriodUsecs() float64 { return d.periodUsecs }

// LastWaitUST returns the timestamp of the last Wait return.
func (d *Dummy) LastWaitUST() uint64 { return d.lastWait }

// SampleRate returns the configured rate.
func (d *Dummy) SampleRate() uint32 { return d.params.SampleRate }

// Period returns the configured period length.
func (d *Dummy) Period() uint32 { return d.params.Period }
