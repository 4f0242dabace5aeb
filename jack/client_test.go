package jack

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gojack/internal/driver"
	"gojack/internal/server"
	"gojack/internal/shm"
)

// startTestServer boots a full engine on the dummy backend in a private
// tmpdir and waits for its sockets to appear.
func startTestServer(t *testing.T, period uint32, params driver.DummyParams) *server.Engine {
	t.Helper()
	t.Setenv("JACK_TMPDIR", t.TempDir())
	// Clients opened without a server name resolve it from this variable.
	t.Setenv("JACK_DEFAULT_SERVER", "e2e")

	params.SampleRate = 48000
	params.Period = period
	if params.CaptureChannels == 0 && params.PlaybackChannels == 0 {
		params.CaptureChannels = 2
		params.PlaybackChannels = 2
	}
	eng, err := server.New(server.Config{
		Name:            "e2e",
		BufferSize:      period,
		SampleRate:      48000,
		PortMax:         64,
		ClientTimeoutMs: 500,
	}, driver.NewDummy(params))
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	go eng.Run() //nolint:errcheck // brought down by Close

	sock := shm.RequestSocketPath("e2e")
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "request socket never appeared")
	return eng
}

func openTestClient(t *testing.T, name string) *Client {
	t.Helper()
	c, _, err := Open(name, NullOption, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test teardown
	return c
}

func TestOpenAndNameCollision(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	c1 := openTestClient(t, "dup")
	assert.Equal(t, "dup", c1.Name())

	c2, status, err := Open("dup", NullOption, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() }) //nolint:errcheck // test teardown
	assert.Equal(t, "dup-02", c2.Name())
	assert.NotZero(t, status&StatusNameNotUnique)

	_, _, err = Open("dup", UseExactName, nil)
	require.Error(t, err, "UseExactName collision must fail")
}

func TestOpenRejectsUnknownServer(t *testing.T) {
	t.Setenv("JACK_TMPDIR", t.TempDir())
	_, status, err := Open("nobody", NoStartServer, nil)
	require.Error(t, err)
	assert.NotZero(t, status&StatusServerFailed, "expected ServerFailed bit")
}

func TestPassthroughZeroCopy(t *testing.T) {
	var playMu sync.Mutex
	var lastPlayback []float32

	eng := startTestServer(t, 256, driver.DummyParams{
		OnCapture: func(ch int, buf []float32) {
			for i := range buf {
				buf[i] = 0.5
			}
		},
		OnPlayback: func(ch int, buf []float32) {
			if ch != 0 {
				return
			}
			playMu.Lock()
			lastPlayback = append(lastPlayback[:0], buf...)
			playMu.Unlock()
		},
	})

	c := openTestClient(t, "pass")
	in, err := c.PortRegister("in", AudioType, PortIsInput, 0)
	require.NoError(t, err)
	out, err := c.PortRegister("out", AudioType, PortIsOutput, 0)
	require.NoError(t, err)

	require.NoError(t, c.SetProcessCallback(func(nframes uint32) int {
		src := in.AudioBuffer(nframes)
		dst := out.AudioBuffer(nframes)
		copy(dst, src)
		return 0
	}))
	require.NoError(t, c.Activate())

	require.NoError(t, c.Connect("system:capture_1", "pass:in"))
	require.NoError(t, c.Connect("pass:out", "system:playback_1"))

	// Zero-copy: the input buffer must alias the upstream output buffer.
	capture, err := c.PortByName("system:capture_1")
	require.NoError(t, err)
	inBuf := in.GetBuffer(256)
	capBuf := capture.GetBuffer(256)
	require.NotEmpty(t, inBuf)
	require.NotEmpty(t, capBuf)
	assert.Same(t, &inBuf[0], &capBuf[0], "single-connection input must alias the source buffer")

	// The captured signal makes it through the client to playback.
	require.Eventually(t, func() bool {
		playMu.Lock()
		defer playMu.Unlock()
		return len(lastPlayback) == 256 && lastPlayback[0] == 0.5
	}, 5*time.Second, 10*time.Millisecond, "passthrough samples never arrived")

	// CPU load becomes nonzero once the accounting window fills.
	require.Eventually(t, func() bool {
		return eng.Cycles() > 40
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, eng.CPULoad(), float32(0))
	assert.Zero(t, eng.XRuns(), "passthrough must not xrun")
}

func TestMixdownSums(t *testing.T) {
	startTestServer(t, 256, driver.DummyParams{
		OnCapture: func(ch int, buf []float32) {
			for i := range buf {
				buf[i] = float32(ch + 1)
			}
		},
	})

	c := openTestClient(t, "mix")
	in, err := c.PortRegister("in", AudioType, PortIsInput, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []float32
	require.NoError(t, c.SetProcessCallback(func(nframes uint32) int {
		buf := in.AudioBuffer(nframes)
		mu.Lock()
		seen = append(seen[:0], buf...)
		mu.Unlock()
		return 0
	}))
	require.NoError(t, c.Activate())

	require.NoError(t, c.Connect("system:capture_1", "mix:in"))
	require.NoError(t, c.Connect("system:capture_2", "mix:in"))

	// Mix buffer must be distinct from both sources.
	cap1, err := c.PortByName("system:capture_1")
	require.NoError(t, err)
	cap2, err := c.PortByName("system:capture_2")
	require.NoError(t, err)
	inBuf := in.GetBuffer(256)
	require.NotEmpty(t, inBuf)
	assert.NotSame(t, &inBuf[0], &cap1.GetBuffer(256)[0])
	assert.NotSame(t, &inBuf[0], &cap2.GetBuffer(256)[0])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 256 && seen[0] == 3 // 1 + 2
	}, 5*time.Second, 10*time.Millisecond, "mixdown sum never observed")
}

func TestGraphReorderRunsUpstreamFirst(t *testing.T) {
	startTestServer(t, 256, driver.DummyParams{})

	var mu sync.Mutex
	var order []string
	record := func(tag string) {
		mu.Lock()
		order = append(order, tag)
		mu.Unlock()
	}

	a := openTestClient(t, "a")
	_, err := a.PortRegister("out", AudioType, PortIsOutput, 0)
	require.NoError(t, err)
	var aReordered atomic.Int32
	require.NoError(t, a.SetGraphOrderCallback(func() { aReordered.Add(1) }))
	require.NoError(t, a.SetProcessCallback(func(nframes uint32) int {
		record("a")
		return 0
	}))
	require.NoError(t, a.Activate())

	b := openTestClient(t, "b")
	bIn, err := b.PortRegister("in", AudioType, PortIsInput, 0)
	require.NoError(t, err)
	var bReordered atomic.Int32
	require.NoError(t, b.SetGraphOrderCallback(func() { bReordered.Add(1) }))
	require.NoError(t, b.SetProcessCallback(func(nframes uint32) int {
		record("b")
		return 0
	}))
	require.NoError(t, b.Activate())

	require.NoError(t, a.Connect("a:out", "b:in"))

	require.Eventually(t, func() bool {
		return aReordered.Load() > 0 && bReordered.Load() > 0
	}, 5*time.Second, 10*time.Millisecond, "both clients must observe the reorder")

	// Zero-copy across clients: b's input aliases a's output.
	aOutFromB, err := b.PortByName("a:out")
	require.NoError(t, err)
	bBuf := bIn.GetBuffer(256)
	aBuf := aOutFromB.GetBuffer(256)
	require.NotEmpty(t, bBuf)
	require.NotEmpty(t, aBuf)
	assert.Same(t, &bBuf[0], &aBuf[0])

	// Within each cycle a must run before b. Sample a run of recorded
	// tags long after the connect settled.
	mu.Lock()
	order = order[:0]
	mu.Unlock()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 8
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Find the first "a" and check strict alternation from there.
	start := 0
	for start < len(order) && order[start] != "a" {
		start++
	}
	for i := start; i+1 < len(order)-1; i += 2 {
		if order[i] != "a" || order[i+1] != "b" {
			t.Fatalf("schedule broke a-before-b ordering: %v", order)
		}
	}
}

func TestPortConnectionsListing(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	c := openTestClient(t, "lister")
	in, err := c.PortRegister("in", AudioType, PortIsInput, 0)
	require.NoError(t, err)
	require.NoError(t, c.SetProcessCallback(func(uint32) int { return 0 }))
	require.NoError(t, c.Activate())

	require.NoError(t, c.Connect("system:capture_1", "lister:in"))

	names, err := in.Connections()
	require.NoError(t, err)
	assert.Equal(t, []string{"system:capture_1"}, names)

	n, err := in.ConnectionCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Disconnect("system:capture_1", "lister:in"))
	n, err = in.ConnectionCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClientTimeoutGetsZombified(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	slow, _, err := Open("slowpoke", NullOption, nil)
	require.NoError(t, err)
	t.Cleanup(func() { slow.Close() }) //nolint:errcheck // test teardown

	var toldToDie atomic.Bool
	slow.OnInfoShutdown(func(status Status, reason string) {
		if status&StatusClientZombie != 0 {
			toldToDie.Store(true)
		}
	})
	require.NoError(t, slow.SetProcessCallback(func(uint32) int {
		time.Sleep(2 * time.Second) // far past the 500 ms client timeout
		return 0
	}))
	require.NoError(t, slow.Activate())

	require.Eventually(t, func() bool {
		return toldToDie.Load()
	}, 15*time.Second, 50*time.Millisecond, "timed-out client never got its shutdown event")
}

func TestFreewheelRoundTrip(t *testing.T) {
	eng := startTestServer(t, 512, driver.DummyParams{})

	c := openTestClient(t, "wheeler")
	_, err := c.PortRegister("out", AudioType, PortIsOutput, 0)
	require.NoError(t, err)

	var cycles atomic.Int64
	var fwStarted, fwStopped atomic.Bool
	require.NoError(t, c.SetFreewheelCallback(func(starting bool) {
		if starting {
			fwStarted.Store(true)
		} else {
			fwStopped.Store(true)
		}
	}))
	require.NoError(t, c.SetProcessCallback(func(uint32) int {
		cycles.Add(1)
		return 0
	}))
	require.NoError(t, c.Activate())

	require.NoError(t, c.SetFreewheel(true))
	require.Eventually(t, func() bool { return fwStarted.Load() }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, eng.Freewheeling())

	// Freewheel cycles run much faster than the 512-frame wall-clock
	// period (~10.6 ms): expect a burst of them quickly.
	base := cycles.Load()
	require.Eventually(t, func() bool {
		return cycles.Load() > base+20
	}, 5*time.Second, time.Millisecond, "freewheeling must outrun the hardware pace")

	require.NoError(t, c.SetFreewheel(false))
	require.Eventually(t, func() bool { return fwStopped.Load() }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, eng.Freewheeling())

	// The driver is rolling again: cycles keep advancing at normal pace.
	base = cycles.Load()
	require.Eventually(t, func() bool {
		return cycles.Load() > base
	}, 5*time.Second, 10*time.Millisecond, "driver never resumed after freewheel")
}

func TestTransportAPI(t *testing.T) {
	startTestServer(t, 256, driver.DummyParams{})

	c := openTestClient(t, "transport")
	require.NoError(t, c.SetProcessCallback(func(uint32) int { return 0 }))
	require.NoError(t, c.Activate())

	state, _ := c.TransportQuery()
	assert.Equal(t, TransportStopped, state)

	require.NoError(t, c.TransportStart())
	require.Eventually(t, func() bool {
		state, _ := c.TransportQuery()
		return state == TransportRolling
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.TransportLocate(96000))
	require.Eventually(t, func() bool {
		_, pos := c.TransportQuery()
		return pos.Frame >= 96000
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.TransportStop())
	require.Eventually(t, func() bool {
		state, _ := c.TransportQuery()
		return state == TransportStopped
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConditionalTimebaseConflict(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	a := openTestClient(t, "master")
	require.NoError(t, a.SetTimebaseCallback(false, func(TransportState, uint32, *Position, bool) {}))

	b := openTestClient(t, "wannabe")
	err := b.SetTimebaseCallback(true, func(TransportState, uint32, *Position, bool) {})
	require.Error(t, err, "conditional timebase claim must fail while a master exists")
}

func TestMetadataRoundTrip(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	c := openTestClient(t, "meta")
	subject := c.UUID()

	require.NoError(t, c.SetProperty(subject, "pretty-name", "Meta Client", "text/plain"))
	value, typ, err := c.GetProperty(subject, "pretty-name")
	require.NoError(t, err)
	assert.Equal(t, "Meta Client", value)
	assert.Equal(t, "text/plain", typ)

	require.NoError(t, c.SetProperty(subject, "pretty-name", "Renamed", ""))
	value, _, err = c.GetProperty(subject, "pretty-name")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", value)

	n, err := c.RemoveProperties(subject)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	props, err := c.GetProperties(subject)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestPropertyChangeNotification(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	watcher := openTestClient(t, "watcher")
	var gotKey atomic.Value
	require.NoError(t, watcher.SetPropertyChangeCallback(func(subject, key string, change PropertyChangeKind) {
		gotKey.Store(key)
	}))
	require.NoError(t, watcher.Activate())

	writer := openTestClient(t, "writer")
	require.NoError(t, writer.SetProperty(writer.UUID(), "comment", "hello", ""))

	require.Eventually(t, func() bool {
		v, _ := gotKey.Load().(string)
		return v == "comment"
	}, 5*time.Second, 10*time.Millisecond, "property change never arrived")
}

func TestUUIDLookups(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})

	c := openTestClient(t, "lookup")
	u, err := c.GetUUIDByClientName("lookup")
	require.NoError(t, err)
	assert.Equal(t, c.UUID(), u)

	name, err := c.GetClientNameByUUID(u)
	require.NoError(t, err)
	assert.Equal(t, "lookup", name)

	_, err = c.GetUUIDByClientName("no-such-client")
	require.Error(t, err)
}

func TestSetBufferSizeBoundaries(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{})
	c := openTestClient(t, "sizer")
	require.NoError(t, c.Activate())

	err := c.SetBufferSize(500) // not a power of two
	require.Error(t, err)
	assert.EqualValues(t, 22, Errno(err), "non-power-of-two must carry EINVAL")

	err = c.SetBufferSize(32768) // out of range
	require.Error(t, err)
	assert.EqualValues(t, 34, Errno(err), "out-of-range must carry ERANGE")

	require.NoError(t, c.SetBufferSize(256))
	require.Eventually(t, func() bool {
		return c.BufferSize() == 256
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectBoundaries(t *testing.T) {
	startTestServer(t, 512, driver.DummyParams{MidiCapture: 1})

	c := openTestClient(t, "bounds")
	_, err := c.PortRegister("in", AudioType, PortIsInput, 0)
	require.NoError(t, err)
	require.NoError(t, c.SetProcessCallback(func(uint32) int { return 0 }))
	require.NoError(t, c.Activate())

	// Type mismatch: MIDI source into an audio input.
	err = c.Connect("system:midi_capture_1", "bounds:in")
	require.Error(t, err)

	// Duplicate carries EEXIST.
	require.NoError(t, c.Connect("system:capture_1", "bounds:in"))
	err = c.Connect("system:capture_1", "bounds:in")
	require.Error(t, err)
	assert.EqualValues(t, 17, Errno(err), "duplicate must carry EEXIST")
}
