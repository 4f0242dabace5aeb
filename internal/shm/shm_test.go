package shm

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSegmentCreateAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	seg, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Unlink() //nolint:errcheck // test teardown

	copy(seg.Data, []byte("hello"))

	att, err := Attach(path, false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer att.Detach() //nolint:errcheck // test teardown

	if string(att.Data[:5]) != "hello" {
		t.Fatalf("shared data not visible: %q", att.Data[:5])
	}
	if att.Size() != 4096 {
		t.Fatalf("attached size: got %d, want 4096", att.Size())
	}
}

func TestControlPageRoundTrip(t *testing.T) {
	seg, err := Create(filepath.Join(t.TempDir(), "ctl"), ControlPageSize)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Unlink() //nolint:errcheck // test teardown

	page := NewControlPage(seg.Data)
	page.Init(1024, 48000, 256)

	if !page.Valid() || !page.EngineOK() {
		t.Fatal("page should be valid and ok after Init")
	}
	if page.BufferSize() != 1024 || page.SampleRate() != 48000 || page.PortMax() != 256 {
		t.Fatalf("header fields wrong: %d %d %d", page.BufferSize(), page.SampleRate(), page.PortMax())
	}

	page.WriteTimer(FrameTimer{Frames: 4096, CurrentWakeup: 100, NextWakeup: 121, PeriodUsecs: 21333.3})
	timer := page.ReadTimer()
	if timer.Frames != 4096 || timer.CurrentWakeup != 100 || timer.NextWakeup != 121 {
		t.Fatalf("timer round trip wrong: %+v", timer)
	}
	if timer.NextWakeup < timer.CurrentWakeup {
		t.Fatal("next wakeup must not precede current")
	}

	page.WriteTransport(TransportSnapshot{State: 1, Frame: 777, Seq: 3, BeatsPerMinute: 120, Valid: PositionBBT})
	tr := page.ReadTransport()
	if tr.State != 1 || tr.Frame != 777 || tr.Seq != 3 || tr.BeatsPerMinute != 120 {
		t.Fatalf("transport round trip wrong: %+v", tr)
	}
}

func TestClientControlStates(t *testing.T) {
	ctl := NewHeapClientControl()

	if ctl.State() != StateNotTriggered {
		t.Fatalf("fresh state: got %d", ctl.State())
	}
	ctl.SetState(StateRunning)
	ctl.SetLastStatus(-1)
	ctl.SetState(StateFinished)
	if ctl.State() != StateFinished || ctl.LastStatus() != -1 {
		t.Fatalf("state/status round trip wrong: %d %d", ctl.State(), ctl.LastStatus())
	}

	ctl.SetSyncReady(true)
	if !ctl.SyncReady() {
		t.Fatal("sync ready not set")
	}

	ctl.PublishBBT(BBT{Valid: PositionBBT, Bar: 4, Beat: 2, Tick: 960, BeatsPerMinute: 140})
	bbt, ok := ctl.TakeBBT()
	if !ok {
		t.Fatal("published BBT not taken")
	}
	if bbt.Bar != 4 || bbt.Beat != 2 || bbt.Tick != 960 || bbt.BeatsPerMinute != 140 {
		t.Fatalf("BBT round trip wrong: %+v", bbt)
	}
	if _, ok := ctl.TakeBBT(); ok {
		t.Fatal("TakeBBT must clear the publish flag")
	}
}

func TestPortTable(t *testing.T) {
	data := make([]byte, PortTableSize(8))
	tab := NewPortTable(data)

	tab.Publish(3, 4096, 0, 1)
	w, r, typ, live := tab.Read(3)
	if w != 4096 || r != 0 || typ != 1 || !live {
		t.Fatalf("entry wrong: %d %d %d %v", w, r, typ, live)
	}

	tab.SetReadOffset(3, 8192)
	_, r, _, _ = tab.Read(3)
	if r != 8192 {
		t.Fatalf("read offset: got %d, want 8192", r)
	}

	tab.Clear(3)
	if _, _, _, live := tab.Read(3); live {
		t.Fatal("cleared entry still live")
	}
}

func TestFifoSignalWait(t *testing.T) {
	f, err := MakeFifo(filepath.Join(t.TempDir(), "fifo"))
	if err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	defer f.Unlink() //nolint:errcheck // test teardown

	// Timeout path first: nothing written yet.
	ok, err := f.WaitTimeout(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok {
		t.Fatal("wait should have timed out")
	}

	if err := f.Signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	ok, err = f.WaitTimeout(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ok {
		t.Fatal("wake byte not observed")
	}

	// Drain clears stale bytes.
	f.Signal() //nolint:errcheck // test setup
	f.Signal() //nolint:errcheck // test setup
	f.Drain()
	ok, _ = f.WaitTimeout(20 * time.Millisecond)
	if ok {
		t.Fatal("drain left bytes behind")
	}
}

func TestServerDirLayout(t *testing.T) {
	t.Setenv("JACK_TMPDIR", t.TempDir())
	dir, err := MakeServerDir("unit")
	if err != nil {
		t.Fatalf("make dir: %v", err)
	}
	if filepath.Base(dir) != "jack-unit" {
		t.Fatalf("server dir name: %s", dir)
	}
	if got := filepath.Base(RequestSocketPath("unit")); got != "jack_0" {
		t.Fatalf("request socket name: %s", got)
	}
	if got := filepath.Base(EventSocketPath("unit")); got != "jack_ack_0" {
		t.Fatalf("event socket name: %s", got)
	}
}
