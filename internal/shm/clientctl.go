package shm

// ClientControl is the small per-client segment shared between the engine
// and one external client. The client writes its cycle state and transport
// votes from its process thread; the engine reads them at post-process time.
// Internal clients use a heap-backed page through the same accessors.
type ClientControl struct {
	b []byte
}

// ClientControlSize is the size of one per-client control segment.
const ClientControlSize = 128

// Cycle states, advanced strictly in order within one cycle.
const (
	StateNotTriggered uint32 = iota
	StateTriggered
	StateRunning
	StateFinished
)

const (
	coffState       = 0  // u32 cycle state
	coffLastStatus  = 4  // i32 last process callback return
	coffAwakeAt     = 8  // u64 usecs the process thread woke
	coffFinishedAt  = 16 // u64 usecs the process thread finished
	coffSyncReady   = 24 // u32 slow-sync vote for the pending position
	coffTimebaseNew = 32 // u32 master published a BBT block this cycle
	coffBBTValid    = 36 // u32
	coffBBTBar      = 40 // i32
	coffBBTBeat     = 44 // i32
	coffBBTTick     = 48 // i32
	coffBarStart    = 56 // f64
	coffBeatsPerBar = 64 // f64
	coffBeatType    = 72 // f64
	coffTicksBeat   = 80 // f64
	coffBPM         = 88 // f64
)

// NewClientControl wraps a mapped (or heap) client control page.
func NewClientControl(data []byte) *ClientControl {
	return &ClientControl{b: data[:ClientControlSize]}
}

// NewHeapClientControl allocates a process-local page for internal clients.
func NewHeapClientControl() *ClientControl {
	return &ClientControl{b: make([]byte, ClientControlSize)}
}

func (c *ClientControl) page() *ControlPage { return &ControlPage{b: c.b} }

func (c *ClientControl) State() uint32     { return c.page().u32(coffState) }
func (c *ClientControl) SetState(s uint32) { c.page().setU32(coffState, s) }

func (c *ClientControl) LastStatus() int32     { return int32(c.page().u32(coffLastStatus)) }
func (c *ClientControl) SetLastStatus(s int32) { c.page().setU32(coffLastStatus, uint32(s)) }

func (c *ClientControl) AwakeAt() uint64        { return c.page().u64(coffAwakeAt) }
func (c *ClientControl) SetAwakeAt(t uint64)    { c.page().setU64(coffAwakeAt, t) }
func (c *ClientControl) FinishedAt() uint64     { return c.page().u64(coffFinishedAt) }
func (c *ClientControl) SetFinishedAt(t uint64) { c.page().setU64(coffFinishedAt, t) }

func (c *ClientControl) SyncReady() bool      { return c.page().u32(coffSyncReady) != 0 }
func (c *ClientControl) SetSyncReady(ok bool) { c.page().setU32(coffSyncReady, b32(ok)) }

// BBT is the bar/beat/tick block a timebase master publishes.
type BBT struct {
	Valid          uint32
	Bar            int32
	Beat           int32
	Tick           int32
	BarStartTick   float64
	BeatsPerBar    float64
	BeatType       float64
	TicksPerBeat   float64
	BeatsPerMinute float64
}

// PublishBBT is called by the timebase master's process thread.
func (c *ClientControl) PublishBBT(b BBT) {
	p := c.page()
	p.setU32(coffBBTValid, b.Valid)
	p.setU32(coffBBTBar, uint32(b.Bar))
	p.setU32(coffBBTBeat, uint32(b.Beat))
	p.setU32(coffBBTTick, uint32(b.Tick))
	p.setF64(coffBarStart, b.BarStartTick)
	p.setF64(coffBeatsPerBar, b.BeatsPerBar)
	p.setF64(coffBeatType, b.BeatType)
	p.setF64(coffTicksBeat, b.TicksPerBeat)
	p.setF64(coffBPM, b.BeatsPerMinute)
	p.setU32(coffTimebaseNew, 1)
}

// TakeBBT returns the published block, if any, and clears the flag. Only the
// engine calls this, once per cycle.
func (c *ClientControl) TakeBBT() (BBT, bool) {
	p := c.page()
	if p.u32(coffTimebaseNew) == 0 {
		return BBT{}, false
	}
	b := BBT{
		Valid:          p.u32(coffBBTValid),
		Bar:            int32(p.u32(coffBBTBar)),
		Beat:           int32(p.u32(coffBBTBeat)),
		Tick:           int32(p.u32(coffBBTTick)),
		BarStartTick:   p.f64(coffBarStart),
		BeatsPerBar:    p.f64(coffBeatsPerBar),
		BeatType:       p.f64(coffBeatType),
		TicksPerBeat:   p.f64(coffTicksBeat),
		BeatsPerMinute: p.f64(coffBPM),
	}
	p.setU32(coffTimebaseNew, 0)
	return b, true
}
