package server

import (
	"fmt"

	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// setBufferSize changes the period length for the whole engine. The arenas
// are rebuilt (buffer offsets change with the slot size), so every active
// client is told to re-attach its segments before the next process call:
// AttachPortSegment first, BufferSizeChange second, in that order.
func (e *Engine) setBufferSize(nframes uint32) error {
	if errno := ValidBufferSize(nframes); errno != 0 {
		return &errnoError{errno: errno, msg: fmt.Sprintf("invalid buffer size %d", nframes)}
	}
	if nframes == e.control.BufferSize() {
		return nil
	}

	e.graphMu.Lock()
	old := e.control.BufferSize()
	e.control.SetBufferSize(nframes)
	if err := e.rebuildArenasLocked(); err != nil {
		e.control.SetBufferSize(old)
		e.graphMu.Unlock()
		return err
	}
	e.timer.periodUsecs = float64(nframes) * 1e6 / float64(e.control.SampleRate())
	e.timer.resetPending = true
	e.graphMu.Unlock()

	if err := e.drv.SetBufferSize(nframes); err != nil {
		e.logf("[engine] driver rejected buffer size %d: %v", nframes, err)
	}
	for _, s := range e.slaves {
		s.SetBufferSize(nframes) //nolint:errcheck // slaves follow the master
	}

	for _, c := range e.snapshotClients() {
		if !c.active {
			continue
		}
		if c.external() {
			for _, t := range e.types.All() {
				seg := e.segments[t.ID]
				ev := &protocol.Event{Type: protocol.EvtAttachPortSegment, X: uint64(t.ID), Y: uint64(seg.Size())}
				ev.Name.Set(seg.Path)
				e.deliverEvent(c, ev)
			}
		}
		e.deliverEvent(c, &protocol.Event{Type: protocol.EvtBufferSizeChange, X: uint64(nframes)})
	}
	e.recomputeAllLatencies()
	e.logf("[engine] buffer size now %d frames", nframes)
	return nil
}

// rebuildArenasLocked recreates every type arena at the new slot size and
// reassigns offsets to the live ports. Mix buffers are reallocated too.
func (e *Engine) rebuildArenasLocked() error {
	bufSize := e.control.BufferSize()
	for _, t := range e.types.All() {
		slot := t.BufferSize(bufSize)
		nslots := 2*e.cfg.PortMax + 1
		old := e.segments[t.ID]
		seg, err := shm.Create(old.Path, int(slot*nslots))
		if err != nil {
			return fmt.Errorf("rebuild arena %d: %w", t.ID, err)
		}
		old.Detach() //nolint:errcheck // replaced mapping
		e.segments[t.ID] = seg

		free := make([]uint32, 0, nslots-1)
		for i := uint32(1); i < nslots; i++ {
			free = append(free, i*slot)
		}
		e.freelists[t.ID] = free
		t.Capability.BufferInit(seg.Data[:slot], bufSize)
	}
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		if p.flags.IsOutput() {
			off, err := e.allocBufferLocked(p.ptype.ID)
			if err != nil {
				return err
			}
			p.offset = off
			p.ptype.Capability.BufferInit(e.bufferAt(p.ptype.ID, off), bufSize)
		}
		if p.hasMix {
			off, err := e.allocBufferLocked(p.ptype.ID)
			if err != nil {
				return err
			}
			p.mixOffset = off
			p.ptype.Capability.BufferInit(e.bufferAt(p.ptype.ID, off), bufSize)
		}
	}
	for _, p := range e.ports {
		if p != nil {
			e.publishPortEntryLocked(p)
		}
	}
	return nil
}
