package shm

import "encoding/binary"

// PortTable is the per-port buffer directory shared with every client: one
// fixed-size entry per port id holding the arena offsets the owner should
// write to and readers should read from this cycle. The engine is the only
// writer; it refreshes entries under the graph write lock whenever ports,
// connections or arenas change, so the cycle path and client libraries can
// resolve buffers without a round-trip.
type PortTable struct {
	b []byte
}

// PortTableEntrySize is the stride of one entry.
const PortTableEntrySize = 16

const (
	pteWriteOffset = 0  // u32 arena offset the owner writes (outputs)
	pteReadOffset  = 4  // u32 arena offset readers consume (inputs)
	pteTypeID      = 8  // u32
	pteLive        = 12 // u32 nonzero while registered
)

// PortTableSize returns the segment size for portMax ports.
func PortTableSize(portMax uint32) int {
	return int(portMax) * PortTableEntrySize
}

// NewPortTable wraps a mapped port table segment.
func NewPortTable(data []byte) *PortTable {
	return &PortTable{b: data}
}

func (t *PortTable) entry(id uint32) []byte {
	return t.b[int(id)*PortTableEntrySize:]
}

// Publish stamps a whole entry at registration time.
func (t *PortTable) Publish(id, writeOffset, readOffset, typeID uint32) {
	e := t.entry(id)
	binary.LittleEndian.PutUint32(e[pteWriteOffset:], writeOffset)
	binary.LittleEndian.PutUint32(e[pteReadOffset:], readOffset)
	binary.LittleEndian.PutUint32(e[pteTypeID:], typeID)
	binary.LittleEndian.PutUint32(e[pteLive:], 1)
}

// SetReadOffset retargets the consumer side of an entry.
func (t *PortTable) SetReadOffset(id, off uint32) {
	binary.LittleEndian.PutUint32(t.entry(id)[pteReadOffset:], off)
}

// SetWriteOffset retargets the producer side of an entry.
func (t *PortTable) SetWriteOffset(id, off uint32) {
	binary.LittleEndian.PutUint32(t.entry(id)[pteWriteOffset:], off)
}

// Clear marks an entry unregistered.
func (t *PortTable) Clear(id uint32) {
	e := t.entry(id)
	binary.LittleEndian.PutUint32(e[pteWriteOffset:], 0)
	binary.LittleEndian.PutUint32(e[pteReadOffset:], 0)
	binary.LittleEndian.PutUint32(e[pteTypeID:], 0)
	binary.LittleEndian.PutUint32(e[pteLive:], 0)
}

// Read returns one entry.
func (t *PortTable) Read(id uint32) (writeOffset, readOffset, typeID uint32, live bool) {
	e := t.entry(id)
	return binary.LittleEndian.Uint32(e[pteWriteOffset:]),
		binary.LittleEndian.Uint32(e[pteReadOffset:]),
		binary.LittleEndian.Uint32(e[pteTypeID:]),
		binary.LittleEndian.Uint32(e[pteLive:]) != 0
}
