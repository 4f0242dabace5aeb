// Package porttype registers the buffer behaviors of each port type: how a
// fresh buffer is initialized and how multiple connected sources mix down
// into one input buffer. The audio and MIDI built-ins are registered by
// Builtins; additional types go through the same Register call.
package porttype

import (
	"errors"
	"fmt"
)

// Well-known type names, fixed by the protocol.
const (
	AudioTypeName = "32 bit float mono audio"
	MidiTypeName  = "8 bit raw midi"
)

// Capability holds the per-type buffer behaviors. Mixdown is nil for types
// whose inputs accept at most one connection.
type Capability struct {
	// BufferInit prepares a freshly assigned buffer for nframes of use.
	BufferInit func(buf []byte, nframes uint32)
	// Mixdown combines all source buffers into dst. Only consulted for
	// input ports with more than one connection.
	Mixdown func(dst []byte, srcs [][]byte, nframes uint32)
}

// Type describes one registered port type.
type Type struct {
	ID   uint32
	Name string
	// ScaleFactor is bytes per frame. Negative means the buffer has the
	// fixed size FixedSize regardless of the period length.
	ScaleFactor int32
	FixedSize   uint32
	Capability  Capability
}

// BufferSize returns the per-port buffer size for the given period length.
func (t *Type) BufferSize(nframes uint32) uint32 {
	if t.ScaleFactor < 0 {
		return t.FixedSize
	}
	return uint32(t.ScaleFactor) * nframes
}

// HasMixdown reports whether inputs of this type accept multiple connections.
func (t *Type) HasMixdown() bool { return t.Capability.Mixdown != nil }

// ErrUnknownType is returned by lookups for unregistered type names.
var ErrUnknownType = errors.New("unknown port type")

// Registry holds the process-wide port type table. It is populated before
// the engine starts and never mutated afterwards, so lookups are lock-free.
type Registry struct {
	types []*Type
}

// NewRegistry returns a registry preloaded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{}
	r.MustRegister(AudioTypeName, 4, 0, Capability{
		BufferInit: audioBufferInit,
		Mixdown:    audioMixdown,
	})
	r.MustRegister(MidiTypeName, -1, MidiBufferSize, Capability{
		BufferInit: midiBufferInit,
		Mixdown:    midiMixdown,
	})
	return r
}

// Register adds a type and returns its id.
func (r *Registry) Register(name string, scale int32, fixedSize uint32, c Capability) (uint32, error) {
	for _, t := range r.types {
		if t.Name == name {
			return 0, fmt.Errorf("port type %q already registered", name)
		}
	}
	if scale < 0 && fixedSize == 0 {
		return 0, fmt.Errorf("port type %q: fixed-size type needs a size", name)
	}
	t := &Type{
		ID:          uint32(len(r.types)),
		Name:        name,
		ScaleFactor: scale,
		FixedSize:   fixedSize,
		Capability:  c,
	}
	r.types = append(r.types, t)
	return t.ID, nil
}

// MustRegister is Register for the built-ins, where a failure is a bug.
func (r *Registry) MustRegister(name string, scale int32, fixedSize uint32, c Capability) uint32 {
	id, err := r.Register(name, scale, fixedSize, c)
	if err != nil {
		panic(err)
	}
	return id
}

// ByName looks a type up by its registered name.
func (r *Registry) ByName(name string) (*Type, error) {
	for _, t := range r.types {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// ByID looks a type up by id.
func (r *Registry) ByID(id uint32) (*Type, error) {
	if int(id) >= len(r.types) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownType, id)
	}
	return r.types[id], nil
}

// All returns the registered types in id order.
func (r *Registry) All() []*Type { return r.types }

// Count returns the number of registered types.
func (r *Registry) Count() int { return len(r.types) }
