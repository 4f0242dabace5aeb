package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// All message structs are composed of fixed-size fields, so encoding/binary
// handles them directly. Everything on the wire is little-endian.

// WriteRequest writes a request header plus its body.
func WriteRequest(w io.Writer, t RequestType, body any) error {
	hdr := RequestHeader{Type: t}
	if body != nil {
		hdr.Size = uint32(binary.Size(body))
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	if body == nil {
		return nil
	}
	if err := binary.Write(w, binary.LittleEndian, body); err != nil {
		return fmt.Errorf("write %s body: %w", t, err)
	}
	return nil
}

// ReadRequestHeader reads the next request header.
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	var hdr RequestHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// ReadBody decodes a fixed-size body. The caller must pass a pointer whose
// encoded size matches the header's Size; a mismatch means the peer speaks a
// different protocol revision.
func ReadBody(r io.Reader, size uint32, body any) error {
	if want := binary.Size(body); want < 0 || uint32(want) != size {
		return fmt.Errorf("body size mismatch: header says %d, struct needs %d", size, want)
	}
	return binary.Read(r, binary.LittleEndian, body)
}

// DiscardBody skips over a body of unknown shape.
func DiscardBody(r io.Reader, size uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(size))
	return err
}

// WriteReply writes a reply header plus an optional body.
func WriteReply(w io.Writer, status Status, errno int32, body any) error {
	hdr := ReplyHeader{Status: status, Errno: errno}
	if body != nil {
		hdr.Size = uint32(binary.Size(body))
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write reply header: %w", err)
	}
	if body == nil {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, body)
}

// ReadReply reads a reply header and, when body is non-nil and the header
// carries one, the body.
func ReadReply(r io.Reader, body any) (ReplyHeader, error) {
	var hdr ReplyHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, err
	}
	if hdr.Size == 0 {
		return hdr, nil
	}
	if body == nil {
		return hdr, DiscardBody(r, hdr.Size)
	}
	if err := ReadBody(r, hdr.Size, body); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// WriteEvent pushes one event on the event socket.
func WriteEvent(w io.Writer, ev *Event) error {
	return binary.Write(w, binary.LittleEndian, ev)
}

// ReadEvent reads one event from the event socket.
func ReadEvent(r io.Reader) (Event, error) {
	var ev Event
	err := binary.Read(r, binary.LittleEndian, &ev)
	return ev, err
}

// EventSize is the encoded size of one Event record.
var EventSize = binary.Size(Event{})
