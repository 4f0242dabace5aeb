// Package shm manages the on-disk rendezvous surface shared by the engine
// and its clients: the server directory under $JACK_TMPDIR, the mmap'd
// segments holding the control page and the per-port-type buffer arenas, and
// the ack FIFOs used to chain external clients through a process cycle.
//
// Segments are plain files mapped MAP_SHARED. The engine creates and sizes
// them; clients attach to the same paths. A segment's base mapping stays
// valid between buffer-size changes, at which point the engine re-announces
// it and clients re-attach.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultServerName is used when neither the caller nor JACK_DEFAULT_SERVER
// names a server.
const DefaultServerName = "default"

// ServerName resolves the effective server name.
func ServerName(name string) string {
	if name != "" {
		return name
	}
	if env := os.Getenv("JACK_DEFAULT_SERVER"); env != "" {
		return env
	}
	return DefaultServerName
}

// TmpDir resolves the base temp directory. Promiscuous servers share
// /tmp/jack; otherwise each uid gets its own subtree.
func TmpDir() string {
	if dir := os.Getenv("JACK_TMPDIR"); dir != "" {
		return dir
	}
	if os.Getenv("JACK_PROMISCUOUS_SERVER") != "" {
		return filepath.Join("/tmp", "jack")
	}
	return filepath.Join("/tmp", fmt.Sprintf("jack-%d", os.Getuid()))
}

// ServerDir is the per-server rendezvous directory holding the sockets,
// FIFOs and segment files.
func ServerDir(serverName string) string {
	return filepath.Join(TmpDir(), "jack-"+ServerName(serverName))
}

// RequestSocketPath is the request socket within the server directory.
func RequestSocketPath(serverName string) string {
	return filepath.Join(ServerDir(serverName), "jack_0")
}

// EventSocketPath is the event socket within the server directory.
func EventSocketPath(serverName string) string {
	return filepath.Join(ServerDir(serverName), "jack_ack_0")
}

// FifoPath names the i-th ack FIFO for the engine with the given pid.
func FifoPath(serverName string, pid, i int) string {
	return filepath.Join(ServerDir(serverName), fmt.Sprintf("jack-ack-fifo-%d-%d", pid, i))
}

// MakeServerDir creates the tmpdir and server directory. Promiscuous servers
// get world-writable directories so other uids can rendezvous.
func MakeServerDir(serverName string) (string, error) {
	mode := os.FileMode(0o700)
	if os.Getenv("JACK_PROMISCUOUS_SERVER") != "" {
		mode = 0o777
	}
	dir := ServerDir(serverName)
	for _, p := range []string{TmpDir(), dir} {
		if err := os.MkdirAll(p, mode); err != nil {
			return "", fmt.Errorf("create %s: %w", p, err)
		}
		// MkdirAll applies umask; force the mode we asked for.
		if err := os.Chmod(p, mode); err != nil {
			return "", fmt.Errorf("chmod %s: %w", p, err)
		}
	}
	return dir, nil
}

// Segment is one mmap'd file shared between the engine and its clients.
type Segment struct {
	Path  string
	Data  []byte
	file  *os.File
	owner bool // true when this process created the file
}

// Create makes (or truncates) the segment file and maps it read-write.
func Create(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size segment %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}
	return &Segment{Path: path, Data: data, file: f, owner: true}, nil
}

// Attach maps an existing segment file. Writable attachment is used for
// output buffers; the control page may be attached read-only.
func Attach(path string, writable bool) (*Segment, error) {
	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}
	return &Segment{Path: path, Data: data, file: f}, nil
}

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.Data) }

// Detach unmaps and closes the segment, leaving the file in place.
func (s *Segment) Detach() error {
	var first error
	if s.Data != nil {
		if err := unix.Munmap(s.Data); err != nil && first == nil {
			first = err
		}
		s.Data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
		s.file = nil
	}
	return first
}

// Unlink detaches and removes the backing file. Only meaningful for the
// creating side.
func (s *Segment) Unlink() error {
	err := s.Detach()
	if s.owner {
		if rmErr := os.Remove(s.Path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// LockAll wires the whole address space into RAM, current and future
// mappings both. Real-time configurations call this once at startup.
func LockAll() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
