package shm

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Fifo is one named pipe in the server directory, used to chain external
// clients through a cycle: the upstream side writes a single byte, the
// downstream side blocks reading it.
type Fifo struct {
	Path string
	fd   int
}

// MakeFifo creates the FIFO node if needed and opens it O_RDWR so the
// descriptor is immediately usable from either end without blocking on the
// peer. Opening read-write also keeps the pipe alive across client churn.
func MakeFifo(path string) (*Fifo, error) {
	if err := unix.Mkfifo(path, 0o666); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
	}
	return &Fifo{Path: path, fd: fd}, nil
}

// OpenFifo opens an existing FIFO node, also O_RDWR.
func OpenFifo(path string) (*Fifo, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
	}
	return &Fifo{Path: path, fd: fd}, nil
}

// Signal writes the single wake byte.
func (f *Fifo) Signal() error {
	for {
		_, err := unix.Write(f.fd, []byte{0})
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Wait blocks until a wake byte arrives.
func (f *Fifo) Wait() error {
	buf := make([]byte, 1)
	for {
		_, err := unix.Read(f.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// WaitTimeout blocks for at most d waiting for the wake byte. Returns false
// on timeout. Spurious poll returns are compensated by re-polling with the
// remaining time, so an early wakeup is never reported as data.
func (f *Fifo) WaitTimeout(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		remain := time.Until(deadline)
		if remain < 0 {
			return false, nil
		}
		fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remain.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			// Spurious readiness; keep waiting out the remainder.
			continue
		}
		buf := make([]byte, 1)
		if _, err := unix.Read(f.fd, buf); err != nil && err != unix.EINTR {
			return false, err
		}
		return true, nil
	}
}

// Drain consumes any wake bytes left over from an interrupted cycle.
func (f *Fifo) Drain() {
	buf := make([]byte, 16)
	for {
		fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			return
		}
		if _, err := unix.Read(f.fd, buf); err != nil {
			return
		}
	}
}

// Close closes the descriptor, leaving the node in place.
func (f *Fifo) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// Unlink closes the descriptor and removes the node.
func (f *Fifo) Unlink() error {
	err := f.Close()
	if rmErr := os.Remove(f.Path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
