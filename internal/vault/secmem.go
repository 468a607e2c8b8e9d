//go:build unix

package vault

import (
	"sync"

	"golang.org/x/sys/unix"
)

// guardedRegion is an anonymous mapping pinned to physical memory and fenced
// PROT_NONE between public calls. The secrets a session keeps live here,
// out of swap, and the pages are excluded from core dumps; transient copies
// made while deriving or decrypting are Go heap slices, wiped after use.
type guardedRegion struct {
	buf []byte
}

func newGuardedRegion(size int) (*guardedRegion, error) {
	pg := unix.Getpagesize()
	size = (size + pg - 1) &^ (pg - 1)
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, ErrMem
	}
	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, ErrMem
	}
	excludeFromDumps(buf)
	if err := unix.Mprotect(buf, unix.PROT_NONE); err != nil {
		_ = unix.Munmap(buf)
		return nil, ErrMem
	}
	return &guardedRegion{buf: buf}, nil
}

// unlock makes the region read-write for the duration of one public call.
func (g *guardedRegion) unlock() error {
	if g == nil || g.buf == nil {
		return ErrMem
	}
	if err := unix.Mprotect(g.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return ErrMem
	}
	return nil
}

// lock returns the region to no-access.
func (g *guardedRegion) lock() {
	if g == nil || g.buf == nil {
		return
	}
	_ = unix.Mprotect(g.buf, unix.PROT_NONE)
}

// free zeroes the region and returns the pages to the OS.
func (g *guardedRegion) free() {
	if g == nil || g.buf == nil {
		return
	}
	if unix.Mprotect(g.buf, unix.PROT_READ|unix.PROT_WRITE) == nil {
		wipe(g.buf)
	}
	_ = unix.Munlock(g.buf)
	_ = unix.Munmap(g.buf)
	g.buf = nil
}

var disableCoreDumpsOnce sync.Once

// disableCoreDumps clamps RLIMIT_CORE to zero for the whole process. Done
// once, at session init.
func disableCoreDumps() {
	disableCoreDumpsOnce.Do(func() {
		_ = unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
	})
}
