//go:build linux

package vault

import "golang.org/x/sys/unix"

// excludeFromDumps marks the region DONTDUMP. Best effort; the RLIMIT_CORE
// clamp is the real fence.
func excludeFromDumps(b []byte) {
	_ = unix.Madvise(b, unix.MADV_DONTDUMP)
}
