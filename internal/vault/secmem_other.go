//go:build unix && !linux

package vault

// excludeFromDumps is a no-op where MADV_DONTDUMP does not exist; the
// RLIMIT_CORE clamp still applies.
func excludeFromDumps([]byte) {}
