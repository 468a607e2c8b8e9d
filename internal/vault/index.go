package vault

import "sort"

// keyIndex maps key names to their live slot. Rebuilt from the slot table on
// open; never persisted.
type indexEntry struct {
	slot  int
	mtime uint64
	typ   byte
}

type keyIndex struct {
	m map[string]indexEntry
}

func newKeyIndex(slotCount int) *keyIndex {
	return &keyIndex{m: make(map[string]indexEntry, slotCount/2)}
}

func (ix *keyIndex) lookup(key string) (indexEntry, bool) {
	e, ok := ix.m[key]
	return e, ok
}

func (ix *keyIndex) insert(key string, e indexEntry) {
	ix.m[key] = e
}

func (ix *keyIndex) remove(key string) {
	delete(ix.m, key)
}

func (ix *keyIndex) len() int {
	return len(ix.m)
}

// keys returns a sorted snapshot of all live key names.
func (ix *keyIndex) keys() []string {
	out := make([]string, 0, len(ix.m))
	for k := range ix.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// buildIndex scans the slot table and reads the framing fields of every
// ACTIVE record. UNUSED slots are contiguous at the tail, so the first one
// ends the scan. The file MAC has already been verified by the caller.
func (s *Session) buildIndex() error {
	ix := newKeyIndex(len(s.slots))
	for i, sl := range s.slots {
		if sl.state == stateUnused {
			break
		}
		if sl.state != stateActive {
			continue
		}
		frame := make([]byte, EntryHeaderSize+int(sl.keyLen))
		if _, err := s.file.ReadAt(frame, int64(sl.fileOffset)); err != nil {
			return ErrIO
		}
		ix.insert(string(frame[EntryHeaderSize:]), indexEntry{
			slot:  i,
			mtime: recordMTime(frame),
			typ:   recordType(frame),
		})
	}
	s.index = ix
	return nil
}
