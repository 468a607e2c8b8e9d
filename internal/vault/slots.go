package vault

import "encoding/binary"

// Slot lifecycle: UNUSED -> ACTIVE -> DELETED -> removed by compaction.
// UNUSED slots are contiguous at the tail of the table.

// appendRecord writes raw at the end of the heap, activates the first free
// slot, and reseals the file MAC.
func (s *Session) appendRecord(key string, raw []byte, typ byte, mtime uint64) error {
	slotIdx := -1
	for i := range s.slots {
		if s.slots[i].state == stateUnused {
			slotIdx = i
			break
		}
	}
	if slotIdx < 0 {
		return ErrNoSpace
	}

	offset := s.size - fileMACSize
	if _, err := s.file.WriteAt(raw, offset); err != nil {
		return ErrIO
	}

	sl := slot{
		state:      stateActive,
		fileOffset: uint32(offset),
		keyLen:     uint32(len(key)),
		valLen:     uint32(len(raw) - recordSize(len(key), 0)),
	}
	if err := s.writeSlot(slotIdx, sl); err != nil {
		return err
	}
	s.slots[slotIdx] = sl
	s.size += int64(len(raw))

	if err := s.writeFileMAC(); err != nil {
		return err
	}
	s.index.insert(key, indexEntry{slot: slotIdx, mtime: mtime, typ: typ})
	return nil
}

// deleteRecord tombstones the slot and zeroes the ciphertext+tag region.
// The record's framing, nonce, and now-stale MAC stay on disk; the slot
// state gates verification, so the stale MAC is never checked.
func (s *Session) deleteRecord(key string) error {
	e, _ := s.index.lookup(key)
	sl := s.slots[e.slot]

	sl.state = stateDeleted
	if err := s.writeSlot(e.slot, sl); err != nil {
		return err
	}
	s.slots[e.slot] = sl

	zeros := make([]byte, int(sl.valLen)+MACSize)
	ctOff := int64(sl.fileOffset) + EntryHeaderSize + int64(sl.keyLen)
	if _, err := s.file.WriteAt(zeros, ctOff); err != nil {
		return ErrIO
	}

	if err := s.writeFileMAC(); err != nil {
		return err
	}
	s.index.remove(key)
	if s.boxMatches(key) {
		s.boxClear()
	}
	return nil
}

func (s *Session) writeSlot(i int, sl slot) error {
	var buf [LocSize]byte
	sl.encode(buf[:])
	if _, err := s.file.WriteAt(buf[:], slotTableOffset(i)); err != nil {
		return ErrIO
	}
	return nil
}

// compact doubles the slot table, repacks live records contiguously at the
// head of the new heap, truncates the file, and reseals the MAC. Tombstones
// and their wiped records are dropped.
func (s *Session) compact() error {
	newCount := len(s.slots) * 2
	base := heapStart(newCount)

	newSlots := make([]slot, newCount)
	var heap []byte
	live := 0
	for _, sl := range s.slots {
		if sl.state == stateUnused {
			break
		}
		if sl.state != stateActive {
			continue
		}
		raw := make([]byte, recordSize(int(sl.keyLen), int(sl.valLen)))
		if _, err := s.file.ReadAt(raw, int64(sl.fileOffset)); err != nil {
			return ErrIO
		}
		newSlots[live] = slot{
			state:      stateActive,
			fileOffset: uint32(base + int64(len(heap))),
			keyLen:     sl.keyLen,
			valLen:     sl.valLen,
		}
		heap = append(heap, raw...)
		live++
	}

	img := make([]byte, base, base+int64(len(heap)))
	copy(img, s.hdr.encode())
	binary.LittleEndian.PutUint32(img[offSlotCount:], uint32(newCount))
	for i, sl := range newSlots {
		sl.encode(img[HeaderSize+i*LocSize:])
	}
	img = append(img, heap...)

	if _, err := s.file.WriteAt(img, 0); err != nil {
		return ErrIO
	}
	if err := s.file.Truncate(int64(len(img)) + fileMACSize); err != nil {
		return ErrSyscall
	}

	s.slots = newSlots
	s.size = int64(len(img)) + fileMACSize
	if err := s.writeFileMAC(); err != nil {
		return err
	}
	return s.buildIndex()
}
