package vault

import "encoding/binary"

// Record layout, matching the slot's key_len/val_len bookkeeping:
//
//	mtime u64 | type u8 | key | ciphertext+tag (val_len+16) | nonce 24 | mac 32
//
// The trailing MAC is a keyed hash under the master key over everything
// before it.

// sealRecord encrypts value and returns the complete on-disk record bytes.
func sealRecord(typ byte, key string, value []byte, mtime uint64, master []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if err := randomBytes(nonce[:]); err != nil {
		return nil, err
	}
	sealed := seal(value, nonce[:], master)

	buf := make([]byte, recordSize(len(key), len(value)))
	binary.LittleEndian.PutUint64(buf, mtime)
	buf[8] = typ
	off := EntryHeaderSize
	off += copy(buf[off:], key)
	off += copy(buf[off:], sealed)
	off += copy(buf[off:], nonce[:])
	mac := keyedHash(buf[:off], master)
	copy(buf[off:], mac)
	wipe(sealed)
	return buf, nil
}

// openRecord verifies the record MAC and decrypts the value. raw must be the
// complete record as stored; keyLen and valLen come from the slot.
func openRecord(raw []byte, keyLen, valLen int, master []byte) (mtime uint64, typ byte, key, value []byte, err error) {
	if len(raw) != recordSize(keyLen, valLen) {
		return 0, 0, nil, nil, ErrFile
	}
	if err := verifyRecordMAC(raw, master); err != nil {
		return 0, 0, nil, nil, err
	}

	mtime = binary.LittleEndian.Uint64(raw)
	typ = raw[8]
	key = raw[EntryHeaderSize : EntryHeaderSize+keyLen]
	sealed := raw[EntryHeaderSize+keyLen : EntryHeaderSize+keyLen+valLen+MACSize]
	nonce := raw[EntryHeaderSize+keyLen+valLen+MACSize : len(raw)-HashSize]

	value, ok := boxOpen(sealed, nonce, master)
	if !ok {
		return 0, 0, nil, nil, ErrCrypto
	}
	return mtime, typ, key, value, nil
}

// verifyRecordMAC checks the trailing keyed hash without decrypting.
func verifyRecordMAC(raw []byte, master []byte) error {
	if len(raw) < recordSize(0, 0) {
		return ErrFile
	}
	body := raw[:len(raw)-HashSize]
	mac := raw[len(raw)-HashSize:]
	if !ctEqual(keyedHash(body, master), mac) {
		return ErrCrypto
	}
	return nil
}

// restampRecord overwrites the record's mtime and recomputes its MAC in
// place. Used when importing a server blob whose mtime is supplied by the
// sync layer.
func restampRecord(raw []byte, mtime uint64, master []byte) {
	binary.LittleEndian.PutUint64(raw, mtime)
	body := raw[:len(raw)-HashSize]
	copy(raw[len(raw)-HashSize:], keyedHash(body, master))
}

// recordMTime and recordType read the framing fields without verification.
// Only used on records whose slot is ACTIVE under a verified file MAC.
func recordMTime(raw []byte) uint64 { return binary.LittleEndian.Uint64(raw) }
func recordType(raw []byte) byte    { return raw[8] }
