package vault

import (
	"encoding/binary"
	"path/filepath"
)

// On-disk layout, all integers little-endian:
//
//	Offset  Size   Field
//	0       1      version
//	1       7      reserved (zero)
//	8       16     password salt
//	24      48     encrypted master key (32 ct + 16 tag)
//	72      24     master nonce
//	96      8      last server time
//	104     4      slot count N
//	108     16*N   slot table
//	108+16N ...    record heap
//	EOF-32  32     file MAC (keyed BLAKE2b under the master key)
const (
	formatVersion = 1

	LocSize         = 16
	HeaderSize      = 108
	EntryHeaderSize = 9

	// headerBlobSize is the header-for-server: everything before the
	// slot count.
	headerBlobSize = 104

	encMasterSize = MasterKeySize + MACSize

	fileMACSize = HashSize
)

// Size limits.
const (
	MaxPathLen  = 4096
	MaxUserSize = 64
	MaxPassSize = 256
	BoxKeySize  = 128  // key <= BoxKeySize-1 bytes
	DataSize    = 4096 // value <= DataSize bytes

	// InitialSize is the slot count of a freshly created vault. The count
	// is recorded per file, so the constant only shapes new vaults.
	InitialSize = 8
)

// Header field offsets.
const (
	offVersion     = 0
	offSalt        = 8
	offEncMaster   = 24
	offMasterNonce = 72
	offLastServer  = 96
	offSlotCount   = 104
)

// Slot states. stateActive is an opaque sentinel; the scan uses strict
// equality and nothing relies on its byte relation with stateDeleted.
const (
	stateUnused  uint32 = 0
	stateDeleted uint32 = 1
	stateActive  uint32 = 0x00010001
)

type header struct {
	salt        [SaltSize]byte
	encMaster   [encMasterSize]byte
	masterNonce [NonceSize]byte
	lastServer  uint64
}

func (h *header) encode() []byte {
	buf := make([]byte, headerBlobSize)
	buf[offVersion] = formatVersion
	copy(buf[offSalt:], h.salt[:])
	copy(buf[offEncMaster:], h.encMaster[:])
	copy(buf[offMasterNonce:], h.masterNonce[:])
	binary.LittleEndian.PutUint64(buf[offLastServer:], h.lastServer)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerBlobSize || buf[offVersion] != formatVersion {
		return h, ErrFile
	}
	copy(h.salt[:], buf[offSalt:])
	copy(h.encMaster[:], buf[offEncMaster:])
	copy(h.masterNonce[:], buf[offMasterNonce:])
	h.lastServer = binary.LittleEndian.Uint64(buf[offLastServer:])
	return h, nil
}

// slot is one 16-byte entry of the location table.
type slot struct {
	state      uint32
	fileOffset uint32
	keyLen     uint32
	valLen     uint32
}

func (s slot) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], s.state)
	binary.LittleEndian.PutUint32(buf[4:], s.fileOffset)
	binary.LittleEndian.PutUint32(buf[8:], s.keyLen)
	binary.LittleEndian.PutUint32(buf[12:], s.valLen)
}

func decodeSlot(buf []byte) slot {
	return slot{
		state:      binary.LittleEndian.Uint32(buf[0:]),
		fileOffset: binary.LittleEndian.Uint32(buf[4:]),
		keyLen:     binary.LittleEndian.Uint32(buf[8:]),
		valLen:     binary.LittleEndian.Uint32(buf[12:]),
	}
}

// slotTableOffset is the file offset of slot i.
func slotTableOffset(i int) int64 {
	return HeaderSize + int64(i)*LocSize
}

// heapStart is the file offset of the record heap for a table of n slots.
func heapStart(n int) int64 {
	return HeaderSize + int64(n)*LocSize
}

// recordSize is the on-disk footprint of a record with the given plaintext
// key and value lengths.
func recordSize(keyLen, valLen int) int {
	return EntryHeaderSize + keyLen + valLen + MACSize + NonceSize + HashSize
}

func vaultPath(dir, user string) string {
	return filepath.Join(dir, user+".vault")
}
