package vault

import (
	"bytes"
	"encoding/binary"
	"os"
)

// Guarded region layout. The session's secrets live in one mmap'd region
// that is PROT_NONE between public calls; the fields below are byte offsets
// into it.
const (
	memDerivedKey = 0
	memMaster     = memDerivedKey + MasterKeySize
	memBoxKey     = memMaster + MasterKeySize // NUL-terminated
	memBoxType    = memBoxKey + BoxKeySize
	memBoxLen     = memBoxType + 1
	memBoxValue   = memBoxLen + 4
	memSize       = memBoxValue + DataSize
)

// Session is the process's handle on at most one open vault. Not safe for
// concurrent use; callers serialize externally. Bookkeeping (file handle,
// slot mirror, key index) lives on the Go heap; the keys and the cached
// value the session holds live in the guarded region.
type Session struct {
	open  bool
	file  *os.File
	path  string
	hdr   header
	slots []slot
	size  int64
	index *keyIndex
	mem   *guardedRegion
}

// NewSession disables core dumps and allocates the guarded region. The
// caller owns the session until Release.
func NewSession() (*Session, error) {
	disableCoreDumps()
	mem, err := newGuardedRegion(memSize)
	if err != nil {
		return nil, err
	}
	return &Session{mem: mem}, nil
}

// Release closes any open vault and returns the guarded pages, zeroed.
func (s *Session) Release() {
	if s.open {
		_ = s.Close()
	}
	s.mem.free()
}

// enter unlocks the guarded region for the duration of one public call.
// The returned func relocks it and must run on every path out.
func (s *Session) enter() (func(), error) {
	if err := s.mem.unlock(); err != nil {
		return nil, err
	}
	return s.mem.lock, nil
}

func (s *Session) derivedKey() []byte {
	return s.mem.buf[memDerivedKey : memDerivedKey+MasterKeySize]
}

func (s *Session) master() []byte {
	return s.mem.buf[memMaster : memMaster+MasterKeySize]
}

// Hot-key cache accessors. boxKeyBytes()[0] == 0 iff nothing is cached.

func (s *Session) boxKeyBytes() []byte {
	return s.mem.buf[memBoxKey : memBoxKey+BoxKeySize]
}

func (s *Session) boxMatches(key string) bool {
	bk := s.boxKeyBytes()
	if bk[0] == 0 {
		return false
	}
	n := bytes.IndexByte(bk, 0)
	return n == len(key) && string(bk[:n]) == key
}

func (s *Session) boxSet(key string, typ byte, value []byte) {
	s.boxClear()
	copy(s.boxKeyBytes(), key)
	s.mem.buf[memBoxType] = typ
	binary.LittleEndian.PutUint32(s.mem.buf[memBoxLen:], uint32(len(value)))
	copy(s.mem.buf[memBoxValue:], value)
}

func (s *Session) boxClear() {
	wipe(s.mem.buf[memBoxKey:memSize])
}

func (s *Session) boxRead() (value []byte, typ byte, ok bool) {
	if s.boxKeyBytes()[0] == 0 {
		return nil, 0, false
	}
	n := binary.LittleEndian.Uint32(s.mem.buf[memBoxLen:])
	out := make([]byte, n)
	copy(out, s.mem.buf[memBoxValue:memBoxValue+int(n)])
	return out, s.mem.buf[memBoxType], true
}

// Argument validation.

func validLocation(dir, user string) bool {
	return dir != "" && len(dir)+len(user) < MaxPathLen &&
		user != "" && len(user) <= MaxUserSize
}

func validPassword(pw string) bool {
	return pw != "" && len(pw) <= MaxPassSize
}

func validKey(key string) bool {
	return key != "" && len(key) < BoxKeySize && !bytes.ContainsRune([]byte(key), 0)
}

func validValue(v []byte) bool {
	return len(v) <= DataSize
}

// Create generates a fresh master key, seals it under the password-derived
// key, and writes an empty vault.
func (s *Session) Create(dir, user, password string) error {
	if !validLocation(dir, user) || !validPassword(password) {
		return ErrParam
	}
	if s.open {
		return ErrVaultOpen
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	var h header
	if err := randomBytes(h.salt[:]); err != nil {
		return err
	}
	if err := randomBytes(h.masterNonce[:]); err != nil {
		return err
	}
	if err := randomBytes(s.master()); err != nil {
		return err
	}
	dk := deriveKey([]byte(password), h.salt[:])
	copy(s.derivedKey(), dk)
	wipe(dk)
	copy(h.encMaster[:], seal(s.master(), h.masterNonce[:], s.derivedKey()))

	return s.writeFreshVault(dir, user, h)
}

// CreateFromHeader writes an empty vault around a header downloaded from
// the server, after checking the password opens its master envelope.
func (s *Session) CreateFromHeader(dir, user, password string, headerBytes []byte) error {
	if !validLocation(dir, user) || !validPassword(password) {
		return ErrParam
	}
	if s.open {
		return ErrVaultOpen
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	h, err := decodeHeader(headerBytes)
	if err != nil {
		return err
	}
	dk := deriveKey([]byte(password), h.salt[:])
	master, ok := boxOpen(h.encMaster[:], h.masterNonce[:], dk)
	if !ok {
		wipe(dk)
		return ErrWrongPass
	}
	copy(s.derivedKey(), dk)
	copy(s.master(), master)
	wipe(dk)
	wipe(master)

	return s.writeFreshVault(dir, user, h)
}

// writeFreshVault lays down header + empty slot table + file MAC. The
// guarded region is unlocked and holds the keys.
func (s *Session) writeFreshVault(dir, user string, h header) error {
	path := vaultPath(dir, user)
	f, err := createVaultFile(path)
	if err != nil {
		s.scrubKeys()
		return err
	}

	img := make([]byte, heapStart(InitialSize))
	copy(img, h.encode())
	binary.LittleEndian.PutUint32(img[offSlotCount:], InitialSize)
	if _, err := f.WriteAt(img, 0); err != nil {
		s.abortCreate(f, path)
		return ErrIO
	}

	s.file = f
	s.path = path
	s.hdr = h
	s.slots = make([]slot, InitialSize)
	s.size = heapStart(InitialSize) + fileMACSize
	s.index = newKeyIndex(InitialSize)

	if err := s.writeFileMAC(); err != nil {
		s.abortCreate(f, path)
		s.file = nil
		s.index = nil
		s.slots = nil
		return err
	}
	s.open = true
	return nil
}

func (s *Session) abortCreate(f *os.File, path string) {
	funlock(f)
	f.Close()
	os.Remove(path)
	s.scrubKeys()
}

func (s *Session) scrubKeys() {
	wipe(s.mem.buf[:memSize])
}

// Open reads the header, unwraps the master under the password, verifies the
// file MAC, and rebuilds the key index.
func (s *Session) Open(dir, user, password string) error {
	if !validLocation(dir, user) || !validPassword(password) {
		return ErrParam
	}
	if s.open {
		return ErrVaultOpen
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	path := vaultPath(dir, user)
	f, err := openVaultFile(path)
	if err != nil {
		return err
	}
	fail := func(e error) error {
		funlock(f)
		f.Close()
		s.scrubKeys()
		return e
	}

	blob := make([]byte, headerBlobSize)
	if _, err := f.ReadAt(blob, 0); err != nil {
		return fail(ErrFile)
	}
	h, err := decodeHeader(blob)
	if err != nil {
		return fail(err)
	}

	dk := deriveKey([]byte(password), h.salt[:])
	master, ok := boxOpen(h.encMaster[:], h.masterNonce[:], dk)
	if !ok {
		wipe(dk)
		return fail(ErrWrongPass)
	}
	copy(s.derivedKey(), dk)
	copy(s.master(), master)
	wipe(dk)
	wipe(master)

	st, err := f.Stat()
	if err != nil {
		return fail(ErrSyscall)
	}
	size := st.Size()
	if err := verifyFileMAC(f, size, s.master()); err != nil {
		return fail(err)
	}

	var cnt [4]byte
	if _, err := f.ReadAt(cnt[:], offSlotCount); err != nil {
		return fail(ErrFile)
	}
	slotCount := binary.LittleEndian.Uint32(cnt[:])
	if slotCount == 0 || size < heapStart(int(slotCount))+fileMACSize {
		return fail(ErrFile)
	}

	table := make([]byte, int(slotCount)*LocSize)
	if _, err := f.ReadAt(table, HeaderSize); err != nil {
		return fail(ErrFile)
	}
	slots := make([]slot, slotCount)
	for i := range slots {
		slots[i] = decodeSlot(table[i*LocSize:])
	}

	s.file = f
	s.path = path
	s.hdr = h
	s.slots = slots
	s.size = size
	if err := s.buildIndex(); err != nil {
		s.file = nil
		s.slots = nil
		return fail(err)
	}
	s.open = true
	return nil
}

// Close releases the file lock and zeroes every secret. Writes are
// synchronous, so there is nothing to flush.
func (s *Session) Close() error {
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	s.scrubKeys()
	funlock(s.file)
	err = s.file.Close()
	s.file = nil
	s.index = nil
	s.slots = nil
	s.size = 0
	s.hdr = header{}
	s.open = false
	if err != nil {
		return ErrIO
	}
	return nil
}

// Add stores a new entry. The key must be absent. A full location table
// triggers one compaction and retry; after doubling there is always room.
func (s *Session) Add(typ byte, key string, value []byte, mtime uint64) error {
	if !validKey(key) || !validValue(value) {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	if _, ok := s.index.lookup(key); ok {
		return ErrKeyExist
	}
	return s.addLocked(typ, key, value, mtime)
}

func (s *Session) addLocked(typ byte, key string, value []byte, mtime uint64) error {
	raw, err := sealRecord(typ, key, value, mtime, s.master())
	if err != nil {
		return err
	}
	err = s.appendRecord(key, raw, typ, mtime)
	if err == ErrNoSpace {
		if err = s.compact(); err != nil {
			return err
		}
		err = s.appendRecord(key, raw, typ, mtime)
	}
	return err
}

// Update replaces an existing entry: tombstone, then append.
func (s *Session) Update(typ byte, key string, value []byte, mtime uint64) error {
	if !validKey(key) || !validValue(value) {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	if _, ok := s.index.lookup(key); !ok {
		return ErrKeyNotFound
	}
	if err := s.deleteRecord(key); err != nil {
		return err
	}
	return s.addLocked(typ, key, value, mtime)
}

// Delete tombstones the entry and wipes its ciphertext region.
func (s *Session) Delete(key string) error {
	if !validKey(key) {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	if _, ok := s.index.lookup(key); !ok {
		return ErrKeyNotFound
	}
	return s.deleteRecord(key)
}

// OpenKey decrypts the entry into the hot-key cache. A second call for the
// same key is satisfied from the cache with no disk read.
func (s *Session) OpenKey(key string) error {
	if !validKey(key) {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	if s.boxMatches(key) {
		return nil
	}
	e, ok := s.index.lookup(key)
	if !ok {
		return ErrKeyNotFound
	}
	raw, err := s.readRecordRaw(e.slot)
	if err != nil {
		return err
	}
	sl := s.slots[e.slot]
	_, typ, _, value, err := openRecord(raw, int(sl.keyLen), int(sl.valLen), s.master())
	if err != nil {
		return err
	}
	s.boxSet(key, typ, value)
	wipe(value)
	return nil
}

// ReadValue copies the cached value out to the caller.
func (s *Session) ReadValue() (value []byte, typ byte, err error) {
	if !s.open {
		return nil, 0, ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return nil, 0, err
	}
	defer relock()

	value, typ, ok := s.boxRead()
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return value, typ, nil
}

// ListKeys returns a sorted snapshot of all live key names.
func (s *Session) ListKeys() ([]string, error) {
	if !s.open {
		return nil, ErrVaultClosed
	}
	return s.index.keys(), nil
}

// NumKeys reports the number of live entries.
func (s *Session) NumKeys() (int, error) {
	if !s.open {
		return 0, ErrVaultClosed
	}
	return s.index.len(), nil
}

// LastModified reports the entry's mtime as stored.
func (s *Session) LastModified(key string) (uint64, error) {
	if !validKey(key) {
		return 0, ErrParam
	}
	if !s.open {
		return 0, ErrVaultClosed
	}
	e, ok := s.index.lookup(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return e.mtime, nil
}

// ChangePassword reseals the master under a key derived from the new
// password with a fresh salt and nonce. Entries are untouched: the master
// key itself never changes.
func (s *Session) ChangePassword(oldPassword, newPassword string) error {
	if !validPassword(oldPassword) || !validPassword(newPassword) {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	ok := func() bool {
		dk := deriveKey([]byte(oldPassword), s.hdr.salt[:])
		m, opened := boxOpen(s.hdr.encMaster[:], s.hdr.masterNonce[:], dk)
		wipe(dk)
		if !opened {
			return false
		}
		same := ctEqual(m, s.master())
		wipe(m)
		return same
	}()
	if !ok {
		return ErrWrongPass
	}

	var h header
	h.lastServer = s.hdr.lastServer
	if err := randomBytes(h.salt[:]); err != nil {
		return err
	}
	if err := randomBytes(h.masterNonce[:]); err != nil {
		return err
	}
	dk := deriveKey([]byte(newPassword), h.salt[:])
	copy(s.derivedKey(), dk)
	wipe(dk)
	copy(h.encMaster[:], seal(s.master(), h.masterNonce[:], s.derivedKey()))

	s.hdr = h
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.writeFileMAC(); err != nil {
		return err
	}
	s.boxClear()
	return nil
}

// AddEncrypted appends a server-supplied record after verifying its MAC
// under the local master key. The record's mtime is replaced with the
// server's and the MAC restamped.
func (s *Session) AddEncrypted(key string, blob []byte, typ byte, mtime uint64) error {
	if !validKey(key) {
		return ErrParam
	}
	valLen := len(blob) - recordSize(len(key), 0)
	if valLen < 0 || valLen > DataSize {
		return ErrParam
	}
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	if _, ok := s.index.lookup(key); ok {
		return ErrKeyExist
	}
	if err := verifyRecordMAC(blob, s.master()); err != nil {
		return err
	}
	embedded := blob[EntryHeaderSize : EntryHeaderSize+len(key)]
	if string(embedded) != key || recordType(blob) != typ {
		return ErrParam
	}

	raw := make([]byte, len(blob))
	copy(raw, blob)
	restampRecord(raw, mtime, s.master())

	err = s.appendRecord(key, raw, typ, mtime)
	if err == ErrNoSpace {
		if err = s.compact(); err != nil {
			return err
		}
		err = s.appendRecord(key, raw, typ, mtime)
	}
	return err
}

// GetEncrypted returns the raw record bytes for upload, re-verified.
func (s *Session) GetEncrypted(key string) ([]byte, byte, error) {
	if !validKey(key) {
		return nil, 0, ErrParam
	}
	if !s.open {
		return nil, 0, ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return nil, 0, err
	}
	defer relock()

	e, ok := s.index.lookup(key)
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	raw, err := s.readRecordRaw(e.slot)
	if err != nil {
		return nil, 0, err
	}
	if err := verifyRecordMAC(raw, s.master()); err != nil {
		return nil, 0, err
	}
	return raw, e.typ, nil
}

// Header returns the header-for-server: the first 104 bytes.
func (s *Session) Header() ([]byte, error) {
	if !s.open {
		return nil, ErrVaultClosed
	}
	return s.hdr.encode(), nil
}

// LastServerTime reads the sync watermark.
func (s *Session) LastServerTime() (uint64, error) {
	if !s.open {
		return 0, ErrVaultClosed
	}
	return s.hdr.lastServer, nil
}

// SetLastServerTime writes the sync watermark and recomputes the file MAC.
func (s *Session) SetLastServerTime(ts uint64) error {
	if !s.open {
		return ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return err
	}
	defer relock()

	s.hdr.lastServer = ts
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.writeFileMAC()
}

func (s *Session) writeHeader() error {
	if _, err := s.file.WriteAt(s.hdr.encode(), 0); err != nil {
		return ErrIO
	}
	return nil
}

func (s *Session) readRecordRaw(i int) ([]byte, error) {
	sl := s.slots[i]
	raw := make([]byte, recordSize(int(sl.keyLen), int(sl.valLen)))
	if _, err := s.file.ReadAt(raw, int64(sl.fileOffset)); err != nil {
		return nil, ErrIO
	}
	return raw, nil
}

// computeFileMAC streams file[0, size-32) through the keyed hasher.
func computeFileMAC(f *os.File, size int64, key []byte) ([]byte, error) {
	h := newKeyedHasher(key)
	buf := make([]byte, 64*1024)
	var off int64
	end := size - fileMACSize
	for off < end {
		n := int64(len(buf))
		if end-off < n {
			n = end - off
		}
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return nil, ErrIO
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum(nil), nil
}

func (s *Session) writeFileMAC() error {
	mac, err := computeFileMAC(s.file, s.size, s.master())
	if err != nil {
		return err
	}
	if _, err := s.file.WriteAt(mac, s.size-fileMACSize); err != nil {
		return ErrIO
	}
	return nil
}

func verifyFileMAC(f *os.File, size int64, key []byte) error {
	if size < headerBlobSize+4+fileMACSize {
		return ErrFile
	}
	want, err := computeFileMAC(f, size, key)
	if err != nil {
		return err
	}
	stored := make([]byte, fileMACSize)
	if _, err := f.ReadAt(stored, size-fileMACSize); err != nil {
		return ErrIO
	}
	if !ctEqual(want, stored) {
		return ErrFile
	}
	return nil
}
