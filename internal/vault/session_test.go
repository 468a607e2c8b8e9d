package vault

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession()
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func createTestVault(t *testing.T, password string) (*Session, string) {
	t.Helper()
	s := newTestSession(t)
	dir := t.TempDir()
	require.NoError(t, s.Create(dir, "alice", password))
	return s, dir
}

func TestCreateAddRead(t *testing.T) {
	s, dir := createTestVault(t, "hunter2")

	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.OpenKey("email"))
	value, typ, err := s.ReadValue()
	require.NoError(t, err)
	require.Equal(t, []byte("a@b.com"), value)
	require.Equal(t, byte(1), typ)

	mt, err := s.LastModified("email")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), mt)

	st, err := os.Stat(vaultPath(dir, "alice"))
	require.NoError(t, err)
	wantSize := int64(HeaderSize + InitialSize*LocSize + recordSize(5, 7) + fileMACSize)
	require.Equal(t, wantSize, st.Size())
}

func TestOpenKeyIdempotent(t *testing.T) {
	s, _ := createTestVault(t, "pw")
	require.NoError(t, s.Add(1, "k", []byte("v"), 1))

	require.NoError(t, s.OpenKey("k"))

	// Second call is served from the hot cache even if the on-disk record
	// is unreadable.
	require.NoError(t, s.file.Close())
	require.NoError(t, s.OpenKey("k"))
	value, _, err := s.ReadValue()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	// Reopen the handle so Close can run cleanly.
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	s.file = f
}

func TestDeleteThenReAdd(t *testing.T) {
	s, dir := createTestVault(t, "hunter2")
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))

	recOff := int64(s.slots[0].fileOffset)
	require.NoError(t, s.Delete("email"))

	require.Equal(t, stateDeleted, s.slots[0].state)
	raw, err := os.ReadFile(vaultPath(dir, "alice"))
	require.NoError(t, err)
	ct := raw[recOff+9+5 : recOff+9+5+7+MACSize]
	for i, b := range ct {
		require.Zerof(t, b, "ciphertext byte %d not wiped", i)
	}

	// Tombstoned entries are gone from every read path.
	require.Equal(t, ErrKeyNotFound, s.OpenKey("email"))
	keys, err := s.ListKeys()
	require.NoError(t, err)
	require.NotContains(t, keys, "email")

	// A re-add takes the next slot; tombstones are not reused.
	require.NoError(t, s.Add(1, "email", []byte("x@y.z"), 2000))
	require.Equal(t, stateDeleted, s.slots[0].state)
	require.Equal(t, stateActive, s.slots[1].state)
}

func TestUpdate(t *testing.T) {
	s, _ := createTestVault(t, "pw")
	require.Equal(t, ErrKeyNotFound, s.Update(1, "k", []byte("v"), 1))

	require.NoError(t, s.Add(1, "k", []byte("v1"), 1))
	require.NoError(t, s.Update(2, "k", []byte("v2"), 2))

	require.NoError(t, s.OpenKey("k"))
	value, typ, err := s.ReadValue()
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
	require.Equal(t, byte(2), typ)

	mt, err := s.LastModified("k")
	require.NoError(t, err)
	require.Equal(t, uint64(2), mt)
}

func TestListKeysSorted(t *testing.T) {
	s, _ := createTestVault(t, "pw")
	for _, k := range []string{"zebra", "apple", "mango"} {
		require.NoError(t, s.Add(0, k, []byte("v"), 1))
	}
	keys, err := s.ListKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"apple", "mango", "zebra"}, keys)

	n, err := s.NumKeys()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestPersistence(t *testing.T) {
	s, dir := createTestVault(t, "hunter2")
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.Close())

	require.NoError(t, s.Open(dir, "alice", "hunter2"))
	require.NoError(t, s.OpenKey("email"))
	value, typ, err := s.ReadValue()
	require.NoError(t, err)
	require.Equal(t, []byte("a@b.com"), value)
	require.Equal(t, byte(1), typ)
}

func TestWrongPassword(t *testing.T) {
	s, dir := createTestVault(t, "hunter2")
	require.NoError(t, s.Close())
	require.Equal(t, ErrWrongPass, s.Open(dir, "alice", "wrong"))

	// The failed open must leave the session reusable.
	require.NoError(t, s.Open(dir, "alice", "hunter2"))
}

func TestLifecycleErrors(t *testing.T) {
	s, dir := createTestVault(t, "pw")

	require.Equal(t, ErrVaultOpen, s.Create(dir, "bob", "pw"))
	require.Equal(t, ErrVaultOpen, s.Open(dir, "alice", "pw"))
	require.Equal(t, ErrKeyNotFound, s.Delete("missing"))
	require.NoError(t, s.Add(0, "k", []byte("v"), 1))
	require.Equal(t, ErrKeyExist, s.Add(0, "k", []byte("v"), 1))

	require.NoError(t, s.Close())
	require.Equal(t, ErrVaultClosed, s.Close())
	require.Equal(t, ErrVaultClosed, s.Add(0, "k", []byte("v"), 1))
	require.Equal(t, ErrVaultClosed, s.OpenKey("k"))
	_, _, err := s.ReadValue()
	require.Equal(t, ErrVaultClosed, err)

	require.Equal(t, ErrExist, s.Create(dir, "alice", "pw"))
}

func TestParamValidation(t *testing.T) {
	s := newTestSession(t)

	require.Equal(t, ErrParam, s.Create("", "alice", "pw"))
	require.Equal(t, ErrParam, s.Create(t.TempDir(), "", "pw"))
	require.Equal(t, ErrParam, s.Create(t.TempDir(), "alice", ""))

	dir := t.TempDir()
	require.NoError(t, s.Create(dir, "alice", "pw"))

	longKey := string(make([]byte, BoxKeySize))
	require.Equal(t, ErrParam, s.Add(0, longKey, []byte("v"), 1))
	require.Equal(t, ErrParam, s.Add(0, "", []byte("v"), 1))
	require.Equal(t, ErrParam, s.Add(0, "k", make([]byte, DataSize+1), 1))
}

func TestSecondSessionLockedOut(t *testing.T) {
	s, dir := createTestVault(t, "pw")
	_ = s

	s2 := newTestSession(t)
	require.Equal(t, ErrSyscall, s2.Open(dir, "alice", "pw"))
}

func TestErrorCodes(t *testing.T) {
	require.Equal(t, CodeSuccess, CodeOf(nil))
	require.Equal(t, CodeWrongPass, CodeOf(ErrWrongPass))
	require.Equal(t, CodeKeyExist, CodeOf(ErrKeyExist))
	require.Equal(t, CodeKeyExist, CodeOf(ErrKeyNotFound))
	require.Equal(t, CodeFile, CodeOf(ErrFile))
	require.Equal(t, Code(13), CodeWrongPass)
	require.Equal(t, Code(12), CodeNoSpace)
}
