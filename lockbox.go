package lockbox

import "github.com/wesleyyan-sb/lockbox/internal/vault"

// Code is the stable numeric result of every vault operation.
type Code = vault.Code

// RecoveryData is the enrolment bundle uploaded to the sync server.
type RecoveryData = vault.RecoveryData

// RecoveryResult carries the rewritten header after a password reset.
type RecoveryResult = vault.RecoveryResult

// Vault is a handle on a single-user encrypted vault file.
type Vault struct {
	s *vault.Session
}

// New allocates the guarded session memory and disables core dumps. The
// caller owns the vault until Release.
func New() (*Vault, error) {
	s, err := vault.NewSession()
	if err != nil {
		return nil, err
	}
	return &Vault{s: s}, nil
}

// Release closes any open vault and zeroes the session memory.
func (v *Vault) Release() {
	v.s.Release()
}

// Create makes a new vault file at <dir>/<user>.vault.
func (v *Vault) Create(dir, user, password string) error {
	return v.s.Create(dir, user, password)
}

// CreateFromHeader makes an empty vault around a server-downloaded header.
func (v *Vault) CreateFromHeader(dir, user, password string, header []byte) error {
	return v.s.CreateFromHeader(dir, user, password, header)
}

// Open unlocks an existing vault.
func (v *Vault) Open(dir, user, password string) error {
	return v.s.Open(dir, user, password)
}

// Close releases the file lock and zeroes all cached secrets.
func (v *Vault) Close() error {
	return v.s.Close()
}

// Add stores a new entry; the key must be absent.
func (v *Vault) Add(typ byte, key string, value []byte, mtime uint64) error {
	return v.s.Add(typ, key, value, mtime)
}

// Update replaces an existing entry.
func (v *Vault) Update(typ byte, key string, value []byte, mtime uint64) error {
	return v.s.Update(typ, key, value, mtime)
}

// Delete removes an entry.
func (v *Vault) Delete(key string) error {
	return v.s.Delete(key)
}

// OpenKey decrypts an entry into the session's hot-key cache.
func (v *Vault) OpenKey(key string) error {
	return v.s.OpenKey(key)
}

// ReadValue copies the cached value out.
func (v *Vault) ReadValue() ([]byte, byte, error) {
	return v.s.ReadValue()
}

// Get is OpenKey followed by ReadValue.
func (v *Vault) Get(key string) ([]byte, byte, error) {
	if err := v.s.OpenKey(key); err != nil {
		return nil, 0, err
	}
	return v.s.ReadValue()
}

// Keys returns all live key names, sorted.
func (v *Vault) Keys() ([]string, error) {
	return v.s.ListKeys()
}

// NumKeys reports the number of live entries.
func (v *Vault) NumKeys() (int, error) {
	return v.s.NumKeys()
}

// LastModified reports an entry's stored mtime.
func (v *Vault) LastModified(key string) (uint64, error) {
	return v.s.LastModified(key)
}

// ChangePassword reseals the master key under the new password.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	return v.s.ChangePassword(oldPassword, newPassword)
}

// ExportEncrypted returns an entry's raw record bytes for upload.
func (v *Vault) ExportEncrypted(key string) ([]byte, byte, error) {
	return v.s.GetEncrypted(key)
}

// ImportEncrypted appends a server-supplied record blob.
func (v *Vault) ImportEncrypted(key string, blob []byte, typ byte, mtime uint64) error {
	return v.s.AddEncrypted(key, blob, typ, mtime)
}

// Header returns the header-for-server bytes.
func (v *Vault) Header() ([]byte, error) {
	return v.s.Header()
}

// LastServerTime reads the sync watermark.
func (v *Vault) LastServerTime() (uint64, error) {
	return v.s.LastServerTime()
}

// SetLastServerTime writes the sync watermark.
func (v *Vault) SetLastServerTime(ts uint64) error {
	return v.s.SetLastServerTime(ts)
}

// CreateRecoveryData enrols the open vault for answer-based recovery.
func (v *Vault) CreateRecoveryData(answer1, answer2 string) (*RecoveryData, error) {
	return v.s.CreateRecoveryData(answer1, answer2)
}

// MakeServerPassword derives the doubly-hashed server password.
func MakeServerPassword(password string, firstSalt, secondSalt []byte) ([]byte, error) {
	return vault.MakeServerPassword(password, firstSalt, secondSalt)
}

// UpdateKeyFromRecovery resets a closed vault's password from the two
// recovery answers.
func UpdateKeyFromRecovery(dir, user, answer1, answer2 string, blob, salt1, salt2 []byte, newPassword string) (*RecoveryResult, error) {
	return vault.UpdateKeyFromRecovery(dir, user, answer1, answer2, blob, salt1, salt2, newPassword)
}

// CodeOf extracts the numeric wire code from an error.
func CodeOf(err error) Code {
	return vault.CodeOf(err)
}

// Errors
var (
	ErrMem         = vault.ErrMem
	ErrParam       = vault.ErrParam
	ErrIO          = vault.ErrIO
	ErrCrypto      = vault.ErrCrypto
	ErrVaultOpen   = vault.ErrVaultOpen
	ErrVaultClosed = vault.ErrVaultClosed
	ErrSyscall     = vault.ErrSyscall
	ErrExist       = vault.ErrExist
	ErrAccess      = vault.ErrAccess
	ErrKeyExist    = vault.ErrKeyExist
	ErrKeyNotFound = vault.ErrKeyNotFound
	ErrFile        = vault.ErrFile
	ErrNoSpace     = vault.ErrNoSpace
	ErrWrongPass   = vault.ErrWrongPass
)
