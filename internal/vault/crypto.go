package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"hash"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	SaltSize      = 16
	MasterKeySize = 32
	MACSize       = 16 // AEAD tag
	NonceSize     = 24
	HashSize      = 32
)

// Argon2id cost parameters. Moderate: the KDF runs a handful of times per
// session, never per record.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
)

func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, kdfTime, kdfMemory, kdfThreads, MasterKeySize)
}

// seal encrypts plaintext under key with the given 24-byte nonce. The result
// carries the 16-byte tag, so len(out) == len(plaintext) + MACSize.
func seal(plaintext, nonce, key []byte) []byte {
	var n [NonceSize]byte
	var k [MasterKeySize]byte
	copy(n[:], nonce)
	copy(k[:], key)
	out := secretbox.Seal(nil, plaintext, &n, &k)
	wipe(k[:])
	return out
}

// boxOpen reverses seal. Returns false on tag mismatch.
func boxOpen(sealed, nonce, key []byte) ([]byte, bool) {
	var n [NonceSize]byte
	var k [MasterKeySize]byte
	copy(n[:], nonce)
	copy(k[:], key)
	out, ok := secretbox.Open(nil, sealed, &n, &k)
	wipe(k[:])
	return out, ok
}

// keyedHash is the one-shot 32-byte keyed BLAKE2b used for record MACs.
func keyedHash(msg, key []byte) []byte {
	h := newKeyedHasher(key)
	h.Write(msg)
	return h.Sum(nil)
}

// newKeyedHasher returns the streaming variant, used for the file MAC.
func newKeyedHasher(key []byte) hash.Hash {
	h, err := blake2b.New256(key)
	if err != nil {
		// Keys are always MasterKeySize; blake2b only rejects keys over
		// 64 bytes.
		panic("vault: bad mac key length")
	}
	return h
}

func randomBytes(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return ErrCrypto
	}
	return nil
}

func ctEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// wipe zeroes b. The loop plus the final ConstantTimeByteEq keeps the
// stores observable so the compiler cannot drop them.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	if len(b) > 0 {
		subtle.ConstantTimeByteEq(b[0], 0)
	}
}
