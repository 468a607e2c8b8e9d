package vault

// Recovery lets the user reset a forgotten password from two secret answers
// without the server ever learning the master key. The master is sealed
// twice, under keys derived from each answer; the server stores the sealed
// blob plus separately-salted hashes of the answer keys for authentication.

// recoveryBlobSize is outer envelope (48+16) plus both nonces.
const recoveryBlobSize = encMasterSize + MACSize + 2*NonceSize

// RecoveryData is everything the sync layer uploads after enrolment.
type RecoveryData struct {
	// Blob is seal(seal(master, n1, k1), n2, k2) || n1 || n2.
	Blob []byte

	// AnswerSalt1/2 derive k1/k2 from the answers. AuthSalt1/2 derive the
	// server-side authenticators from k1/k2.
	AnswerSalt1 [SaltSize]byte
	AuthSalt1   [SaltSize]byte
	AnswerSalt2 [SaltSize]byte
	AuthSalt2   [SaltSize]byte

	// FirstPassSalt is the vault's password salt; SecondPassSalt feeds the
	// second derivation of the server password.
	FirstPassSalt  [SaltSize]byte
	SecondPassSalt [SaltSize]byte

	// ServerPass authenticates the user to the server without exposing the
	// vault password. Auth1/Auth2 let the server check the answers.
	ServerPass []byte
	Auth1      []byte
	Auth2      []byte
}

// CreateRecoveryData enrols the open vault for recovery with two answers.
func (s *Session) CreateRecoveryData(answer1, answer2 string) (*RecoveryData, error) {
	if !validPassword(answer1) || !validPassword(answer2) {
		return nil, ErrParam
	}
	if !s.open {
		return nil, ErrVaultClosed
	}
	relock, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer relock()

	rd := &RecoveryData{FirstPassSalt: s.hdr.salt}
	for _, salt := range []*[SaltSize]byte{
		&rd.AnswerSalt1, &rd.AuthSalt1, &rd.AnswerSalt2, &rd.AuthSalt2, &rd.SecondPassSalt,
	} {
		if err := randomBytes(salt[:]); err != nil {
			return nil, err
		}
	}

	var n1, n2 [NonceSize]byte
	if err := randomBytes(n1[:]); err != nil {
		return nil, err
	}
	if err := randomBytes(n2[:]); err != nil {
		return nil, err
	}

	k1 := deriveKey([]byte(answer1), rd.AnswerSalt1[:])
	k2 := deriveKey([]byte(answer2), rd.AnswerSalt2[:])

	inner := seal(s.master(), n1[:], k1)
	outer := seal(inner, n2[:], k2)
	wipe(inner)

	rd.Blob = make([]byte, 0, recoveryBlobSize)
	rd.Blob = append(rd.Blob, outer...)
	rd.Blob = append(rd.Blob, n1[:]...)
	rd.Blob = append(rd.Blob, n2[:]...)

	rd.ServerPass = deriveKey(s.derivedKey(), rd.SecondPassSalt[:])
	rd.Auth1 = deriveKey(k1, rd.AuthSalt1[:])
	rd.Auth2 = deriveKey(k2, rd.AuthSalt2[:])
	wipe(k1)
	wipe(k2)
	return rd, nil
}

// MakeServerPassword derives the doubly-hashed server password from the
// vault password. Used on a fresh machine before any vault file exists.
func MakeServerPassword(password string, firstSalt, secondSalt []byte) ([]byte, error) {
	if !validPassword(password) || len(firstSalt) != SaltSize || len(secondSalt) != SaltSize {
		return nil, ErrParam
	}
	first := deriveKey([]byte(password), firstSalt)
	out := deriveKey(first, secondSalt)
	wipe(first)
	return out, nil
}

// RecoveryResult is returned by UpdateKeyFromRecovery for upload: the
// rewritten header and the refreshed server credential.
type RecoveryResult struct {
	Header         []byte
	ServerPass     []byte
	SecondPassSalt [SaltSize]byte
}

// UpdateKeyFromRecovery opens the double envelope with the two answers,
// reseals the master under a key derived from the new password, and
// rewrites the vault header in place. The vault must be closed; the file
// lock guarantees it.
func UpdateKeyFromRecovery(dir, user, answer1, answer2 string, blob, salt1, salt2 []byte, newPassword string) (*RecoveryResult, error) {
	if !validLocation(dir, user) || !validPassword(answer1) || !validPassword(answer2) ||
		!validPassword(newPassword) || len(blob) != recoveryBlobSize ||
		len(salt1) != SaltSize || len(salt2) != SaltSize {
		return nil, ErrParam
	}

	outer := blob[:encMasterSize+MACSize]
	n1 := blob[encMasterSize+MACSize : encMasterSize+MACSize+NonceSize]
	n2 := blob[encMasterSize+MACSize+NonceSize:]

	k2 := deriveKey([]byte(answer2), salt2)
	inner, ok := boxOpen(outer, n2, k2)
	wipe(k2)
	if !ok {
		return nil, ErrWrongPass
	}
	k1 := deriveKey([]byte(answer1), salt1)
	master, ok := boxOpen(inner, n1, k1)
	wipe(k1)
	wipe(inner)
	if !ok {
		return nil, ErrWrongPass
	}
	defer wipe(master)

	f, err := openVaultFile(vaultPath(dir, user))
	if err != nil {
		return nil, err
	}
	defer func() {
		funlock(f)
		f.Close()
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, ErrSyscall
	}
	size := st.Size()
	if err := verifyFileMAC(f, size, master); err != nil {
		return nil, err
	}

	blobHdr := make([]byte, headerBlobSize)
	if _, err := f.ReadAt(blobHdr, 0); err != nil {
		return nil, ErrFile
	}
	h, err := decodeHeader(blobHdr)
	if err != nil {
		return nil, err
	}

	if err := randomBytes(h.salt[:]); err != nil {
		return nil, err
	}
	if err := randomBytes(h.masterNonce[:]); err != nil {
		return nil, err
	}
	kek := deriveKey([]byte(newPassword), h.salt[:])
	defer wipe(kek)
	copy(h.encMaster[:], seal(master, h.masterNonce[:], kek))

	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		return nil, ErrIO
	}
	mac, err := computeFileMAC(f, size, master)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(mac, size-fileMACSize); err != nil {
		return nil, ErrIO
	}

	res := &RecoveryResult{Header: h.encode()}
	if err := randomBytes(res.SecondPassSalt[:]); err != nil {
		return nil, err
	}
	res.ServerPass = deriveKey(kek, res.SecondPassSalt[:])
	return res, nil
}
