package powerauth

import "encoding/binary"

// SignatureFactor is the bitmask identifying which of the four
// factor-protected keys participate in an operation (spec §4.2).
type SignatureFactor uint32

const (
	FactorPossession SignatureFactor = 1 << 0
	FactorKnowledge  SignatureFactor = 1 << 1
	FactorBiometry   SignatureFactor = 1 << 2
	FactorTransport  SignatureFactor = 1 << 12
	// FactorFirstLock is a pseudo-factor used only during
	// CompleteActivation: it expands to the full possession+knowledge
	// (+biometry, if present)+transport mask.
	FactorFirstLock SignatureFactor = 1 << 15
)

func fullFactorMask(hasBiometry bool) SignatureFactor {
	f := FactorPossession | FactorKnowledge
	if hasBiometry {
		f |= FactorBiometry
	}
	return f
}

// signatureKeys holds the four plaintext 16-byte factor keys. Exactly one of
// {locked, plain} representation exists at a time in the codebase:
// signatureKeys is plaintext, lockedSignatureKeys (in persist.go) is the
// at-rest encrypted form (spec §3.3).
type signatureKeys struct {
	possessionKey []byte
	knowledgeKey  []byte
	biometryKey   []byte // empty slice => biometry factor absent
	transportKey  []byte
}

// unlockKeys is the set of caller-supplied secrets needed to unlock (or
// lock) the factor keys: the raw possession/biometry unlock keys and
// the user's knowledge-factor password.
type unlockKeys struct {
	possessionUnlockKey []byte // 16 bytes
	biometryUnlockKey   []byte // 16 bytes, optional
	userPassword        []byte // >= 4 bytes
}

// NewUnlockKeys bundles the caller-supplied secrets needed to unlock (or
// lock) factor keys for a single operation. biometryUnlockKey may be
// nil when the biometry factor is not used by the call.
func NewUnlockKeys(possessionUnlockKey, biometryUnlockKey, userPassword []byte) *unlockKeys {
	return &unlockKeys{
		possessionUnlockKey: possessionUnlockKey,
		biometryUnlockKey:   biometryUnlockKey,
		userPassword:        userPassword,
	}
}

// lockRequest bundles the parameters needed by lock/unlock.
type lockRequest struct {
	factor     SignatureFactor
	keys       *unlockKeys
	extKey     []byte // EEK, optional
	pbkdf2Salt []byte
	pbkdf2Iter int
}

func deriveSecretKey(masterSecret []byte, index uint64) ([]byte, error) {
	var data [16]byte
	binary.BigEndian.PutUint64(data[8:], index)
	return aesCBCEncrypt(masterSecret, zeroIV, data[:])
}

var zeroIV = make([]byte, 16)

// deriveAll derives the four factor keys plus the vault key
// from the ECDH-reduced 16-byte master secret (spec §4.2).
func deriveAll(masterSecret []byte) (*signatureKeys, []byte, error) {
	possession, err := deriveSecretKey(masterSecret, 1)
	if err != nil {
		return nil, nil, encryptionW("derive possession key", err)
	}
	knowledge, err := deriveSecretKey(masterSecret, 2)
	if err != nil {
		return nil, nil, encryptionW("derive knowledge key", err)
	}
	biometry, err := deriveSecretKey(masterSecret, 3)
	if err != nil {
		return nil, nil, encryptionW("derive biometry key", err)
	}
	transport, err := deriveSecretKey(masterSecret, 1000)
	if err != nil {
		return nil, nil, encryptionW("derive transport key", err)
	}
	vault, err := deriveSecretKey(masterSecret, 2000)
	if err != nil {
		return nil, nil, encryptionW("derive vault key", err)
	}
	return &signatureKeys{
		possessionKey: possession,
		knowledgeKey:  knowledge,
		biometryKey:   biometry,
		transportKey:  transport,
	}, vault, nil
}

// deriveSecretKeyFromIndex derives a key from a 16-byte master key and a
// 16-byte index via HMAC-SHA256 folded in half (used e.g. for the
// status-blob IV derivation).
func deriveSecretKeyFromIndex(masterKey, index []byte) ([]byte, error) {
	if len(masterKey) != 16 || len(index) != 16 {
		return nil, encryption("deriveSecretKeyFromIndex: wrong input size")
	}
	sum := hmacSHA256(masterKey, index, 32)
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = sum[i] ^ sum[i+16]
	}
	return out, nil
}

// validateUnlockKeys enforces spec §4.2's structural rules on the
// factor/unlock-key combination. FactorFirstLock expands to the full
// mask (possession+knowledge, +biometry if an unlock key for it was
// supplied) before the rest of the checks run, so the first-lock path
// still requires a valid possession unlock key.
func validateUnlockKeys(keys *unlockKeys, extKey []byte, factor SignatureFactor) error {
	if factor == FactorFirstLock {
		hasBiometry := keys != nil && len(keys.biometryUnlockKey) == 16
		factor = fullFactorMask(hasBiometry)
	}
	if factor == 0 {
		return wrongParam("factor must contain at least one bit")
	}
	if factor&(FactorKnowledge|FactorBiometry) != 0 && factor&(FactorPossession|FactorTransport) == 0 {
		return wrongParam("Knowledge|Biometry alone is forbidden; must be paired with Possession or Transport")
	}
	if keys == nil {
		return wrongParam("unlock keys are required")
	}
	if factor&(FactorPossession|FactorTransport) != 0 {
		if len(keys.possessionUnlockKey) != 16 || allZero(keys.possessionUnlockKey) {
			return wrongParam("possession unlock key must be 16 non-zero bytes")
		}
	}
	if factor&FactorBiometry != 0 {
		if len(keys.biometryUnlockKey) != 16 || allZero(keys.biometryUnlockKey) {
			return wrongParam("biometry unlock key must be 16 non-zero bytes")
		}
	}
	if factor&FactorKnowledge != 0 {
		if len(keys.userPassword) < 4 {
			return wrongParam("password must be at least 4 bytes")
		}
	}
	if extKey != nil && len(extKey) != 16 {
		return wrongParam("external encryption key must be 16 bytes")
	}
	return nil
}

func encryptSignatureKey(protectionKey, extKey, plain []byte) ([]byte, error) {
	tmp, err := aesCBCEncrypt(protectionKey, zeroIV, plain)
	if err != nil {
		return nil, err
	}
	if extKey == nil {
		return tmp, nil
	}
	return aesCBCEncrypt(extKey, zeroIV, tmp)
}

func decryptSignatureKey(protectionKey, extKey, cipherText []byte) ([]byte, error) {
	if extKey == nil {
		return aesCBCDecrypt(protectionKey, zeroIV, cipherText)
	}
	tmp, err := aesCBCDecrypt(extKey, zeroIV, cipherText)
	if err != nil {
		return nil, err
	}
	return aesCBCDecrypt(protectionKey, zeroIV, tmp)
}

func needsEEKValidation(factor SignatureFactor) bool {
	return factor&FactorBiometry != 0 || factor&FactorKnowledge != 0
}

// lockSignatureKeys encrypts plain under the factor-specific unlock
// keys, producing the at-rest representation. When req.factor is
// FactorFirstLock, the full factor mask (+ transport) is used and
// secret.usesExternalKey is (re)initialized.
func lockSignatureKeys(existing *lockedSignatureKeys, plain *signatureKeys, req *lockRequest) (*lockedSignatureKeys, error) {
	if err := validateUnlockKeys(req.keys, req.extKey, req.factor); err != nil {
		return nil, err
	}
	hasBiometry := req.keys != nil && len(req.keys.biometryUnlockKey) == 16
	firstLock := req.factor == FactorFirstLock
	factor := req.factor
	out := &lockedSignatureKeys{}
	if existing != nil {
		*out = *existing
	}
	if firstLock {
		factor = fullFactorMask(hasBiometry) | FactorTransport
		out.usesExternalKey = req.extKey != nil
	} else {
		if needsEEKValidation(factor) {
			if out.usesExternalKey != (req.extKey != nil) {
				return nil, wrongParam("external encryption key mismatch against stored usesExternalKey flag")
			}
		}
	}

	if factor&FactorPossession != 0 {
		ck, err := encryptSignatureKey(req.keys.possessionUnlockKey, nil, plain.possessionKey)
		if err != nil {
			return nil, encryptionW("lock possession key", err)
		}
		out.possessionKey = ck
	}
	if factor&FactorTransport != 0 {
		ck, err := encryptSignatureKey(req.keys.possessionUnlockKey, nil, plain.transportKey)
		if err != nil {
			return nil, encryptionW("lock transport key", err)
		}
		out.transportKey = ck
	}
	if factor&FactorKnowledge != 0 {
		if len(req.pbkdf2Salt) != 16 || req.pbkdf2Iter <= 0 {
			return nil, wrongParam("missing or undersized PBKDF2 salt/iterations")
		}
		derivedPassword := pbkdf2HMACSHA1(req.keys.userPassword, req.pbkdf2Salt, req.pbkdf2Iter, 16)
		ck, err := encryptSignatureKey(derivedPassword, req.extKey, plain.knowledgeKey)
		if err != nil {
			return nil, encryptionW("lock knowledge key", err)
		}
		out.knowledgeKey = ck
	}
	if factor&FactorBiometry != 0 {
		ck, err := encryptSignatureKey(req.keys.biometryUnlockKey, req.extKey, plain.biometryKey)
		if err != nil {
			return nil, encryptionW("lock biometry key", err)
		}
		out.biometryKey = ck
	} else if firstLock {
		out.biometryKey = nil
	}
	if err := out.validateForFactor(factor); err != nil {
		return nil, err
	}
	return out, nil
}

// unlockSignatureKeys is the inverse of lockSignatureKeys.
func unlockSignatureKeys(secret *lockedSignatureKeys, req *lockRequest) (*signatureKeys, error) {
	if err := validateUnlockKeys(req.keys, req.extKey, req.factor); err != nil {
		return nil, err
	}
	if err := secret.validateForFactor(req.factor); err != nil {
		return nil, err
	}
	if needsEEKValidation(req.factor) {
		if secret.usesExternalKey != (req.extKey != nil) {
			return nil, wrongParam("external encryption key mismatch against stored usesExternalKey flag")
		}
	}
	plain := &signatureKeys{}
	if req.factor&FactorPossession != 0 {
		pt, err := decryptSignatureKey(req.keys.possessionUnlockKey, nil, secret.possessionKey)
		if err != nil {
			return nil, encryptionW("unlock possession key", err)
		}
		plain.possessionKey = pt
	}
	if req.factor&FactorTransport != 0 {
		pt, err := decryptSignatureKey(req.keys.possessionUnlockKey, nil, secret.transportKey)
		if err != nil {
			return nil, encryptionW("unlock transport key", err)
		}
		plain.transportKey = pt
	}
	if req.factor&FactorKnowledge != 0 {
		if len(req.pbkdf2Salt) != 16 || req.pbkdf2Iter <= 0 {
			return nil, wrongParam("missing or undersized PBKDF2 salt/iterations")
		}
		derivedPassword := pbkdf2HMACSHA1(req.keys.userPassword, req.pbkdf2Salt, req.pbkdf2Iter, 16)
		pt, err := decryptSignatureKey(derivedPassword, req.extKey, secret.knowledgeKey)
		if err != nil {
			return nil, encryptionW("unlock knowledge key", err)
		}
		plain.knowledgeKey = pt
	}
	if req.factor&FactorBiometry != 0 {
		pt, err := decryptSignatureKey(req.keys.biometryUnlockKey, req.extKey, secret.biometryKey)
		if err != nil {
			return nil, encryptionW("unlock biometry key", err)
		}
		plain.biometryKey = pt
	}
	return plain, nil
}

// protectWithEEK adds (protect=true) or strips (protect=false) one
// AES-CBC layer of EEK wrapping around the knowledge key (always) and
// biometry key (if present).
func protectWithEEK(secret *lockedSignatureKeys, eek []byte, protect bool) error {
	if len(eek) != 16 {
		return wrongParam("external encryption key must be 16 bytes")
	}
	if secret.usesExternalKey == protect {
		return wrongParam("usesExternalKey flag already matches requested operation")
	}
	var knowledge, biometry []byte
	var err error
	if protect {
		knowledge, err = aesCBCEncrypt(eek, zeroIV, secret.knowledgeKey)
		if err != nil {
			return encryptionW("protect knowledge key with EEK", err)
		}
		if len(secret.biometryKey) == 16 {
			biometry, err = aesCBCEncrypt(eek, zeroIV, secret.biometryKey)
			if err != nil {
				return encryptionW("protect biometry key with EEK", err)
			}
		}
	} else {
		knowledge, err = aesCBCDecrypt(eek, zeroIV, secret.knowledgeKey)
		if err != nil {
			return encryptionW("unprotect knowledge key from EEK", err)
		}
		if len(secret.biometryKey) == 16 {
			biometry, err = aesCBCDecrypt(eek, zeroIV, secret.biometryKey)
			if err != nil {
				return encryptionW("unprotect biometry key from EEK", err)
			}
		}
	}
	secret.knowledgeKey = knowledge
	if biometry != nil {
		secret.biometryKey = biometry
	}
	secret.usesExternalKey = protect
	return nil
}
