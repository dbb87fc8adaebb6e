package powerauth

import "encoding/base64"

// This file implements spec §4.6: vault-key unwrap, password change,
// biometry factor management, derived-key generation, device-private-key
// signing, and external-encryption-key (EEK) enrollment.

// ChangeUserPassword re-encrypts the knowledge-factor key under a fresh
// PBKDF2 salt derived from newPassword. The existing key is decrypted
// with oldPassword first; unpadded AES-CBC cannot tell a wrong password
// apart, so a wrong oldPassword is not detected (spec §4.6,
// original_source changeUserPassword).
func (s *Session) ChangeUserPassword(oldPassword, newPassword []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	pd := s.persistent

	unlockReq := &lockRequest{
		factor:     FactorKnowledge,
		keys:       &unlockKeys{userPassword: oldPassword},
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: pd.passwordSalt,
		pbkdf2Iter: int(pd.passwordIterations),
	}
	plain, err := unlockSignatureKeys(&pd.sk, unlockReq)
	if err != nil {
		return wrapErr(Encryption, "change password: old password did not unlock the knowledge key", err)
	}

	newSalt, err := randomBytes(16, true)
	if err != nil {
		return wrapErr(Encryption, "failed to generate new PBKDF2 salt", err)
	}
	const newIterations = 10000
	lockReq := &lockRequest{
		factor:     FactorKnowledge,
		keys:       &unlockKeys{userPassword: newPassword},
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: newSalt,
		pbkdf2Iter: newIterations,
	}
	locked, err := lockSignatureKeys(&pd.sk, plain, lockReq)
	if err != nil {
		return err
	}
	pd.sk.knowledgeKey = locked.knowledgeKey
	pd.passwordSalt = newSalt
	pd.passwordIterations = newIterations
	return nil
}

func (s *Session) decryptVaultKeyLocked(encryptedVaultKeyB64 string, keys *unlockKeys) ([]byte, error) {
	if encryptedVaultKeyB64 == "" {
		return nil, wrongParam("missing encrypted vault key")
	}
	encryptedVaultKey, err := base64.StdEncoding.DecodeString(encryptedVaultKeyB64)
	if err != nil || len(encryptedVaultKey) == 0 {
		return nil, encryption("the provided vault key is malformed")
	}
	pd := s.persistent
	unlockReq := &lockRequest{
		factor:     FactorTransport,
		keys:       keys,
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: pd.passwordSalt,
		pbkdf2Iter: int(pd.passwordIterations),
	}
	plain, err := unlockSignatureKeys(&pd.sk, unlockReq)
	if err != nil {
		return nil, wrapErr(WrongParam, "vault: possession key is required", err)
	}
	vaultKey, err := aesCBCDecryptPKCS7(plain.transportKey, zeroIV, encryptedVaultKey)
	if err != nil || len(vaultKey) != 16 {
		return nil, encryption("failed to decrypt vault key")
	}
	return vaultKey, nil
}

// DecryptVaultKey unwraps the server-provided, transport-key-encrypted
// vault key (spec §4.6).
func (s *Session) DecryptVaultKey(encryptedVaultKeyB64 string, keys *unlockKeys) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	return s.decryptVaultKeyLocked(encryptedVaultKeyB64, keys)
}

// DeriveCryptographicKeyFromVaultKey derives an arbitrary-purpose key
// from the vault key at the given index (spec §4.6).
func (s *Session) DeriveCryptographicKeyFromVaultKey(encryptedVaultKeyB64 string, keys *unlockKeys, index uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	vaultKey, err := s.decryptVaultKeyLocked(encryptedVaultKeyB64, keys)
	if err != nil {
		return nil, err
	}
	return deriveSecretKey(vaultKey, index)
}

// SignDataWithDevicePrivateKey decrypts the device private key using the
// vault key and produces an ECDSA signature over data, in DER or JOSE
// format (spec §4.6).
func (s *Session) SignDataWithDevicePrivateKey(encryptedVaultKeyB64 string, keys *unlockKeys, data []byte, joseFormat bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	vaultKey, err := s.decryptVaultKeyLocked(encryptedVaultKeyB64, keys)
	if err != nil {
		return nil, err
	}
	plainPriv, err := aesCBCDecryptPKCS7(vaultKey, zeroIV, s.persistent.cDevicePrivateKey)
	if err != nil {
		return nil, encryptionW("failed to decrypt device private key (wrong vault key)", err)
	}
	priv, err := importPrivateKey(plainPriv)
	if err != nil {
		return nil, encryptionW("decrypted device private key is invalid", err)
	}
	der, err := ecdsaSignDER(data, priv)
	if err != nil {
		return nil, wrapErr(Encryption, "device private key signing failed", err)
	}
	if !joseFormat {
		return der, nil
	}
	return derToJOSE(der)
}

// HasBiometryFactor reports whether the biometry factor is currently
// enrolled.
func (s *Session) HasBiometryFactor() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return false, err
	}
	return len(s.persistent.sk.biometryKey) == 16, nil
}

// AddBiometryFactor re-derives the full key set from the vault key and
// the stored device/server key pair, then locks a fresh biometry key
// under biometryUnlockKey, verifying the re-derived vault key matches
// the one already on disk (spec §4.6, original_source addBiometryFactor).
func (s *Session) AddBiometryFactor(encryptedVaultKeyB64 string, keys *unlockKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	if len(keys.biometryUnlockKey) != 16 {
		return wrongParam("biometryUnlockKey is required")
	}
	pd := s.persistent
	vaultKey, err := s.decryptVaultKeyLocked(encryptedVaultKeyB64, keys)
	if err != nil {
		return err
	}
	plainPriv, err := aesCBCDecryptPKCS7(vaultKey, zeroIV, pd.cDevicePrivateKey)
	if err != nil {
		return encryptionW("failed to decrypt device private key", err)
	}
	devicePriv, err := importPrivateKey(plainPriv)
	if err != nil {
		return encryptionW("decrypted device private key is invalid", err)
	}
	serverPub, err := importPublicKeyCompressed(pd.serverPublicKey)
	if err != nil {
		return encryptionW("stored server public key is invalid", err)
	}
	shared, err := ecdhSharedSecret(devicePriv, serverPub)
	if err != nil {
		return encryptionW("ECDH re-derivation failed", err)
	}
	masterSecret, err := reduceSharedSecret(shared)
	if err != nil {
		return err
	}
	plain, testVaultKey, err := deriveAll(masterSecret)
	if err != nil {
		return err
	}
	if !byteSliceEqual(testVaultKey, vaultKey) {
		return encryption("re-derived vault key does not match stored vault key")
	}
	lockReq := &lockRequest{
		factor:     FactorPossession | FactorBiometry,
		keys:       keys,
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: pd.passwordSalt,
		pbkdf2Iter: int(pd.passwordIterations),
	}
	locked, err := lockSignatureKeys(&pd.sk, plain, lockReq)
	if err != nil {
		return err
	}
	pd.sk.biometryKey = locked.biometryKey
	return nil
}

// RemoveBiometryFactor drops the stored biometry key, disabling the
// factor.
func (s *Session) RemoveBiometryFactor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	s.persistent.sk.biometryKey = nil
	return nil
}

// AddExternalEncryptionKey enrolls an EEK on an activation that was
// created without one, wrapping the knowledge (and biometry, if present)
// keys under it (spec §4.6, original_source addExternalEncryptionKey).
func (s *Session) AddExternalEncryptionKey(eek []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	if s.persistent.sk.usesExternalKey {
		return wrongState("session is already using an external encryption key")
	}
	if len(eek) != 16 {
		return wrongParam("external encryption key must be 16 bytes")
	}
	if err := protectWithEEK(&s.persistent.sk, eek, true); err != nil {
		return err
	}
	s.persistent.flags.usesExternalKey = true
	s.setup.ExternalEncryptionKey = eek
	return nil
}

// RemoveExternalEncryptionKey reverses AddExternalEncryptionKey.
func (s *Session) RemoveExternalEncryptionKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	if !s.persistent.sk.usesExternalKey {
		return wrongState("session is not using an external encryption key")
	}
	if err := protectWithEEK(&s.persistent.sk, s.setup.ExternalEncryptionKey, false); err != nil {
		return err
	}
	s.persistent.flags.usesExternalKey = false
	s.setup.ExternalEncryptionKey = nil
	return nil
}

// SignedDataSigningKey selects which public key verifies a
// server-signed payload (spec §4.6, original_source SignedData::SigningKey).
type SignedDataSigningKey int

const (
	SigningKeyServer SignedDataSigningKey = iota
	SigningKeyMasterServer
)

// VerifyServerSignedData verifies an ECDSA (DER) signature produced by
// the server over arbitrary data, using either the personalized server
// public key (requires a valid activation) or the master server public
// key from SessionSetup (original_source verifyServerSignedData).
func (s *Session) VerifyServerSignedData(data, signature []byte, signingKey SignedDataSigningKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInvalid {
		return false, wrongState("session has no valid setup")
	}
	if signingKey != SigningKeyMasterServer {
		if err := s.requireState(StateActivated); err != nil {
			return false, err
		}
	}
	if len(signature) == 0 {
		return false, wrongParam("signature must not be empty")
	}
	var pub = s.setup.MasterServerPublicKey
	if signingKey != SigningKeyMasterServer {
		pub = s.persistent.serverPublicKey
	}
	key, err := importPublicKeyCompressed(pub)
	if err != nil {
		return false, wrapErr(Encryption, "invalid public key for signature verification", err)
	}
	return ecdsaVerifyDER(data, signature, key), nil
}

// NormalizeSignatureUnlockKeyFromData derives a 16-byte unlock key from
// arbitrary input data (e.g. a biometric template handle) via SHA-256,
// truncated to the signature key size (original_source
// normalizeSignatureUnlockKeyFromData).
func NormalizeSignatureUnlockKeyFromData(data []byte) []byte {
	return sha256Sum(data)[:16]
}

// GenerateSignatureUnlockKey produces a fresh random 16-byte unlock key
// (original_source generateSignatureUnlockKey).
func GenerateSignatureUnlockKey() ([]byte, error) {
	return randomBytes(16, true)
}

// GetActivationRecoveryData decrypts the recovery code/PUK pair stored
// at activation commit time, if any (spec §4.6, §C).
func (s *Session) GetActivationRecoveryData(encryptedVaultKeyB64 string, keys *unlockKeys) (*RecoveryData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	if len(s.persistent.cRecoveryData) == 0 {
		return nil, wrongState("no recovery data is associated with this activation")
	}
	vaultKey, err := s.decryptVaultKeyLocked(encryptedVaultKeyB64, keys)
	if err != nil {
		return nil, err
	}
	plain, err := aesCBCDecryptPKCS7(vaultKey, zeroIV, s.persistent.cRecoveryData)
	if err != nil {
		return nil, encryptionW("failed to decrypt recovery data", err)
	}
	return deserializeRecoveryData(plain)
}
