package powerauth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"strconv"
)

// activationData is the transient state held between StartActivation and
// CompleteActivation (spec §3.2). It never survives a Reset or a
// serialize/deserialize round trip.
type activationData struct {
	masterPublicKey *ecdsa.PublicKey // from SessionSetup, imported once

	devicePrivateKey *ecdsa.PrivateKey
	devicePublicKey  *ecdsa.PublicKey

	serverPublicKey *ecdsa.PublicKey

	ctrData []byte // 16-byte initial hash-chain counter

	activationCode string
	activationID   string

	masterSecret []byte // 16-byte ECDH-reduced shared secret

	recovery *RecoveryData
}

// RecoveryData is the optional recovery code/PUK pair returned with an
// activation response (spec §4.6, §C).
type RecoveryData struct {
	RecoveryCode string
	PUK          string
}

// ActivationStartResult is returned by StartActivation and carries the
// payload to place in the activation request (spec §6.3).
type ActivationStartResult struct {
	DevicePublicKey []byte // 33-byte compressed point, base64 in transport
	ActivationID    string
}

// StartActivation begins an activation using an already-validated
// activation code (spec §3.2 step 1). A fresh device EC key pair is
// generated and held in the transient activationData until the server
// responds.
func (s *Session) StartActivation(code OtpComponents) (*ActivationStartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateEmpty); err != nil {
		return nil, err
	}
	if !ValidateActivationCode(code.ActivationCode) {
		return nil, wrongParam("invalid activation code")
	}
	masterPub, err := s.setup.masterServerPublicKeyParsed()
	if err != nil {
		return nil, wrapErr(WrongParam, "session setup has an invalid master server public key", err)
	}
	if code.HasSignature() {
		sigDER, err := base64.StdEncoding.DecodeString(code.ActivationSignature)
		if err != nil {
			return nil, wrongParam("invalid Base64 activation signature")
		}
		if !ecdsaVerifyDER([]byte(code.ActivationCode), sigDER, masterPub) {
			return nil, encryption("activation code signature verification failed")
		}
	}
	devPriv, err := generateP256KeyPair()
	if err != nil {
		return nil, wrapErr(Encryption, "failed to generate device key pair", err)
	}
	s.activation = &activationData{
		masterPublicKey:  masterPub,
		devicePrivateKey: devPriv,
		devicePublicKey:  &devPriv.PublicKey,
		activationCode:   code.ActivationCode,
	}
	s.state = StateActivation1
	return &ActivationStartResult{
		DevicePublicKey: exportPublicKeyCompressed(&devPriv.PublicKey),
	}, nil
}

// ActivationResponse is the server's reply to the activation request
// (spec §3.2 step 2, §6.3).
type ActivationResponse struct {
	ActivationID        string
	ServerPublicKey     []byte // 33-byte compressed point
	CtrData             []byte // 16-byte initial hash-chain counter
	ActivationRecovery  *RecoveryData
	ServerDataSignature []byte // DER ECDSA signature over the response, signed by MasterServerPublicKey
}

// ValidateActivationResponse verifies the server's signature (when
// present) over the response data, imports the server's public key,
// derives the master shared secret via ECDH, and computes the
// human-verifiable activation fingerprint (spec §3.2 step 2, §4.4,
// original_source CalculateActivationFingerprint).
func (s *Session) ValidateActivationResponse(resp *ActivationResponse) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivation1); err != nil {
		return "", err
	}
	a := s.activation
	if len(resp.CtrData) != 16 {
		return "", wrongParam("ctrData must be 16 bytes")
	}
	serverPub, err := importPublicKeyCompressed(resp.ServerPublicKey)
	if err != nil {
		return "", wrapErr(WrongParam, "invalid server public key", err)
	}
	if len(resp.ServerDataSignature) > 0 {
		signedData := []byte(a.activationCode + "&" + resp.ActivationID + "&" +
			base64.StdEncoding.EncodeToString(resp.ServerPublicKey))
		if !ecdsaVerifyDER(signedData, resp.ServerDataSignature, a.masterPublicKey) {
			return "", encryption("activation response signature verification failed")
		}
	}

	shared, err := ecdhSharedSecret(a.devicePrivateKey, serverPub)
	if err != nil {
		return "", wrapErr(Encryption, "ECDH key agreement failed", err)
	}
	masterSecret, err := reduceSharedSecret(shared)
	if err != nil {
		return "", wrapErr(Encryption, "failed to reduce shared secret", err)
	}

	a.serverPublicKey = serverPub
	a.ctrData = resp.CtrData
	a.activationID = resp.ActivationID
	a.masterSecret = masterSecret
	a.recovery = resp.ActivationRecovery

	fingerprint, err := calculateActivationFingerprint(exportAffineXStripped(a.devicePublicKey), resp.ActivationID, exportAffineXStripped(serverPub))
	if err != nil {
		return "", wrapErr(Encryption, "failed to calculate activation fingerprint", err)
	}
	s.lastFingerprint = fingerprint
	s.deviceID = fingerprint
	s.state = StateActivation2
	return fingerprint, nil
}

// CompleteActivationParams bundles the caller-supplied secrets needed to
// commit an activation to persistent storage (spec §3.2 step 3).
type CompleteActivationParams struct {
	Password            []byte
	PossessionUnlockKey []byte // 16 bytes
	BiometryUnlockKey   []byte // optional, 16 bytes; enables the biometry factor
	PBKDF2Iterations    int    // defaults to 10000 if 0
}

// CompleteActivation derives the four factor keys and the vault key from
// the master secret, locks them under the caller-supplied unlock keys
// using the FirstLock pseudo-factor, encrypts the device private key and
// any recovery data under the vault key, and commits the resulting
// PersistentData, moving the session to StateActivated (spec §3.2 step
// 3, §4.2, §4.6).
func (s *Session) CompleteActivation(p *CompleteActivationParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivation2); err != nil {
		return err
	}
	a := s.activation
	iterations := p.PBKDF2Iterations
	if iterations == 0 {
		iterations = 10000
	}
	if iterations < 10000 {
		return wrongParam("PBKDF2 iteration count must be >= 10000")
	}

	plain, vaultKey, err := deriveAll(a.masterSecret)
	if err != nil {
		return err
	}
	if len(p.BiometryUnlockKey) == 0 {
		plain.biometryKey = nil
	}

	salt, err := randomBytes(16, false)
	if err != nil {
		return wrapErr(Encryption, "failed to generate PBKDF2 salt", err)
	}

	req := &lockRequest{
		factor: FactorFirstLock,
		keys: &unlockKeys{
			possessionUnlockKey: p.PossessionUnlockKey,
			biometryUnlockKey:   p.BiometryUnlockKey,
			userPassword:        p.Password,
		},
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: salt,
		pbkdf2Iter: iterations,
	}
	locked, err := lockSignatureKeys(nil, plain, req)
	if err != nil {
		return err
	}

	cDevicePrivateKey, err := aesCBCEncryptPKCS7(vaultKey, zeroIV, exportPrivateKey(a.devicePrivateKey))
	if err != nil {
		return wrapErr(Encryption, "failed to encrypt device private key", err)
	}

	var cRecoveryData []byte
	if a.recovery != nil {
		recoveryPlain, err := serializeRecoveryData(a.recovery)
		if err != nil {
			return wrapErr(WrongParam, "failed to serialize recovery data", err)
		}
		cRecoveryData, err = aesCBCEncryptPKCS7(vaultKey, zeroIV, recoveryPlain)
		if err != nil {
			return wrapErr(Encryption, "failed to encrypt recovery data", err)
		}
	}

	pd := &persistentData{
		activationID:         a.activationID,
		signatureCounterData: a.ctrData,
		isV3:                 true,
		passwordIterations:   uint32(iterations),
		passwordSalt:         salt,
		sk:                   *locked,
		serverPublicKey:      exportPublicKeyCompressed(a.serverPublicKey),
		devicePublicKey:      exportPublicKeyCompressed(a.devicePublicKey),
		cDevicePrivateKey:    cDevicePrivateKey,
		cRecoveryData:        cRecoveryData,
		flags: persistentFlags{
			usesExternalKey:         locked.usesExternalKey,
			hasSignatureCounterByte: true,
		},
	}
	if err := pd.validate(); err != nil {
		return wrapErr(WrongParam, "completed activation failed validation", err)
	}

	s.persistent = pd
	s.activation = nil
	s.state = StateActivated
	return nil
}

// calculateActivationFingerprint reproduces
// original_source's CalculateActivationFingerprint: decimalize
// SHA256(X(devicePublicKey) || activationId || X(serverPublicKey)),
// where devicePublicKey/serverPublicKey are already the stripped affine
// X coordinates (exportAffineXStripped), not the compressed point form.
func calculateActivationFingerprint(devicePublicKey []byte, activationID string, serverPublicKey []byte) (string, error) {
	data := make([]byte, 0, len(devicePublicKey)+len(activationID)+len(serverPublicKey))
	data = append(data, devicePublicKey...)
	data = append(data, []byte(activationID)...)
	data = append(data, serverPublicKey...)
	return decimalizeSignature(sha256Sum(data))
}

// decimalizeSignature is decimalizeSignatureLength fixed at 8 digits,
// matching original_source's CalculateDecimalizedSignature used for
// fingerprints (which, unlike offline request signatures, is never
// configurable).
func decimalizeSignature(digest []byte) (string, error) {
	return decimalizeSignatureLength(digest, 8)
}

// decimalizeSignatureLength implements original_source's
// CalculateDecimalizedSignature: take the last 4 bytes of the digest,
// mask the most significant bit of the first of those bytes off, treat
// the remainder as a big-endian uint32, reduce mod 10^length, and
// render as a zero-padded decimal string of that length. length must
// be in [4,8] (spec §4.4's offlineSignatureLength range).
func decimalizeSignatureLength(digest []byte, length int) (string, error) {
	if length < 4 || length > 8 {
		return "", wrongParam("decimalized signature length must be between 4 and 8")
	}
	if len(digest) < 4 {
		return "", wrongParam("digest too short to decimalize")
	}
	tail := digest[len(digest)-4:]
	v := uint32(tail[0]&0x7F)<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3])
	var mod uint32 = 1
	for i := 0; i < length; i++ {
		mod *= 10
	}
	v %= mod
	s := strconv.FormatUint(uint64(v), 10)
	for len(s) < length {
		s = "0" + s
	}
	return s, nil
}
