package powerauth

import "testing"

// activatedFixture is what newActivatedTestSession builds: a Session
// already past activation, with a fully-populated persistentData, so
// tests for signature.go/vault.go/status.go/ecies.go don't each have to
// replay the activation handshake. It holds the session, its setup, the
// unlock keys used to lock the factor keys, the raw vault key and the
// plaintext transport key.
type activatedFixture struct {
	session      *Session
	setup        *SessionSetup
	unlock       *unlockKeys
	vaultKey     []byte
	transportKey []byte
}

func newActivatedTestSession(t *testing.T, withBiometry bool) *activatedFixture {
	t.Helper()

	setup := newTestSessionSetup(t)

	devicePriv, err := generateP256KeyPair()
	if err != nil {
		t.Fatalf("device keygen failed: %v", err)
	}
	serverPriv, err := generateP256KeyPair()
	if err != nil {
		t.Fatalf("server keygen failed: %v", err)
	}

	shared, err := ecdhSharedSecret(devicePriv, &serverPriv.PublicKey)
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	masterSecret, err := reduceSharedSecret(shared)
	if err != nil {
		t.Fatalf("reduceSharedSecret failed: %v", err)
	}
	plain, vaultKey, err := deriveAll(masterSecret)
	if err != nil {
		t.Fatalf("deriveAll failed: %v", err)
	}

	unlock := &unlockKeys{
		possessionUnlockKey: bytesOf(t, 16, 0xA1),
		userPassword:        []byte("1234"),
	}
	if withBiometry {
		unlock.biometryUnlockKey = bytesOf(t, 16, 0xA2)
	}

	salt := bytesOf(t, 16, 0xA3)
	const iterations = 10000
	locked, err := lockSignatureKeys(nil, plain, &lockRequest{
		factor:     FactorFirstLock,
		keys:       unlock,
		pbkdf2Salt: salt,
		pbkdf2Iter: iterations,
	})
	if err != nil {
		t.Fatalf("lockSignatureKeys(FactorFirstLock) failed: %v", err)
	}

	devicePrivBytes := exportPrivateKey(devicePriv)
	cDevicePrivateKey, err := aesCBCEncryptPKCS7(vaultKey, zeroIV, devicePrivBytes)
	if err != nil {
		t.Fatalf("failed to wrap device private key under vault key: %v", err)
	}
	recoveryPlain, err := serializeRecoveryData(&RecoveryData{RecoveryCode: "R0-RECOVERY-CODE", PUK: "0123456789"})
	if err != nil {
		t.Fatalf("failed to serialize recovery data: %v", err)
	}
	cRecoveryData, err := aesCBCEncryptPKCS7(vaultKey, zeroIV, recoveryPlain)
	if err != nil {
		t.Fatalf("failed to wrap recovery data: %v", err)
	}

	pd := &persistentData{
		activationID:         "test-activation-id",
		signatureCounterData: make([]byte, 16),
		isV3:                 true,
		passwordIterations:   iterations,
		passwordSalt:         salt,
		sk:                   *locked,
		serverPublicKey:      exportPublicKeyCompressed(&serverPriv.PublicKey),
		devicePublicKey:      exportPublicKeyCompressed(&devicePriv.PublicKey),
		cDevicePrivateKey:    cDevicePrivateKey,
		cRecoveryData:        cRecoveryData,
		flags: persistentFlags{
			usesExternalKey:         false,
			hasSignatureCounterByte: true,
		},
		signatureCounterByte: 0,
	}

	session, err := NewSession(setup)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	session.persistent = pd
	session.state = StateActivated

	return &activatedFixture{
		session:      session,
		setup:        setup,
		unlock:       unlock,
		vaultKey:     vaultKey,
		transportKey: plain.transportKey,
	}
}

func bytesOf(t *testing.T, n int, fill byte) []byte {
	t.Helper()
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
