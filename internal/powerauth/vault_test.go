package powerauth

import (
	"encoding/base64"
	"testing"
)

func encryptedVaultKeyB64(t *testing.T, fx *activatedFixture) string {
	t.Helper()
	ct, err := aesCBCEncryptPKCS7(fx.transportKey, zeroIV, fx.vaultKey)
	if err != nil {
		t.Fatalf("failed to wrap vault key under transport key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ct)
}

func TestDecryptVaultKeyRoundTrip(t *testing.T) {
	t.Run("unwrapping a transport-key-encrypted vault key recovers the original", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		got, err := fx.session.DecryptVaultKey(encryptedVaultKeyB64(t, fx), fx.unlock)
		if err != nil {
			t.Fatalf("DecryptVaultKey failed: %v", err)
		}
		if !byteSliceEqual(got, fx.vaultKey) {
			t.Fatal("expected decrypted vault key to match the original")
		}
	})

	t.Run("a malformed payload is rejected", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		if _, err := fx.session.DecryptVaultKey("not-base64!!", fx.unlock); err == nil {
			t.Fatal("expected malformed base64 to fail")
		}
	})
}

func TestChangeUserPasswordThenOldPasswordNoLongerUnlocks(t *testing.T) {
	t.Run("after changing password, the old password no longer recovers the knowledge key and the new one does", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		pd := fx.session.persistent
		knowledgeKeyFor := func(password string) []byte {
			t.Helper()
			plain, err := unlockSignatureKeys(&pd.sk, &lockRequest{
				factor:     FactorPossession | FactorKnowledge,
				keys:       &unlockKeys{possessionUnlockKey: fx.unlock.possessionUnlockKey, userPassword: []byte(password)},
				pbkdf2Salt: pd.passwordSalt,
				pbkdf2Iter: int(pd.passwordIterations),
			})
			if err != nil {
				t.Fatalf("unlockSignatureKeys with %q failed: %v", password, err)
			}
			return plain.knowledgeKey
		}
		original := knowledgeKeyFor("1234")
		if err := fx.session.ChangeUserPassword([]byte("1234"), []byte("56789")); err != nil {
			t.Fatalf("ChangeUserPassword failed: %v", err)
		}

		if byteSliceEqual(knowledgeKeyFor("1234"), original) {
			t.Fatal("expected the old password to no longer unlock the knowledge key")
		}
		if !byteSliceEqual(knowledgeKeyFor("56789"), original) {
			t.Fatal("expected the new password to unlock the original knowledge key")
		}

		newKeys := &unlockKeys{possessionUnlockKey: fx.unlock.possessionUnlockKey, userPassword: []byte("56789")}
		if _, err := fx.session.SignHTTPRequest(&SignRequestParams{
			Method: "POST", URI: "/x", Factor: FactorPossession | FactorKnowledge, Keys: newKeys,
		}); err != nil {
			t.Fatalf("expected the new password to unlock the knowledge key, got: %v", err)
		}
	})
}

func TestBiometryFactorLifecycle(t *testing.T) {
	t.Run("AddBiometryFactor then HasBiometryFactor then RemoveBiometryFactor", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		if has, err := fx.session.HasBiometryFactor(); err != nil || has {
			t.Fatalf("expected no biometry factor yet, has=%v err=%v", has, err)
		}

		biometryUnlockKey := bytesOf(t, 16, 0xB1)
		addKeys := &unlockKeys{possessionUnlockKey: fx.unlock.possessionUnlockKey, biometryUnlockKey: biometryUnlockKey}
		if err := fx.session.AddBiometryFactor(encryptedVaultKeyB64(t, fx), addKeys); err != nil {
			t.Fatalf("AddBiometryFactor failed: %v", err)
		}
		if has, err := fx.session.HasBiometryFactor(); err != nil || !has {
			t.Fatalf("expected biometry factor after AddBiometryFactor, has=%v err=%v", has, err)
		}

		if err := fx.session.RemoveBiometryFactor(); err != nil {
			t.Fatalf("RemoveBiometryFactor failed: %v", err)
		}
		if has, _ := fx.session.HasBiometryFactor(); has {
			t.Fatal("expected biometry factor to be gone after RemoveBiometryFactor")
		}
	})
}

func TestSignDataWithDevicePrivateKeyVerifiesAgainstDevicePublicKey(t *testing.T) {
	t.Run("a device-key signature verifies with the stored device public key", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		data := []byte("sign me")
		sig, err := fx.session.SignDataWithDevicePrivateKey(encryptedVaultKeyB64(t, fx), fx.unlock, data, false)
		if err != nil {
			t.Fatalf("SignDataWithDevicePrivateKey failed: %v", err)
		}
		devicePub, err := importPublicKeyCompressed(fx.session.persistent.devicePublicKey)
		if err != nil {
			t.Fatalf("failed to import device public key: %v", err)
		}
		if !ecdsaVerifyDER(data, sig, devicePub) {
			t.Fatal("expected the device-key signature to verify")
		}
	})
}

func TestGetActivationRecoveryDataDecodesCodeAndPuk(t *testing.T) {
	t.Run("recovery data decodes into its code and PUK", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		rd, err := fx.session.GetActivationRecoveryData(encryptedVaultKeyB64(t, fx), fx.unlock)
		if err != nil {
			t.Fatalf("GetActivationRecoveryData failed: %v", err)
		}
		if rd.RecoveryCode != "R0-RECOVERY-CODE" || rd.PUK != "0123456789" {
			t.Fatalf("unexpected recovery data: %+v", rd)
		}
	})

	t.Run("no recovery data is a WrongState error", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		fx.session.persistent.cRecoveryData = nil
		if _, err := fx.session.GetActivationRecoveryData(encryptedVaultKeyB64(t, fx), fx.unlock); err == nil {
			t.Fatal("expected an error when no recovery data is stored")
		}
	})
}

func TestExternalEncryptionKeyLifecycle(t *testing.T) {
	t.Run("AddExternalEncryptionKey then RemoveExternalEncryptionKey round-trips the knowledge key", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		eek := bytesOf(t, 16, 0xE1)

		if err := fx.session.AddExternalEncryptionKey(eek); err != nil {
			t.Fatalf("AddExternalEncryptionKey failed: %v", err)
		}
		if !fx.session.persistent.flags.usesExternalKey {
			t.Fatal("expected usesExternalKey flag to be set")
		}

		if err := fx.session.RemoveExternalEncryptionKey(); err != nil {
			t.Fatalf("RemoveExternalEncryptionKey failed: %v", err)
		}
		if fx.session.persistent.flags.usesExternalKey {
			t.Fatal("expected usesExternalKey flag to be cleared")
		}

		// The knowledge key must still unlock after the protect/unprotect
		// round trip.
		if _, err := fx.session.SignHTTPRequest(&SignRequestParams{
			Method: "POST", URI: "/x", Factor: FactorPossession | FactorKnowledge, Keys: fx.unlock,
		}); err != nil {
			t.Fatalf("expected the knowledge key to still unlock after EEK round trip, got: %v", err)
		}
	})
}

func TestVerifyServerSignedDataWithMasterKey(t *testing.T) {
	t.Run("a signature made with the master server private key verifies against the master public key", func(t *testing.T) {
		masterPriv, err := generateP256KeyPair()
		if err != nil {
			t.Fatalf("keygen failed: %v", err)
		}
		setup := &SessionSetup{
			ApplicationKey:        make([]byte, 16),
			ApplicationSecret:     make([]byte, 16),
			MasterServerPublicKey: exportPublicKeyCompressed(&masterPriv.PublicKey),
			SessionIdentifier:     1,
		}
		s, err := NewSession(setup)
		if err != nil {
			t.Fatalf("NewSession failed: %v", err)
		}
		data := []byte("server says hi")
		sig, err := ecdsaSignDER(data, masterPriv)
		if err != nil {
			t.Fatalf("signing failed: %v", err)
		}
		ok, err := s.VerifyServerSignedData(data, sig, SigningKeyMasterServer)
		if err != nil {
			t.Fatalf("VerifyServerSignedData failed: %v", err)
		}
		if !ok {
			t.Fatal("expected the signature to verify")
		}
	})
}
