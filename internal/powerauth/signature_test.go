package powerauth

import (
	"strings"
	"testing"
)

func TestSignHTTPRequestAdvancesCounterAndBuildsHeader(t *testing.T) {
	t.Run("a signed request carries the expected header fragments and advances the counter", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		before := append([]byte(nil), fx.session.persistent.signatureCounterData...)

		signed, err := fx.session.SignHTTPRequest(&SignRequestParams{
			Method: "POST",
			URI:    "/pa/signature/validate",
			Body:   []byte(`{"hello":"world"}`),
			Factor: FactorPossession | FactorKnowledge,
			Keys:   fx.unlock,
		})
		if err != nil {
			t.Fatalf("SignHTTPRequest failed: %v", err)
		}
		if !strings.Contains(signed.HeaderValue, `pa_signature_type="possession_knowledge"`) {
			t.Fatalf("expected signature_type fragment, got %q", signed.HeaderValue)
		}
		if !strings.Contains(signed.HeaderValue, `pa_activation_id="test-activation-id"`) {
			t.Fatalf("expected activation id fragment, got %q", signed.HeaderValue)
		}
		if len(signed.Nonce) != 16 {
			t.Fatalf("expected a 16-byte nonce, got %d bytes", len(signed.Nonce))
		}
		if byteSliceEqual(before, fx.session.persistent.signatureCounterData) {
			t.Fatal("expected the hash-chain counter to advance after signing")
		}
	})

	t.Run("a wrong password fails to unlock the knowledge key, so its signature differs", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		pd := fx.session.persistent
		badKeys := &unlockKeys{
			possessionUnlockKey: fx.unlock.possessionUnlockKey,
			userPassword:        []byte("wrong"),
		}
		signWith := func(keys *unlockKeys) string {
			t.Helper()
			plain, err := unlockSignatureKeys(&pd.sk, &lockRequest{
				factor:     FactorPossession | FactorKnowledge,
				keys:       keys,
				pbkdf2Salt: pd.passwordSalt,
				pbkdf2Iter: int(pd.passwordIterations),
			})
			if err != nil {
				t.Fatalf("unlockSignatureKeys failed: %v", err)
			}
			sig, err := calculateSignature(plain, FactorPossession|FactorKnowledge, pd.signatureCounterData, []byte("data"), true, 0)
			if err != nil {
				t.Fatalf("calculateSignature failed: %v", err)
			}
			return sig
		}
		if signWith(badKeys) == signWith(fx.unlock) {
			t.Fatal("expected signing with a wrong password to produce a different signature")
		}
	})
}

func TestSignOfflineDataIsDecimalized(t *testing.T) {
	t.Run("an offline signature is dash-joined decimal digits", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		sig, err := fx.session.SignOfflineData([]byte("payload"), "bm9uY2U=", FactorPossession, fx.unlock, 0)
		if err != nil {
			t.Fatalf("SignOfflineData failed: %v", err)
		}
		for _, part := range strings.Split(sig, "-") {
			if len(part) != 8 {
				t.Fatalf("expected each offline signature part to be 8 digits, got %q", part)
			}
			for _, r := range part {
				if r < '0' || r > '9' {
					t.Fatalf("expected only decimal digits in %q", part)
				}
			}
		}
	})
}

func TestSignOfflineDataHonorsOfflineSignatureLength(t *testing.T) {
	t.Run("a requested length of 4 produces 4-digit parts", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		sig, err := fx.session.SignOfflineData([]byte("payload"), "bm9uY2U=", FactorPossession, fx.unlock, 4)
		if err != nil {
			t.Fatalf("SignOfflineData failed: %v", err)
		}
		for _, part := range strings.Split(sig, "-") {
			if len(part) != 4 {
				t.Fatalf("expected each offline signature part to be 4 digits, got %q", part)
			}
		}
	})

	t.Run("a length outside [4,8] is rejected", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		if _, err := fx.session.SignOfflineData([]byte("payload"), "bm9uY2U=", FactorPossession, fx.unlock, 9); err == nil {
			t.Fatal("expected an out-of-range offlineSignatureLength to be rejected")
		}
	})

	t.Run("offline signing is forbidden while a protocol upgrade is pending", func(t *testing.T) {
		fx := newActivatedTestSession(t, false)
		fx.session.persistent.isV3 = false
		if err := fx.session.StartProtocolUpgrade(); err != nil {
			t.Fatalf("StartProtocolUpgrade failed: %v", err)
		}
		if _, err := fx.session.SignOfflineData([]byte("payload"), "bm9uY2U=", FactorPossession, fx.unlock, 0); err == nil {
			t.Fatal("expected SignOfflineData to fail while an upgrade is pending")
		}
	})
}

func TestCalculateSignatureRejectsEmptyFactor(t *testing.T) {
	t.Run("a zero factor mask is rejected", func(t *testing.T) {
		keys := &signatureKeys{possessionKey: make([]byte, 16)}
		_, err := calculateSignature(keys, 0, make([]byte, 16), []byte("data"), true, 0)
		if err == nil {
			t.Fatal("expected an error for a factor mask with no bits set")
		}
	})
}

func TestHeaderNameFallsBackToPossession(t *testing.T) {
	t.Run("an unrecognized factor combination defaults to possession", func(t *testing.T) {
		if got := SignatureFactor(0).headerName(); got != "possession" {
			t.Fatalf("expected possession fallback, got %q", got)
		}
	})
}
