package powerauth

import "testing"

func TestActivationCodeValidation(t *testing.T) {
	t.Run("a freshly encoded code with a correct checksum validates", func(t *testing.T) {
		payload := make([]byte, 10)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if !ValidateActivationCode(code) {
			t.Fatalf("expected %q to validate", code)
		}
	})

	t.Run("flipping a single character breaks the checksum", func(t *testing.T) {
		payload := make([]byte, 10)
		for i := range payload {
			payload[i] = byte(i * 3)
		}
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		corrupted := []rune(code)
		if corrupted[0] == 'A' {
			corrupted[0] = 'B'
		} else {
			corrupted[0] = 'A'
		}
		if ValidateActivationCode(string(corrupted)) {
			t.Fatal("expected corrupted code to fail validation")
		}
	})

	t.Run("wrong length is rejected outright", func(t *testing.T) {
		if ValidateActivationCode("TOO-SHORT") {
			t.Fatal("expected a too-short code to be rejected")
		}
	})
}

func TestParseActivationCodeSignatureSuffix(t *testing.T) {
	t.Run("a code without a signature suffix parses with an empty signature", func(t *testing.T) {
		payload := make([]byte, 10)
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		parsed, err := ParseActivationCode(code)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if parsed.HasSignature() {
			t.Fatal("expected no signature to be present")
		}
	})

	t.Run("an invalid Base64 signature suffix is rejected", func(t *testing.T) {
		payload := make([]byte, 10)
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if _, err := ParseActivationCode(code + "#not-valid-base64!!"); err == nil {
			t.Fatal("expected an error for an invalid signature suffix")
		}
	})
}

func TestRecoveryCodePrefix(t *testing.T) {
	t.Run("the R: prefix is accepted and stripped before validation", func(t *testing.T) {
		payload := make([]byte, 10)
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		parsed, err := ParseRecoveryCode("R:" + code)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if parsed.ActivationCode != code {
			t.Fatalf("got %q want %q", parsed.ActivationCode, code)
		}
	})

	t.Run("a recovery code never carries a signature suffix", func(t *testing.T) {
		payload := make([]byte, 10)
		code, err := encodeBase32WithCRC16(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if _, err := ParseRecoveryCode("R:" + code + "#AAAA"); err == nil {
			t.Fatal("expected an error for a recovery code with a signature suffix")
		}
	})
}

func TestRecoveryPukValidation(t *testing.T) {
	t.Run("a 10-digit PUK validates", func(t *testing.T) {
		if !ValidateRecoveryPuk("0123456789") {
			t.Fatal("expected a 10-digit PUK to validate")
		}
	})
	t.Run("a PUK with a non-digit character is rejected", func(t *testing.T) {
		if ValidateRecoveryPuk("012345678A") {
			t.Fatal("expected a PUK with a letter to be rejected")
		}
	})
	t.Run("a PUK of the wrong length is rejected", func(t *testing.T) {
		if ValidateRecoveryPuk("123") {
			t.Fatal("expected a short PUK to be rejected")
		}
	})
}

func TestCorrectCharacter(t *testing.T) {
	cases := []struct {
		in     rune
		want   rune
		wantOK bool
	}{
		{'a', 'A', true},
		{'z', 'Z', true},
		{'0', 'O', true},
		{'1', 'I', true},
		{'K', 'K', true},
		{'8', 0, false},
		{'!', 0, false},
	}
	for _, c := range cases {
		got, ok := CorrectCharacter(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("CorrectCharacter(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}
