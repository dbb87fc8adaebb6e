package powerauth

import (
	"crypto/ecdsa"
	"encoding/binary"
	"time"
)

// This file implements spec §4.7/§6.4: the ECIES encryptor/decryptor
// used to wrap end-to-end encrypted request/response payloads, and the
// Session factory that derives the right shared-info for each scope.

// EciesScope selects which long-term public key and shared-info a
// request/response envelope is bound to (spec §4.7).
type EciesScope int

const (
	EciesApplicationScope EciesScope = iota
	EciesActivationScope
)

// EciesEnvelope is a single-use ECIES-encrypted payload (spec §6.4):
// ephemeralPublicKey || encryptedData || mac || nonce || timestamp,
// each Base64-encoded (except timestamp) at the transport boundary.
// Nonce and timestamp are both bound into the MAC (spec §4.7) and must
// travel with the envelope for the recipient to reproduce it.
type EciesEnvelope struct {
	EphemeralPublicKey []byte // 33-byte compressed point
	EncryptedData      []byte
	MAC                []byte // 32 bytes
	Nonce              []byte // 16 bytes, fresh per message
	Timestamp          int64  // unix milliseconds
}

// EciesEncryptor derives a fresh ephemeral key pair for every Encrypt
// call, so each envelope is single-use (spec §4.7) while the encryptor
// itself may be reused. A response-side encryptor built by
// EciesDecryptor.ResponseEncryptor instead reuses the request's derived
// key material and is itself single-use.
type EciesEncryptor struct {
	recipientPublicKey *ecdsa.PublicKey
	sharedInfo1        []byte
	sharedInfo2        []byte

	// presetEncKey/presetMacKey/presetIVKey and presetEphemeralKey, when
	// non-nil, are reused instead of performing a fresh ECDH + KDF; set
	// only by ResponseEncryptor.
	presetEncKey, presetMacKey, presetIVKey []byte
	presetEphemeralKey                      []byte
	used                                    bool
}

// eciesKDF derives the 48-byte key material from an ECDH shared secret
// via the ANSI X9.63 KDF keyed with info, splitting it into a 16-byte
// AES key, a 16-byte HMAC key, and a 16-byte IV-derivation key (spec
// §4.7).
func eciesKDF(sharedSecret, info []byte) (encKey, macKey, ivKey []byte) {
	derived := ecdhKDFX963SHA256(sharedSecret, info, 48)
	return derived[:16], derived[16:32], derived[32:48]
}

// eciesKDFInfo builds the X9.63 KDF info parameter: "3.1" ||
// sharedInfo1 || compressed(ephemeralPublicKey) (spec §4.7).
func eciesKDFInfo(sharedInfo1 []byte, ephemeralPublicKey *ecdsa.PublicKey) []byte {
	info := make([]byte, 0, len(protocolVersion)+len(sharedInfo1)+33)
	info = append(info, []byte(protocolVersion)...)
	info = append(info, sharedInfo1...)
	info = append(info, exportPublicKeyCompressed(ephemeralPublicKey)...)
	return info
}

// eciesDeriveIV implements KDF_INTERNAL(ivKey, nonce) =
// XOR_halves(HMAC_SHA256(ivKey, nonce)) (spec §4.7); reduceSharedSecret
// already implements XOR_halves over a 32-byte input.
func eciesDeriveIV(ivKey, nonce []byte) ([]byte, error) {
	return reduceSharedSecret(hmacSHA256(ivKey, nonce, 32))
}

// eciesMACInput builds the MAC's keyed input: body || sharedInfo2 ||
// nonce || BE64(timestamp) || ephemeralKey || associatedData (spec
// §4.7's sharedInfo2').
func eciesMACInput(body, sharedInfo2, nonce []byte, timestamp int64, ephemeralKey, associatedData []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	out := make([]byte, 0, len(body)+len(sharedInfo2)+len(nonce)+8+len(ephemeralKey)+len(associatedData))
	out = append(out, body...)
	out = append(out, sharedInfo2...)
	out = append(out, nonce...)
	out = append(out, ts[:]...)
	out = append(out, ephemeralKey...)
	out = append(out, associatedData...)
	return out
}

// Encrypt produces a fresh single-use envelope over plaintext, binding
// associatedData (may be nil) into the MAC. Each call to a
// request-side encryptor generates a new ephemeral EC key pair; the
// encryptor itself may be reused for further Encrypt calls. A
// response-side encryptor (from ResponseEncryptor) reuses its cached
// key material and refuses a second call.
func (e *EciesEncryptor) Encrypt(plaintext, associatedData []byte) (*EciesEnvelope, error) {
	var encKey, macKey, ivKey, ephemeralKeyCompressed []byte
	if e.presetEncKey != nil {
		if e.used {
			return nil, wrongState("ECIES response encryptor is single-use")
		}
		e.used = true
		encKey, macKey, ivKey = e.presetEncKey, e.presetMacKey, e.presetIVKey
		ephemeralKeyCompressed = e.presetEphemeralKey
	} else {
		ephemeral, err := generateP256KeyPair()
		if err != nil {
			return nil, wrapErr(Encryption, "failed to generate ephemeral ECIES key", err)
		}
		shared, err := ecdhSharedSecret(ephemeral, e.recipientPublicKey)
		if err != nil {
			return nil, wrapErr(Encryption, "ECIES ECDH failed", err)
		}
		ephemeralKeyCompressed = exportPublicKeyCompressed(&ephemeral.PublicKey)
		encKey, macKey, ivKey = eciesKDF(shared, eciesKDFInfo(e.sharedInfo1, &ephemeral.PublicKey))
	}

	nonce, err := randomBytes(16, false)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to generate ECIES nonce", err)
	}
	iv, err := eciesDeriveIV(ivKey, nonce)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to derive ECIES IV", err)
	}
	ct, err := aesCBCEncryptPKCS7(encKey, iv, plaintext)
	if err != nil {
		return nil, wrapErr(Encryption, "ECIES payload encryption failed", err)
	}
	timestamp := time.Now().UnixMilli()
	mac := hmacSHA256(macKey, eciesMACInput(ct, e.sharedInfo2, nonce, timestamp, ephemeralKeyCompressed, associatedData), 32)
	return &EciesEnvelope{
		EphemeralPublicKey: ephemeralKeyCompressed,
		EncryptedData:      ct,
		MAC:                mac,
		Nonce:              nonce,
		Timestamp:          timestamp,
	}, nil
}

// EciesDecryptor decrypts envelopes addressed to a known private key
// (used on the conformance-test harness's "server" side, and by a
// device importing its own historical request for diagnostics). Each
// decryptor instance accepts exactly one envelope; a second call fails
// (spec §4.7 single-use invariant). After a successful Decrypt, the
// derived key material is cached so ResponseEncryptor can encrypt
// exactly one reply under it, per spec §4.7's responder-side caching
// rule.
type EciesDecryptor struct {
	recipientPrivateKey *ecdsa.PrivateKey
	sharedInfo1         []byte
	sharedInfo2         []byte
	consumed            bool

	cachedEncKey, cachedMacKey, cachedIVKey []byte
	cachedEphemeralKey                      []byte
	responseEncryptorIssued                 bool
}

func (d *EciesDecryptor) Decrypt(env *EciesEnvelope, associatedData []byte) ([]byte, error) {
	if d.consumed {
		return nil, wrongState("ECIES envelope already decrypted; decryptor is single-use")
	}
	if len(env.Nonce) != 16 {
		return nil, wrongParam("ECIES envelope nonce must be 16 bytes")
	}
	ephemeralPub, err := importPublicKeyCompressed(env.EphemeralPublicKey)
	if err != nil {
		return nil, wrapErr(Encryption, "invalid ephemeral public key", err)
	}
	shared, err := ecdhSharedSecret(d.recipientPrivateKey, ephemeralPub)
	if err != nil {
		return nil, wrapErr(Encryption, "ECIES ECDH failed", err)
	}
	encKey, macKey, ivKey := eciesKDF(shared, eciesKDFInfo(d.sharedInfo1, ephemeralPub))
	expectedMAC := hmacSHA256(macKey, eciesMACInput(env.EncryptedData, d.sharedInfo2, env.Nonce, env.Timestamp, env.EphemeralPublicKey, associatedData), 32)
	if !byteSliceEqual(expectedMAC, env.MAC) {
		return nil, encryption("ECIES MAC verification failed")
	}
	iv, err := eciesDeriveIV(ivKey, env.Nonce)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to derive ECIES IV", err)
	}
	pt, err := aesCBCDecryptPKCS7(encKey, iv, env.EncryptedData)
	if err != nil {
		return nil, wrapErr(Encryption, "ECIES payload decryption failed", err)
	}
	d.consumed = true
	d.cachedEncKey, d.cachedMacKey, d.cachedIVKey = encKey, macKey, ivKey
	d.cachedEphemeralKey = env.EphemeralPublicKey
	return pt, nil
}

// ResponseEncryptor returns an EciesEncryptor that reuses this
// decryptor's derived key material to encrypt exactly one response,
// implementing spec §4.7's "the envelope key derived from the incoming
// request is cached and used to encrypt exactly one response" rule. It
// must be called after a successful Decrypt, and at most once.
func (d *EciesDecryptor) ResponseEncryptor() (*EciesEncryptor, error) {
	if !d.consumed {
		return nil, wrongState("ResponseEncryptor requires a prior successful Decrypt")
	}
	if d.responseEncryptorIssued {
		return nil, wrongState("the cached ECIES response key has already been used")
	}
	d.responseEncryptorIssued = true
	return &EciesEncryptor{
		sharedInfo2:        d.sharedInfo2,
		presetEncKey:       d.cachedEncKey,
		presetMacKey:       d.cachedMacKey,
		presetIVKey:        d.cachedIVKey,
		presetEphemeralKey: d.cachedEphemeralKey,
	}, nil
}

// GetEciesEncryptor builds an encryptor for the requested scope (spec
// §4.7, original_source getEciesEncryptor). Application scope uses the
// master server public key and SHA256(applicationSecret) as shared-info
// 2; activation scope uses the personalized server public key and
// HMAC-SHA256(key: transportKey, data: applicationSecret).
func (s *Session) GetEciesEncryptor(scope EciesScope, keys *unlockKeys, sharedInfo1 []byte) (*EciesEncryptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInvalid {
		return nil, wrongState("session has no valid setup")
	}
	switch scope {
	case EciesApplicationScope:
		pub, err := s.setup.masterServerPublicKeyParsed()
		if err != nil {
			return nil, wrapErr(Encryption, "invalid master server public key", err)
		}
		return &EciesEncryptor{
			recipientPublicKey: pub,
			sharedInfo1:        sharedInfo1,
			sharedInfo2:        sha256Sum(s.setup.ApplicationSecret),
		}, nil
	case EciesActivationScope:
		if err := s.requireState(StateActivated); err != nil {
			return nil, err
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
			return nil, wrapErr(Encryption, "ECIES: possession key is required", err)
		}
		pub, err := importPublicKeyCompressed(pd.serverPublicKey)
		if err != nil {
			return nil, wrapErr(Encryption, "stored server public key is invalid", err)
		}
		return &EciesEncryptor{
			recipientPublicKey: pub,
			sharedInfo1:        sharedInfo1,
			sharedInfo2:        hmacSHA256(plain.transportKey, s.setup.ApplicationSecret, 32),
		}, nil
	default:
		return nil, wrongParam("unsupported ECIES scope")
	}
}
