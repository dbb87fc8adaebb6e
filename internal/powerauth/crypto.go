package powerauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// This file is the crypto primitives facade (spec §4.1): AES-CBC/PKCS7,
// HMAC-SHA256, PBKDF2-SHA1, the ANSI X9.63 ECDH KDF, P-256 key handling,
// ECDSA sign/verify with DER<->JOSE conversion, and the PRNG helpers.
// Nothing above this file touches cipher.Block or elliptic.Curve directly.

const aesBlockSize = 16

var errBadKeyLen = errors.New("key must be 16 bytes")

// aesCBCEncrypt encrypts pt (which must already be block-aligned) under
// AES-CBC with no padding.
func aesCBCEncrypt(key, iv, pt []byte) ([]byte, error) {
	if len(key) != aesBlockSize {
		return nil, errBadKeyLen
	}
	if len(pt)%aesBlockSize != 0 {
		return nil, errors.New("plaintext not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	ct := make([]byte, len(pt))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, pt)
	return ct, nil
}

// aesCBCDecrypt decrypts ct under AES-CBC with no padding.
func aesCBCDecrypt(key, iv, ct []byte) ([]byte, error) {
	if len(key) != aesBlockSize {
		return nil, errBadKeyLen
	}
	if len(ct)%aesBlockSize != 0 || len(ct) == 0 {
		return nil, errors.New("ciphertext not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pt, nil
}

// pkcs7Pad appends PKCS#7 padding to round data up to a multiple of
// blockSize. It always adds at least one byte of padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	add := blockSize - (len(data) % blockSize)
	if add == 0 {
		add = blockSize
	}
	out := make([]byte, len(data)+add)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(add)
	}
	return out
}

// pkcs7Validate checks PKCS#7 padding in constant time with respect to
// the padding's validity (only the final branch on total length is not
// secret-dependent) and returns the pad length, or 0 if invalid. It
// rejects pad==0, pad>blockSize, and any disagreement in the trailing
// padding bytes.
func pkcs7Validate(data []byte, blockSize int) int {
	if len(data) < blockSize || len(data)%blockSize != 0 {
		return 0
	}
	padLen := int(data[len(data)-1])

	// good tracks validity without branching on secret data: compare
	// every byte in the last blockSize window against padLen, but only
	// the last padLen of them are allowed to disagree-free; outside that
	// window a mismatch is irrelevant to validity, so we always touch
	// exactly blockSize bytes regardless of padLen.
	window := data[len(data)-blockSize:]
	var mismatch int
	for i, b := range window {
		pos := blockSize - i // 1-based distance from the end
		// this byte participates in the padding iff pos <= padLen
		isPadByte := subtle.ConstantTimeLessOrEq(pos, padLen)
		diff := subtle.ConstantTimeByteEq(b, byte(padLen))
		mismatch |= isPadByte & (1 - diff)
	}
	rangeOK := subtle.ConstantTimeLessOrEq(1, padLen) & subtle.ConstantTimeLessOrEq(padLen, blockSize)
	valid := rangeOK & (1 - mismatch)
	if valid == 1 {
		return padLen
	}
	return 0
}

func aesCBCEncryptPKCS7(key, iv, pt []byte) ([]byte, error) {
	return aesCBCEncrypt(key, iv, pkcs7Pad(pt, aesBlockSize))
}

func aesCBCDecryptPKCS7(key, iv, ct []byte) ([]byte, error) {
	pt, err := aesCBCDecrypt(key, iv, ct)
	if err != nil {
		return nil, err
	}
	padLen := pkcs7Validate(pt, aesBlockSize)
	if padLen == 0 {
		return nil, errors.New("invalid PKCS7 padding")
	}
	return pt[:len(pt)-padLen], nil
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// hmacSHA256 computes HMAC-SHA256(key, data), truncated to outLen bytes
// starting at byte 0. Truncation from the front is forbidden.
func hmacSHA256(key, data []byte, outLen int) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	sum := h.Sum(nil)
	if outLen <= 0 || outLen > len(sum) {
		outLen = len(sum)
	}
	return sum[:outLen]
}

func pbkdf2HMACSHA1(pass, salt []byte, iters, dkLen int) []byte {
	return pbkdf2.Key(pass, salt, iters, dkLen, sha1.New)
}

// ecdhKDFX963SHA256 is the ANSI X9.63 KDF with SHA-256: repeatedly hash
// secret || BE32(counter) || info, counter starting at 1, concatenating
// digests until outLen bytes are available.
func ecdhKDFX963SHA256(secret, info []byte, outLen int) []byte {
	out := make([]byte, 0, outLen+sha256.Size)
	var counter uint32 = 1
	for len(out) < outLen {
		var be [4]byte
		binary.BigEndian.PutUint32(be[:], counter)
		h := sha256.New()
		h.Write(secret)
		h.Write(be[:])
		h.Write(info)
		out = h.Sum(out)
		counter++
	}
	return out[:outLen]
}

// reduceSharedSecret XORs the two 16-byte halves of a 32-byte ECDH
// shared secret, per spec §4.1.
func reduceSharedSecret(secret []byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, errors.New("shared secret must be 32 bytes")
	}
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = secret[i] ^ secret[i+16]
	}
	return out, nil
}

// randomBytes returns n cryptographically strong random bytes. When
// rejectZero is set, an all-zero result is regenerated, bounded to 16
// attempts.
func randomBytes(n int, rejectZero bool) ([]byte, error) {
	for attempt := 0; attempt < 16; attempt++ {
		buf := make([]byte, n)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, err
		}
		if !rejectZero || !allZero(buf) {
			return buf, nil
		}
	}
	return nil, errors.New("random_bytes: failed to produce non-zero output")
}

// uniqueRandomBytes is randomBytes but additionally rejects any value
// present in rejects.
func uniqueRandomBytes(n int, rejects map[string]struct{}) ([]byte, error) {
	for attempt := 0; attempt < 16; attempt++ {
		buf, err := randomBytes(n, true)
		if err != nil {
			return nil, err
		}
		if _, dup := rejects[string(buf)]; !dup {
			return buf, nil
		}
	}
	return nil, errors.New("unique_random_bytes: failed to produce unique output")
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// --- P-256 key handling -----------------------------------------------

// generateP256KeyPair generates a fresh device/ephemeral EC key pair.
func generateP256KeyPair() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// exportPublicKeyCompressed exports an EC public key in 33-byte
// compressed form.
func exportPublicKeyCompressed(pub *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
}

// exportAffineXStripped returns the affine X coordinate as an unsigned
// big-endian integer with leading zero bytes stripped, matching
// original_source's ECC_ExportPublicKeyToNormalizedForm. Used for
// fingerprint calculation, never for wire transport (which always uses
// the compressed point form above).
func exportAffineXStripped(pub *ecdsa.PublicKey) []byte {
	return pub.X.Bytes()
}

// importPublicKeyCompressed imports a 33-byte compressed EC point,
// rejecting points not on the curve and the point at infinity.
func importPublicKeyCompressed(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != 33 {
		return nil, errors.New("public key must be 33 bytes (compressed)")
	}
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil || y == nil {
		return nil, errors.New("invalid compressed point: not on curve")
	}
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, errors.New("invalid compressed point: point at infinity")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// exportPrivateKey exports the private scalar as an unsigned big-endian
// integer, left-padded to the curve's byte length.
func exportPrivateKey(priv *ecdsa.PrivateKey) []byte {
	out := make([]byte, 32)
	b := priv.D.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// importPrivateKey imports an unsigned big-endian scalar and derives the
// matching public point. ecdsaCompute below additionally validates the
// key can sign.
func importPrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(data)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("invalid private scalar")
	}
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = d
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	if err := ecdsaCompute(priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// ecdsaCompute validates that priv can actually sign, per spec §4.1.
func ecdsaCompute(priv *ecdsa.PrivateKey) error {
	_, err := ecdsa.SignASN1(rand.Reader, priv, sha256Sum([]byte("powerauth-key-check")))
	return err
}

// ecdhSharedSecret performs ECDH of priv x pub, returning the raw
// 32-byte affine X coordinate, big-endian zero-padded.
func ecdhSharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("nil key in ECDH")
	}
	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x.Sign() == 0 {
		return nil, errors.New("ECDH produced identity point")
	}
	out := make([]byte, 32)
	b := x.Bytes()
	copy(out[32-len(b):], b)
	return out, nil
}

func ecdsaSignDER(msg []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256Sum(msg)
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

func ecdsaVerifyDER(msg, sig []byte, pub *ecdsa.PublicKey) bool {
	digest := sha256Sum(msg)
	return ecdsa.VerifyASN1(pub, digest, sig)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// derToJOSE converts a DER/ASN.1 ECDSA signature to JOSE (raw R||S,
// each big-endian zero-padded to 32 bytes).
func derToJOSE(der []byte) ([]byte, error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	rb := sig.R.Bytes()
	sb := sig.S.Bytes()
	if len(rb) > 32 || len(sb) > 32 {
		return nil, errors.New("signature component too large for JOSE")
	}
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):64], sb)
	return out, nil
}

// joseToDER converts a 64-byte JOSE (R||S) signature to DER, stripping
// leading zero padding on encode and preserving sign by prepending 0x00
// when the high bit of the leading byte is set.
func joseToDER(jose []byte) ([]byte, error) {
	if len(jose) != 64 {
		return nil, errors.New("JOSE signature must be 64 bytes")
	}
	r := new(big.Int).SetBytes(jose[:32])
	s := new(big.Int).SetBytes(jose[32:])
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}
