package powerauth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// lockedSignatureKeys is the at-rest (encrypted) representation of the
// four factor keys (spec §3.3). biometryKey is nil/empty when the
// biometry factor is disabled.
type lockedSignatureKeys struct {
	possessionKey   []byte
	knowledgeKey    []byte
	biometryKey     []byte
	transportKey    []byte
	usesExternalKey bool
}

func (k *lockedSignatureKeys) validateForFactor(factor SignatureFactor) error {
	if factor&FactorPossession != 0 && len(k.possessionKey) != 16 {
		return wrongParam("no possession key stored")
	}
	if factor&FactorTransport != 0 && len(k.transportKey) != 16 {
		return wrongParam("no transport key stored")
	}
	if factor&FactorKnowledge != 0 && len(k.knowledgeKey) != 16 {
		return wrongParam("no knowledge key stored")
	}
	if factor&FactorBiometry != 0 && len(k.biometryKey) != 16 {
		return wrongParam("no biometry key stored (biometry factor disabled)")
	}
	return nil
}

// persistentFlags is the 32-bit flags word (spec §3.4).
type persistentFlags struct {
	waitingForVaultUnlock   bool // carried for forward-compat; never read (spec §9)
	usesExternalKey         bool
	pendingUpgradeVersion   uint8
	hasSignatureCounterByte bool
}

func (f persistentFlags) encode() uint32 {
	var v uint32
	if f.waitingForVaultUnlock {
		v |= 1 << 0
	}
	if f.usesExternalKey {
		v |= 1 << 1
	}
	v |= uint32(f.pendingUpgradeVersion) << 2
	if f.hasSignatureCounterByte {
		v |= 1 << 10
	}
	return v
}

func decodeFlags(v uint32) persistentFlags {
	return persistentFlags{
		waitingForVaultUnlock:   v&(1<<0) != 0,
		usesExternalKey:         v&(1<<1) != 0,
		pendingUpgradeVersion:   uint8((v >> 2) & 0xFF),
		hasSignatureCounterByte: v&(1<<10) != 0,
	}
}

// persistentData is the fully serialized on-disk activation state
// (spec §3.4).
type persistentData struct {
	activationID         string
	signatureCounterData []byte // 16 bytes, V3/V3.1
	signatureCounter     uint64 // legacy V2 counter
	isV3                 bool
	signatureCounterByte uint8
	passwordIterations   uint32
	passwordSalt         []byte // 16 bytes
	sk                   lockedSignatureKeys
	serverPublicKey      []byte // 33 bytes
	devicePublicKey      []byte // 33 bytes
	cDevicePrivateKey    []byte // AES-encrypted device private key
	cRecoveryData        []byte // AES-encrypted recovery pair, or empty
	flags                persistentFlags
}

// validate enforces spec §3.4's invariants.
func (pd *persistentData) validate() error {
	if pd.isV3 && len(pd.signatureCounterData) != 16 {
		return errors.New("signatureCounterData must be 16 bytes in V3")
	}
	if len(pd.passwordSalt) != 16 {
		return errors.New("passwordSalt must be 16 bytes")
	}
	if pd.passwordIterations < 10000 {
		return errors.New("passwordIterations must be >= 10000")
	}
	hasBiometry := len(pd.sk.biometryKey) > 0
	if hasBiometry && len(pd.sk.biometryKey) != 16 {
		return errors.New("biometryKey must be 16 bytes when present")
	}
	if len(pd.sk.possessionKey) != 16 || len(pd.sk.knowledgeKey) != 16 || len(pd.sk.transportKey) != 16 {
		return errors.New("signature key ciphertexts must be 16 bytes")
	}
	if len(pd.serverPublicKey) != 33 || len(pd.devicePublicKey) != 33 {
		return errors.New("public keys must be 33 bytes (compressed)")
	}
	return nil
}

const (
	pdTag       = 'P'
	pdVersionV2 = '3' // legacy 64-bit counter
	pdVersionV3 = '4' // + protocol V3 hash-chain counter
	pdVersionV4 = '5' // + recovery codes
	pdVersionV5 = '6' // + signature counter byte (V3.1)
)

// --- varint count encoding (spec §3.4) ---------------------------------

func writeCount(buf *bytes.Buffer, n int) error {
	switch {
	case n <= 0x7F:
		buf.WriteByte(byte(n))
	case n <= 0x3FFF:
		buf.WriteByte(byte((n>>8)&0x3F) | 0x80)
		buf.WriteByte(byte(n & 0xFF))
	case n <= 0x3FFFFFFF:
		buf.WriteByte(byte((n>>24)&0x3F) | 0xC0)
		buf.WriteByte(byte((n >> 16) & 0xFF))
		buf.WriteByte(byte((n >> 8) & 0xFF))
		buf.WriteByte(byte(n & 0xFF))
	default:
		return errors.New("count too large")
	}
	return nil
}

func readCount(r *bytes.Reader) (int, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b0 >> 6 {
	case 0, 1: // top bit 0 -> single byte, 0..0x7F
		return int(b0 & 0x7F), nil
	case 2: // top bits 10 -> two bytes
		b1, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int(b0&0x3F)<<8 | int(b1), nil
	default: // top bits 11 -> four bytes
		rest := make([]byte, 3)
		if _, err := readFullBytes(r, rest); err != nil {
			return 0, err
		}
		return int(b0&0x3F)<<24 | int(rest[0])<<16 | int(rest[1])<<8 | int(rest[2]), nil
	}
}

func readFullBytes(r *bytes.Reader, out []byte) (int, error) {
	return io.ReadFull(r, out)
}

func writeData(buf *bytes.Buffer, data []byte) error {
	if err := writeCount(buf, len(data)); err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func readData(r *bytes.Reader, expectLen int) ([]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if expectLen >= 0 && n != expectLen {
		return nil, errors.New("field has unexpected length")
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := readFullBytes(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeData(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readData(r, -1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFullBytes(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFullBytes(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// serializePersistentData implements spec §3.4/§6.1: a TLV-like record
// with magic tag 'P' and a version byte chosen from the highest feature
// the data actually uses.
func serializePersistentData(pd *persistentData) ([]byte, error) {
	if err := pd.validate(); err != nil {
		return nil, wrapErr(WrongParam, "invalid persistent data", err)
	}
	var version byte
	switch {
	case !pd.isV3:
		version = pdVersionV2
	case pd.flags.hasSignatureCounterByte:
		version = pdVersionV5
	default:
		version = pdVersionV4
	}

	var buf bytes.Buffer
	buf.WriteByte(pdTag)
	buf.WriteByte(version)

	if pd.isV3 {
		if err := writeData(&buf, pd.signatureCounterData); err != nil {
			return nil, err
		}
	} else {
		writeU64(&buf, pd.signatureCounter)
	}
	if err := writeString(&buf, pd.activationID); err != nil {
		return nil, err
	}
	writeU32(&buf, pd.passwordIterations)
	if err := writeData(&buf, pd.passwordSalt); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.sk.possessionKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.sk.knowledgeKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.sk.biometryKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.sk.transportKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.serverPublicKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.devicePublicKey); err != nil {
		return nil, err
	}
	if err := writeData(&buf, pd.cDevicePrivateKey); err != nil {
		return nil, err
	}
	writeU32(&buf, pd.flags.encode())
	if version >= pdVersionV4 {
		if err := writeData(&buf, pd.cRecoveryData); err != nil {
			return nil, err
		}
	}
	if version == pdVersionV5 {
		buf.WriteByte(pd.signatureCounterByte)
	}
	return buf.Bytes(), nil
}

// deserializePersistentData accepts any version >= V2 and populates
// absent fields with defaults, per spec §3.4's forward-compat rule.
func deserializePersistentData(raw []byte) (*persistentData, error) {
	r := bytes.NewReader(raw)
	tag, err := r.ReadByte()
	if err != nil || tag != pdTag {
		return nil, encryption("persistent data: bad magic tag")
	}
	version, err := r.ReadByte()
	if err != nil || version < pdVersionV2 || version > pdVersionV5 {
		return nil, encryption("persistent data: unsupported version")
	}
	pd := &persistentData{}
	pd.isV3 = version >= pdVersionV3
	if pd.isV3 {
		pd.signatureCounterData, err = readData(r, 16)
	} else {
		pd.signatureCounter, err = readU64(r)
	}
	if err != nil {
		return nil, encryptionW("persistent data: counter", err)
	}
	if pd.activationID, err = readString(r); err != nil {
		return nil, encryptionW("persistent data: activationId", err)
	}
	if pd.passwordIterations, err = readU32(r); err != nil {
		return nil, encryptionW("persistent data: passwordIterations", err)
	}
	if pd.passwordSalt, err = readData(r, 16); err != nil {
		return nil, encryptionW("persistent data: passwordSalt", err)
	}
	if pd.sk.possessionKey, err = readData(r, 16); err != nil {
		return nil, encryptionW("persistent data: possessionKey", err)
	}
	if pd.sk.knowledgeKey, err = readData(r, 16); err != nil {
		return nil, encryptionW("persistent data: knowledgeKey", err)
	}
	if pd.sk.biometryKey, err = readData(r, -1); err != nil {
		return nil, encryptionW("persistent data: biometryKey", err)
	}
	if pd.sk.transportKey, err = readData(r, 16); err != nil {
		return nil, encryptionW("persistent data: transportKey", err)
	}
	if pd.serverPublicKey, err = readData(r, 33); err != nil {
		return nil, encryptionW("persistent data: serverPublicKey", err)
	}
	if pd.devicePublicKey, err = readData(r, 33); err != nil {
		return nil, encryptionW("persistent data: devicePublicKey", err)
	}
	if pd.cDevicePrivateKey, err = readData(r, -1); err != nil {
		return nil, encryptionW("persistent data: cDevicePrivateKey", err)
	}
	flagsRaw, err := readU32(r)
	if err != nil {
		return nil, encryptionW("persistent data: flags", err)
	}
	pd.flags = decodeFlags(flagsRaw)
	pd.sk.usesExternalKey = pd.flags.usesExternalKey

	if version >= pdVersionV4 {
		if pd.cRecoveryData, err = readData(r, -1); err != nil {
			return nil, encryptionW("persistent data: cRecoveryData", err)
		}
	} else {
		pd.cRecoveryData = nil
	}

	if version >= pdVersionV5 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, encryptionW("persistent data: signatureCounterByte", err)
		}
		pd.signatureCounterByte = b
		pd.flags.hasSignatureCounterByte = true
	} else {
		pd.flags.hasSignatureCounterByte = false
		pd.signatureCounterByte = 0
	}

	if err := pd.validate(); err != nil {
		return nil, wrapErr(Encryption, "persistent data failed validation", err)
	}
	return pd, nil
}

const (
	rdTag       = 'R'
	rdVersionV1 = '1'
)

// serializeRecoveryData implements spec §4.3 step 3/§C's recovery TLV,
// matching original_source's PrivateTypes.cpp SerializeRecoveryData:
// tag 'R', version '1', length-prefixed recoveryCode, length-prefixed
// puk.
func serializeRecoveryData(rd *RecoveryData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(rdTag)
	buf.WriteByte(rdVersionV1)
	if err := writeString(&buf, rd.RecoveryCode); err != nil {
		return nil, err
	}
	if err := writeString(&buf, rd.PUK); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeRecoveryData is the inverse of serializeRecoveryData,
// matching original_source's DeserializeRecoveryData.
func deserializeRecoveryData(raw []byte) (*RecoveryData, error) {
	r := bytes.NewReader(raw)
	tag, err := r.ReadByte()
	if err != nil || tag != rdTag {
		return nil, encryption("recovery data: bad magic tag")
	}
	version, err := r.ReadByte()
	if err != nil || version != rdVersionV1 {
		return nil, encryption("recovery data: unsupported version")
	}
	code, err := readString(r)
	if err != nil {
		return nil, encryptionW("recovery data: recoveryCode", err)
	}
	puk, err := readString(r)
	if err != nil {
		return nil, encryptionW("recovery data: puk", err)
	}
	return &RecoveryData{RecoveryCode: code, PUK: puk}, nil
}

// emptyPersistentRecord is the 5-byte sentinel representing "no
// activation" on disk (spec §3.4, §6.1).
func emptyPersistentRecord() []byte {
	return []byte{'P', 'A', 0, 0, 'M'}
}

func isEmptyPersistentRecord(raw []byte) bool {
	return bytes.Equal(raw, emptyPersistentRecord())
}

// --- §6.1 outer envelope: 'P' 'A' <flags> <blob> -----------------------

const (
	envelopeFlagHasActivation = 0x02
)

// serializeSessionState is the on-disk envelope format (spec §6.1):
// 'P' 'A' <flags:u8> <PersistentDataBlob>.
func serializeSessionState(pd *persistentData) ([]byte, error) {
	if pd == nil {
		return emptyPersistentRecord(), nil
	}
	inner, err := serializePersistentData(pd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(inner)+3)
	out = append(out, 'P', 'A', envelopeFlagHasActivation)
	out = append(out, inner...)
	return out, nil
}

func deserializeSessionState(raw []byte) (*persistentData, error) {
	if isEmptyPersistentRecord(raw) {
		return nil, nil
	}
	if len(raw) < 3 || raw[0] != 'P' || raw[1] != 'A' {
		return nil, encryption("session state: bad envelope magic")
	}
	flags := raw[2]
	if flags&envelopeFlagHasActivation == 0 {
		return nil, nil
	}
	return deserializePersistentData(raw[3:])
}
