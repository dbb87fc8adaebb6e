package powerauth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
)

// SessionSetup is the immutable per-session configuration (spec §3.1).
type SessionSetup struct {
	ApplicationKey        []byte // 16 bytes
	ApplicationSecret     []byte // 16 bytes
	MasterServerPublicKey []byte // 33-byte compressed P-256 point
	SessionIdentifier     uint32
	ExternalEncryptionKey []byte // optional, 16 bytes
}

// Validate checks the structural invariants a SessionSetup must satisfy
// before a Session can leave the Invalid state.
func (s *SessionSetup) Validate() error {
	if len(s.ApplicationKey) != 16 {
		return errors.New("applicationKey must be 16 bytes")
	}
	if len(s.ApplicationSecret) != 16 {
		return errors.New("applicationSecret must be 16 bytes")
	}
	if _, err := importPublicKeyCompressed(s.MasterServerPublicKey); err != nil {
		return errors.New("masterServerPublicKey: " + err.Error())
	}
	if s.ExternalEncryptionKey != nil && len(s.ExternalEncryptionKey) != 16 {
		return errors.New("externalEncryptionKey must be 16 bytes when present")
	}
	return nil
}

func (s *SessionSetup) masterServerPublicKeyParsed() (*ecdsa.PublicKey, error) {
	return importPublicKeyCompressed(s.MasterServerPublicKey)
}

const (
	configVersionByte              = 0x01
	configKeyMasterServerPublicKey = 0x01
)

// PackSessionSetup encodes a SessionSetup into the single Base64 textual
// configuration string described in spec §3.1: version byte, then
// length-prefixed applicationKey, length-prefixed applicationSecret,
// then a variable-length list of named keys (id 0x01 = P-256 master
// server public key). Unknown ids are never produced by this encoder,
// but ParseSessionSetup must skip them on read.
func PackSessionSetup(s *SessionSetup) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte(configVersionByte)
	if err := writeLenPrefixed(&buf, s.ApplicationKey); err != nil {
		return "", err
	}
	if err := writeLenPrefixed(&buf, s.ApplicationSecret); err != nil {
		return "", err
	}
	// one named key: the master server public key
	buf.WriteByte(configKeyMasterServerPublicKey)
	if err := writeLenPrefixed(&buf, s.MasterServerPublicKey); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ParseSessionSetup decodes the textual configuration produced by
// PackSessionSetup. Unknown key-ids are skipped; absence of the master
// server public key (id 0x01) is an error.
func ParseSessionSetup(applicationKey, applicationSecret []byte, sessionIdentifier uint32, packedConfig string) (*SessionSetup, error) {
	raw, err := base64.StdEncoding.DecodeString(packedConfig)
	if err != nil {
		// Base64_Decode failure in a security-sensitive path is treated
		// as tamper detection (spec §9 design note).
		return nil, errors.New("invalid Base64 in packed config")
	}
	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil || version != configVersionByte {
		return nil, errors.New("unsupported config version")
	}
	appKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	appSecret, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	var masterKey []byte
	for {
		id, err := r.ReadByte()
		if err != nil {
			break // EOF: end of the named-key list
		}
		val, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		if id == configKeyMasterServerPublicKey {
			masterKey = val
		}
		// unknown ids are skipped by construction (we already consumed
		// their length-prefixed value above)
	}
	if masterKey == nil {
		return nil, errors.New("packed config missing master server public key")
	}
	_ = appKey
	_ = appSecret
	s := &SessionSetup{
		ApplicationKey:        applicationKey,
		ApplicationSecret:     applicationSecret,
		MasterServerPublicKey: masterKey,
		SessionIdentifier:     sessionIdentifier,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) error {
	if len(data) > 0xFFFF {
		return errors.New("field too large")
	}
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(data)))
	buf.Write(lenBytes[:])
	buf.Write(data)
	return nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, errors.New("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(lenBytes[:]))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.New("truncated field")
	}
	return out, nil
}
