package powerauth

import "encoding/base64"

// This file implements spec §4.5/§6.1: decryption of the server's
// encrypted activation status blob and the hash-chain counter
// resynchronization decision table.

const (
	statusBlobSize      = 32
	statusBlobTag       = 0xDE
	statusChallengeSize = 16
	statusNonceSize     = 16

	lookAheadDefault = 20
	lookAheadMax     = 64
)

// ActivationState is the server-reported activation lifecycle state
// carried inside the status blob (distinct from the local Session
// State).
type ActivationState uint8

const (
	RemoteStateCreated ActivationState = iota + 1
	RemoteStatePendingCommit
	RemoteStateActive
	RemoteStateBlocked
	RemoteStateRemoved
	RemoteStateDeadlock
)

// CounterSyncResult is the outcome of trySynchronizeCounter (spec §4.5).
type CounterSyncResult int

const (
	CounterOK CounterSyncResult = iota
	CounterUpdated
	CounterCalculateSignature
	CounterInvalid
)

func (r CounterSyncResult) String() string {
	switch r {
	case CounterOK:
		return "ok"
	case CounterUpdated:
		return "updated"
	case CounterCalculateSignature:
		return "calculate_signature"
	case CounterInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ActivationStatus is the decoded, resynchronized server status (spec §4.5).
type ActivationStatus struct {
	State          ActivationState
	CurrentVersion uint8
	UpgradeVersion uint8
	FailCount      uint8
	MaxFailCount   uint8
	LookAheadCount uint8
	ctrByte        uint8
	ctrDataHash    []byte // 16 bytes

	CounterState CounterSyncResult
	Deadlocked   bool
}

// EncryptedActivationStatus is the server's raw, Base64-wrapped status
// payload (spec §6.1).
type EncryptedActivationStatus struct {
	Challenge           string
	EncryptedStatusBlob string
	Nonce               string
}

// deriveIVForStatusBlobDecryption implements
// original_source::DeriveIVForStatusBlobDecryption: derive a base IV key
// from the transport key at index 3000, fold it with HMAC-SHA256 of the
// challenge, then XOR with the nonce.
func deriveIVForStatusBlobDecryption(challenge, nonce, transportKey []byte) ([]byte, error) {
	if len(challenge) != statusChallengeSize || len(nonce) != statusNonceSize {
		return nil, encryption("status blob: challenge/nonce must be 16 bytes")
	}
	keyTransportIV, err := deriveSecretKey(transportKey, 3000)
	if err != nil {
		return nil, err
	}
	keyChallenge, err := deriveSecretKeyFromIndex(keyTransportIV, challenge)
	if err != nil {
		return nil, err
	}
	for i := range keyChallenge {
		keyChallenge[i] ^= nonce[i]
	}
	return keyChallenge, nil
}

// decryptEncryptedStatusBlob decrypts and parses the fixed 32-byte
// status blob layout: tag(1) state(1) currentVersion(1) upgradeVersion(1)
// reserved(1) failCount(1) maxFailCount(1) ctrByte(1) ctrDataHash(16)
// lookAheadCount(1) reserved(7).
func decryptEncryptedStatusBlob(encryptedBlob, challenge, nonce, transportKey []byte) (*ActivationStatus, error) {
	iv, err := deriveIVForStatusBlobDecryption(challenge, nonce, transportKey)
	if err != nil {
		return nil, err
	}
	plain, err := aesCBCDecrypt(transportKey, iv, encryptedBlob)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to decrypt status blob", err)
	}
	if len(plain) != statusBlobSize || plain[0] != statusBlobTag {
		return nil, encryption("status blob: bad tag or size")
	}
	return &ActivationStatus{
		State:          ActivationState(plain[1]),
		CurrentVersion: plain[2],
		UpgradeVersion: plain[3],
		FailCount:      plain[5],
		MaxFailCount:   plain[6],
		ctrByte:        plain[7],
		ctrDataHash:    append([]byte(nil), plain[8:24]...),
		LookAheadCount: plain[24],
	}, nil
}

// calculateHashCounterDistance walks the local hash-chain counter
// forward up to maxIterations steps looking for a match with
// serverCtrHash, returning the number of steps taken or -1 if no match
// was found (original_source CalculateHashCounterDistance, generalized
// to hash with the transport key per spec §4.5's HMAC variant).
func calculateHashCounterDistance(localCtrData, serverCtrHash, transportKey []byte, maxIterations int) (int, []byte) {
	cnt := append([]byte(nil), localCtrData...)
	for i := 0; i <= maxIterations; i++ {
		if byteSliceEqual(cnt, serverCtrHash) {
			return i, cnt
		}
		next, err := advanceCounter(cnt)
		if err != nil {
			return -1, localCtrData
		}
		cnt = next
	}
	return -1, localCtrData
}

func byteSliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// calculateDistanceBetweenByteCounters treats both bytes as samples of a
// mod-256 counter and returns the signed distance in (-128, 127]: positive
// means local is ahead of server, negative means server is ahead
// (original_source CalculateDistanceBetweenByteCounters).
func calculateDistanceBetweenByteCounters(local, server uint8) int {
	d := int(local) - int(server)
	if d > 127 {
		d -= 256
	} else if d < -128 {
		d += 256
	}
	return d
}

// DecodeActivationStatus decrypts the server's status blob, unlocks the
// transport key with the possession factor, and resynchronizes the
// local hash-chain counter against the server's reported state (spec
// §4.5). On success the session's persistent data is updated in place
// when the counter advances; the caller must persist the session
// afterward.
func (s *Session) DecodeActivationStatus(enc *EncryptedActivationStatus, keys *unlockKeys) (*ActivationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	if enc.Challenge == "" || enc.EncryptedStatusBlob == "" || enc.Nonce == "" {
		return nil, wrongParam("challenge, encryptedStatusBlob and nonce are all required")
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
		return nil, wrapErr(WrongParam, "status: possession key required", err)
	}

	challenge, err := base64.StdEncoding.DecodeString(enc.Challenge)
	if err != nil {
		return nil, encryptionW("status: invalid challenge", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, encryptionW("status: invalid nonce", err)
	}
	blob, err := base64.StdEncoding.DecodeString(enc.EncryptedStatusBlob)
	if err != nil {
		return nil, encryptionW("status: invalid encrypted blob", err)
	}

	status, err := decryptEncryptedStatusBlob(blob, challenge, nonce, plain.transportKey)
	if err != nil {
		return nil, err
	}

	status.CounterState = s.trySynchronizeCounter(status, plain.transportKey)
	if status.CounterState == CounterInvalid {
		status.Deadlocked = true
	}
	return status, nil
}

// trySynchronizeCounter implements original_source Session::trySynchronizeCounter.
// Caller must hold s.mu.
func (s *Session) trySynchronizeCounter(status *ActivationStatus, transportKey []byte) CounterSyncResult {
	pd := s.persistent
	lookAhead := int(status.LookAheadCount)
	if lookAhead == 0 {
		lookAhead = lookAheadDefault
	}
	hasCtrByte := pd.flags.hasSignatureCounterByte

	hashDistance, matchedCtr := calculateHashCounterDistance(pd.signatureCounterData, status.ctrDataHash, transportKey, lookAhead)

	if !hasCtrByte {
		if hashDistance == 0 {
			pd.flags.hasSignatureCounterByte = true
			pd.signatureCounterByte = status.ctrByte
			return CounterUpdated
		}
		return CounterOK
	}

	byteDistance := calculateDistanceBetweenByteCounters(pd.signatureCounterByte, status.ctrByte)
	if hashDistance == 0 && byteDistance == 0 {
		return CounterOK
	}
	if byteDistance > 0 && hashDistance == -1 {
		if byteDistance > lookAhead {
			return CounterInvalid
		}
		if byteDistance > lookAhead/2 {
			return CounterCalculateSignature
		}
		return CounterOK
	}
	if -byteDistance == hashDistance {
		pd.signatureCounterData = matchedCtr
		pd.signatureCounterByte = status.ctrByte
		return CounterUpdated
	}
	return CounterInvalid
}
