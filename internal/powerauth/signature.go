package powerauth

import (
	"encoding/base64"
	"strings"
)

// This file implements spec §4.4/§6.2: request data normalization,
// online/offline signature calculation, hash-chain counter advance, and
// the X-PowerAuth-Authorization header.

const protocolVersion = "3.1"

// headerName names the factor combination as it appears in the
// X-PowerAuth-Authorization header (spec §6.2).
func (f SignatureFactor) headerName() string {
	switch f {
	case FactorPossession:
		return "possession"
	case FactorPossession | FactorKnowledge:
		return "possession_knowledge"
	case FactorPossession | FactorBiometry:
		return "possession_biometry"
	case FactorPossession | FactorKnowledge | FactorBiometry:
		return "possession_knowledge_biometry"
	default:
		return "possession"
	}
}

// normalizeDataForSignature builds method&uri_b64&nonce_b64&body_b64&appSecret_or_empty,
// matching original_source NormalizeDataForSignature. For the HTTP
// request-signing case appSecret is included; offline signatures omit it
// by passing "".
func normalizeDataForSignature(method, uri, nonceB64 string, body []byte, appSecret string) []byte {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('&')
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(uri)))
	b.WriteByte('&')
	b.WriteString(nonceB64)
	b.WriteByte('&')
	b.WriteString(base64.StdEncoding.EncodeToString(body))
	b.WriteByte('&')
	b.WriteString(appSecret)
	return []byte(b.String())
}

// calculateSignature reproduces original_source::CalculateSignature: for
// each requested factor key i (in possession, knowledge, biometry order),
// derive an HMAC-SHA256(ctrData, key), then for each j < i fold in
// HMAC-SHA256(ctrData, key j+1) via a further HMAC-SHA256, then HMAC the
// chained key over data. Online signatures concatenate the last 16 bytes of each
// factor's result and Base64-encode the whole; offline signatures
// decimalize each factor's result and dash-join them.
func calculateSignature(keys *signatureKeys, factor SignatureFactor, ctrData, data []byte, online bool, offlineSignatureLength int) (string, error) {
	var factorKeys [][]byte
	if factor&FactorPossession != 0 {
		factorKeys = append(factorKeys, keys.possessionKey)
	}
	if factor&FactorKnowledge != 0 {
		factorKeys = append(factorKeys, keys.knowledgeKey)
	}
	if factor&FactorBiometry != 0 {
		factorKeys = append(factorKeys, keys.biometryKey)
	}
	if len(factorKeys) == 0 {
		return "", wrongParam("at least one signature factor must be requested")
	}

	var onlineBytes []byte
	var offlineParts []string
	for i, key := range factorKeys {
		derived := hmacSHA256(key, ctrData, 32)
		for j := 0; j < i; j++ {
			innerDerived := hmacSHA256(factorKeys[j+1], ctrData, 32)
			derived = hmacSHA256(innerDerived, derived, 32)
		}
		factorSig := hmacSHA256(derived, data, 32)
		if online {
			onlineBytes = append(onlineBytes, factorSig[16:]...)
		} else {
			dec, err := decimalizeSignatureLength(factorSig, offlineSignatureLength)
			if err != nil {
				return "", err
			}
			offlineParts = append(offlineParts, dec)
		}
	}
	if online {
		return base64.StdEncoding.EncodeToString(onlineBytes), nil
	}
	return strings.Join(offlineParts, "-"), nil
}

// advanceCounter moves the hash-chain counter forward by one step
// (original_source CalculateNextCounterValue): ctrData' = ReduceSharedSecret(SHA256(ctrData)).
func advanceCounter(ctrData []byte) ([]byte, error) {
	return reduceSharedSecret(sha256Sum(ctrData))
}

// SignedRequest is the result of signing an HTTP request (spec §6.2).
type SignedRequest struct {
	HeaderValue string
	Nonce       []byte
}

// SignRequestParams bundles the inputs to SignHTTPRequest.
type SignRequestParams struct {
	Method     string
	URI        string
	Body       []byte
	Factor     SignatureFactor
	Keys       *unlockKeys
	PBKDF2Salt []byte
	PBKDF2Iter int
}

// SignHTTPRequest unlocks the requested factor keys, normalizes the
// request data, computes an online signature over the current
// hash-chain counter, and advances the counter in memory. The caller
// must persist the session again after this call succeeds (spec §4.4,
// §6.2).
func (s *Session) SignHTTPRequest(p *SignRequestParams) (*SignedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return nil, err
	}
	pd := s.persistent

	unlockReq := &lockRequest{
		factor:     p.Factor,
		keys:       p.Keys,
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: pd.passwordSalt,
		pbkdf2Iter: int(pd.passwordIterations),
	}
	plain, err := unlockSignatureKeys(&pd.sk, unlockReq)
	if err != nil {
		return nil, err
	}

	nonce, err := randomBytes(16, false)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to generate nonce", err)
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	data := normalizeDataForSignature(p.Method, p.URI, nonceB64, p.Body, string(s.setup.ApplicationSecret))

	sig, err := calculateSignature(plain, p.Factor, pd.signatureCounterData, data, true, 0)
	if err != nil {
		return nil, err
	}

	next, err := advanceCounter(pd.signatureCounterData)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to advance signature counter", err)
	}
	pd.signatureCounterData = next

	header := buildAuthHeaderValue(pd.protocolVersion(), pd.activationID, s.setup.ApplicationKey, nonceB64, p.Factor.headerName(), sig)
	return &SignedRequest{HeaderValue: header, Nonce: nonce}, nil
}

// SignOfflineData computes a decimalized offline signature over data
// that never traveled in an HTTP request body (e.g. a scanned QR
// payload), without advancing the counter a second time for an online
// exchange (spec §6.2, §4.4). offlineSignatureLength must be in
// [4,8]; 0 defaults to 8. Offline signing is refused while a protocol
// upgrade is pending.
func (s *Session) SignOfflineData(data []byte, nonceB64 string, factor SignatureFactor, keys *unlockKeys, offlineSignatureLength int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return "", err
	}
	pd := s.persistent
	if pd.flags.pendingUpgradeVersion != pendingUpgradeNone {
		return "", wrongState("offline signing is forbidden while a protocol upgrade is pending")
	}
	if offlineSignatureLength == 0 {
		offlineSignatureLength = 8
	}
	if offlineSignatureLength < 4 || offlineSignatureLength > 8 {
		return "", wrongParam("offlineSignatureLength must be between 4 and 8")
	}
	unlockReq := &lockRequest{
		factor:     factor,
		keys:       keys,
		extKey:     s.setup.ExternalEncryptionKey,
		pbkdf2Salt: pd.passwordSalt,
		pbkdf2Iter: int(pd.passwordIterations),
	}
	plain, err := unlockSignatureKeys(&pd.sk, unlockReq)
	if err != nil {
		return "", err
	}
	normalized := normalizeDataForSignature("POST", "/offline", nonceB64, data, "")
	sig, err := calculateSignature(plain, factor, pd.signatureCounterData, normalized, false, offlineSignatureLength)
	if err != nil {
		return "", err
	}
	next, err := advanceCounter(pd.signatureCounterData)
	if err != nil {
		return "", wrapErr(Encryption, "failed to advance signature counter", err)
	}
	pd.signatureCounterData = next
	return sig, nil
}

const (
	authFragmentBeginVersion   = `PowerAuth pa_version="`
	authFragmentActivationID   = `", pa_activation_id="`
	authFragmentApplicationKey = `", pa_application_key="`
	authFragmentNonce          = `", pa_nonce="`
	authFragmentSignatureType  = `", pa_signature_type="`
	authFragmentSignature      = `", pa_signature="`
	authFragmentEnd            = `"`
)

// buildAuthHeaderValue builds the X-PowerAuth-Authorization header
// value, matching original_source HTTPRequestDataSignature::buildAuthHeaderValue.
func buildAuthHeaderValue(version, activationID string, applicationKey []byte, nonceB64, factorName, signature string) string {
	var b strings.Builder
	b.WriteString(authFragmentBeginVersion)
	b.WriteString(version)
	b.WriteString(authFragmentActivationID)
	b.WriteString(activationID)
	b.WriteString(authFragmentApplicationKey)
	b.WriteString(base64.StdEncoding.EncodeToString(applicationKey))
	b.WriteString(authFragmentNonce)
	b.WriteString(nonceB64)
	b.WriteString(authFragmentSignatureType)
	b.WriteString(factorName)
	b.WriteString(authFragmentSignature)
	b.WriteString(signature)
	b.WriteString(authFragmentEnd)
	return b.String()
}

const authHeaderName = "X-PowerAuth-Authorization"
