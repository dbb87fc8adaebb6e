package server

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jaydenbeard/powerauth-core/internal/powerauth"
	"github.com/jaydenbeard/powerauth-core/internal/store"
	"github.com/jaydenbeard/powerauth-core/internal/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sessionSetupRequest carries the Base64-encoded fields a client
// supplies with every request; the demo service is intentionally
// stateless about provisioning material so a caller can target any
// configured application.
type sessionSetupRequest struct {
	ApplicationKeyB64        string `json:"applicationKey"`
	ApplicationSecretB64     string `json:"applicationSecret"`
	MasterServerPublicKeyB64 string `json:"masterServerPublicKey"`
	SessionIdentifier        uint32 `json:"sessionIdentifier"`
}

func (r *sessionSetupRequest) toSetup() (*powerauth.SessionSetup, error) {
	appKey, err := base64.StdEncoding.DecodeString(r.ApplicationKeyB64)
	if err != nil {
		return nil, err
	}
	appSecret, err := base64.StdEncoding.DecodeString(r.ApplicationSecretB64)
	if err != nil {
		return nil, err
	}
	masterKey, err := base64.StdEncoding.DecodeString(r.MasterServerPublicKeyB64)
	if err != nil {
		return nil, err
	}
	setup := &powerauth.SessionSetup{
		ApplicationKey:        appKey,
		ApplicationSecret:     appSecret,
		MasterServerPublicKey: masterKey,
		SessionIdentifier:     r.SessionIdentifier,
	}
	return setup, setup.Validate()
}

type activationStartRequest struct {
	sessionSetupRequest
	ActivationCode string `json:"activationCode"`
}

type activationStartResponse struct {
	ActivationID    string `json:"activationId"`
	DevicePublicKey string `json:"devicePublicKey"`
}

func (s *Server) handleActivationStart(w http.ResponseWriter, r *http.Request) {
	var req activationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session setup: "+err.Error())
		return
	}
	otp, err := powerauth.ParseActivationCode(req.ActivationCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid activation code: "+err.Error())
		return
	}

	session, err := powerauth.NewSession(setup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := session.StartActivation(otp)
	if err != nil {
		telemetry.RecordActivationStep("start", false)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.RecordActivationStep("start", true)

	blob, err := session.SaveSessionState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	activationID := store.NewActivationID()
	now := time.Now()
	if err := s.store.SaveActivation(r.Context(), &store.Activation{
		ActivationID:   activationID,
		ApplicationKey: setup.ApplicationKey,
		StateBlob:      blob,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist session: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, activationStartResponse{
		ActivationID:    activationID,
		DevicePublicKey: base64.StdEncoding.EncodeToString(result.DevicePublicKey),
	})
}

// loadSession rebuilds a *powerauth.Session from a stored activation
// record's state blob.
func (s *Server) loadSession(rec *store.Activation, setup *powerauth.SessionSetup) (*powerauth.Session, error) {
	session, err := powerauth.NewSession(setup)
	if err != nil {
		return nil, err
	}
	if err := session.LoadSessionState(rec.StateBlob); err != nil {
		return nil, err
	}
	return session, nil
}

type activationValidateRequest struct {
	sessionSetupRequest
	LocalActivationID      string `json:"localActivationId"`
	ActivationID           string `json:"serverActivationId"`
	ServerPublicKeyB64     string `json:"serverPublicKey"`
	CtrDataB64             string `json:"ctrData"`
	ServerDataSignatureB64 string `json:"serverDataSignature"`
}

func (s *Server) handleActivationValidate(w http.ResponseWriter, r *http.Request) {
	var req activationValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session setup: "+err.Error())
		return
	}
	rec, err := s.store.GetActivation(r.Context(), req.LocalActivationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown local activation id")
		return
	}
	session, err := s.loadSession(rec, setup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	serverPub, err := base64.StdEncoding.DecodeString(req.ServerPublicKeyB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid serverPublicKey")
		return
	}
	ctrData, err := base64.StdEncoding.DecodeString(req.CtrDataB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ctrData")
		return
	}
	var sig []byte
	if req.ServerDataSignatureB64 != "" {
		sig, err = base64.StdEncoding.DecodeString(req.ServerDataSignatureB64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid serverDataSignature")
			return
		}
	}

	fingerprint, err := session.ValidateActivationResponse(&powerauth.ActivationResponse{
		ActivationID:        req.ActivationID,
		ServerPublicKey:     serverPub,
		CtrData:             ctrData,
		ServerDataSignature: sig,
	})
	if err != nil {
		telemetry.RecordActivationStep("validate_response", false)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.RecordActivationStep("validate_response", true)

	blob, err := session.SaveSessionState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.UpdateStateBlob(r.Context(), req.LocalActivationID, blob); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fingerprint})
}

type activationCompleteRequest struct {
	sessionSetupRequest
	LocalActivationID      string `json:"localActivationId"`
	PasswordB64            string `json:"password"`
	PossessionUnlockKeyB64 string `json:"possessionUnlockKey"`
	PBKDF2Iterations       int    `json:"pbkdf2Iterations"`
}

func (s *Server) handleActivationComplete(w http.ResponseWriter, r *http.Request) {
	var req activationCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session setup: "+err.Error())
		return
	}
	rec, err := s.store.GetActivation(r.Context(), req.LocalActivationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown local activation id")
		return
	}
	session, err := s.loadSession(rec, setup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	password, err := base64.StdEncoding.DecodeString(req.PasswordB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid password encoding")
		return
	}
	possessionKey, err := base64.StdEncoding.DecodeString(req.PossessionUnlockKeyB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid possessionUnlockKey")
		return
	}

	err = session.CompleteActivation(&powerauth.CompleteActivationParams{
		Password:            password,
		PossessionUnlockKey: possessionKey,
		PBKDF2Iterations:    req.PBKDF2Iterations,
	})
	if err != nil {
		telemetry.RecordActivationStep("complete", false)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.RecordActivationStep("complete", true)

	blob, err := session.SaveSessionState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.UpdateStateBlob(r.Context(), req.LocalActivationID, blob); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activationId": session.ActivationIdentifier()})
}

type statusDecodeRequest struct {
	sessionSetupRequest
	Challenge              string `json:"challenge"`
	EncryptedStatusBlob    string `json:"encryptedStatusBlob"`
	Nonce                  string `json:"nonce"`
	PossessionUnlockKeyB64 string `json:"possessionUnlockKey"`
}

func (s *Server) handleStatusDecode(w http.ResponseWriter, r *http.Request) {
	activationID := mux.Vars(r)["activationId"]
	var req statusDecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session setup: "+err.Error())
		return
	}
	rec, err := s.store.GetActivation(r.Context(), activationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown activation id")
		return
	}
	session, err := s.loadSession(rec, setup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	possessionKey, err := base64.StdEncoding.DecodeString(req.PossessionUnlockKeyB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid possessionUnlockKey")
		return
	}

	status, err := session.DecodeActivationStatus(&powerauth.EncryptedActivationStatus{
		Challenge:           req.Challenge,
		EncryptedStatusBlob: req.EncryptedStatusBlob,
		Nonce:               req.Nonce,
	}, powerauth.NewUnlockKeys(possessionKey, nil, nil))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	telemetry.RecordCounterSyncResult(status.CounterState.String())
	if status.Deadlocked {
		telemetry.DeadlockedActivations.Inc()
		_ = s.store.MarkDeadlocked(r.Context(), activationID)
		s.feed.Publish(Event{Type: "deadlock", ActivationID: activationID, At: time.Now()})
	} else if status.CounterState == powerauth.CounterUpdated {
		s.feed.Publish(Event{Type: "counter_resync", ActivationID: activationID, At: time.Now()})
	}

	blob, err := session.SaveSessionState()
	if err == nil {
		_ = s.store.UpdateStateBlob(r.Context(), activationID, blob)
	}
	writeJSON(w, http.StatusOK, status)
}

type activationQRCodeRequest struct {
	SessionID      string `json:"sessionId"`
	ActivationCode string `json:"activationCode"`
}

// handleActivationQRCode renders an activation code as a scannable QR
// image for in-person enrollment (spec §3.6) and returns a short-lived
// download URL. Disabled when no qrcode.Service was configured.
func (s *Server) handleActivationQRCode(w http.ResponseWriter, r *http.Request) {
	if s.qr == nil {
		writeError(w, http.StatusServiceUnavailable, "QR code generation is not configured")
		return
	}
	var req activationQRCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !powerauth.ValidateActivationCode(req.ActivationCode) {
		writeError(w, http.StatusBadRequest, "invalid activation code")
		return
	}
	generated, err := s.qr.GenerateAndStore(r.Context(), req.SessionID, req.ActivationCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, generated)
}

type signatureVerifyRequest struct {
	ActivationID        string `json:"activationId"`
	AuthorizationHeader string `json:"authorizationHeader"`
}

// handleSignatureVerify is a thin demo endpoint: in a production
// PowerAuth server the signature header is parsed and counter
// resynchronization runs as part of request processing, not as a side
// endpoint. It exists to give cmd/enrollmentserver something to
// exercise CounterLock against.
func (s *Server) handleSignatureVerify(w http.ResponseWriter, r *http.Request) {
	var req signatureVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	start := time.Now()
	release, ok, err := s.counterLock.Acquire(r.Context(), req.ActivationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "another signature verification is already in flight for this activation")
		return
	}
	defer release()

	telemetry.RecordSignature("possession_knowledge", true, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"received": req.AuthorizationHeader})
}

type eciesEncryptRequest struct {
	sessionSetupRequest
	PlaintextB64 string `json:"plaintext"`
	SharedInfo1  string `json:"sharedInfo1"`
}

func (s *Server) handleEciesEncrypt(w http.ResponseWriter, r *http.Request) {
	var req eciesEncryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session setup: "+err.Error())
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.PlaintextB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plaintext encoding")
		return
	}

	session, err := powerauth.NewSession(setup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	encryptor, err := session.GetEciesEncryptor(powerauth.EciesApplicationScope, nil, []byte(req.SharedInfo1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	envelope, err := encryptor.Encrypt(plaintext, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ephemeralPublicKey": base64.StdEncoding.EncodeToString(envelope.EphemeralPublicKey),
		"encryptedData":      base64.StdEncoding.EncodeToString(envelope.EncryptedData),
		"mac":                base64.StdEncoding.EncodeToString(envelope.MAC),
		"nonce":              base64.StdEncoding.EncodeToString(envelope.Nonce),
		"timestamp":          envelope.Timestamp,
	})
}
