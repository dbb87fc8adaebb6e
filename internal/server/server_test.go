package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaydenbeard/powerauth-core/internal/store"
)

// activationCodeFixture builds a syntactically valid 23-character
// activation code (4 Base32 groups of 5, CRC-16/ARC checksummed), the
// same textual form ValidateActivationCode expects (spec §4.8).
func activationCodeFixture() (string, error) {
	payload := make([]byte, 10)
	if _, err := rand.Read(payload); err != nil {
		return "", err
	}
	crc := crc16ARC(payload)
	data := append(append([]byte{}, payload...), byte(crc>>8), byte(crc))
	b32 := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(data)
	var out strings.Builder
	for i := 0; i < len(b32); i += 5 {
		if i > 0 {
			out.WriteByte('-')
		}
		out.WriteString(b32[i : i+5])
	}
	return out.String(), nil
}

func crc16ARC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func contextBackground() context.Context { return context.Background() }

func seedDeadlockedActivation(t *testing.T, st store.Store) string {
	t.Helper()
	now := time.Now()
	id := store.NewActivationID()
	if err := st.SaveActivation(context.Background(), &store.Activation{
		ActivationID: id,
		StateBlob:    []byte("seed"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("SaveActivation failed: %v", err)
	}
	return id
}

func testMasterServerPublicKeyB64(t *testing.T) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate master key pair: %v", err)
	}
	compressed := elliptic.MarshalCompressed(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	return base64.StdEncoding.EncodeToString(compressed)
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server-test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv := New(Config{
		Addr:        ":0",
		Store:       s,
		AdminSecret: []byte("a-test-admin-secret-for-jwt-signing"),
	})
	return srv, s
}

func (s *Server) testHandler() http.Handler {
	return s.httpServer.Handler
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.testHandler(), "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesText(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.testHandler(), "GET", "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty metrics body")
	}
}

func TestActivationStartRejectsInvalidActivationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	req := activationStartRequest{
		sessionSetupRequest: sessionSetupRequest{
			ApplicationKeyB64:        base64.StdEncoding.EncodeToString(make([]byte, 16)),
			ApplicationSecretB64:     base64.StdEncoding.EncodeToString(make([]byte, 16)),
			MasterServerPublicKeyB64: testMasterServerPublicKeyB64(t),
		},
		ActivationCode: "NOT-A-VALID-CODE",
	}
	rec := doJSON(t, srv.testHandler(), "POST", "/api/v1/activation/start", req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid activation code, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestActivationStartPersistsSessionOnSuccess(t *testing.T) {
	srv, st := newTestServer(t)

	code, err := activationCodeFixture()
	if err != nil {
		t.Fatalf("failed to build a fixture activation code: %v", err)
	}

	req := activationStartRequest{
		sessionSetupRequest: sessionSetupRequest{
			ApplicationKeyB64:        base64.StdEncoding.EncodeToString(make([]byte, 16)),
			ApplicationSecretB64:     base64.StdEncoding.EncodeToString(make([]byte, 16)),
			MasterServerPublicKeyB64: testMasterServerPublicKeyB64(t),
		},
		ActivationCode: code,
	}
	rec := doJSON(t, srv.testHandler(), "POST", "/api/v1/activation/start", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp activationStartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ActivationID == "" || resp.DevicePublicKey == "" {
		t.Fatalf("expected a populated activation id and device public key, got %+v", resp)
	}

	stored, err := st.GetActivation(contextBackground(), resp.ActivationID)
	if err != nil {
		t.Fatalf("expected the started activation to be persisted: %v", err)
	}
	if len(stored.StateBlob) == 0 {
		t.Fatal("expected a non-empty persisted state blob")
	}
}

func TestEciesEncryptRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	req := eciesEncryptRequest{
		sessionSetupRequest: sessionSetupRequest{
			ApplicationKeyB64:        base64.StdEncoding.EncodeToString(make([]byte, 16)),
			ApplicationSecretB64:     base64.StdEncoding.EncodeToString(make([]byte, 16)),
			MasterServerPublicKeyB64: testMasterServerPublicKeyB64(t),
		},
		PlaintextB64: base64.StdEncoding.EncodeToString([]byte("hello powerauth")),
		SharedInfo1:  "/pa/test",
	}
	rec := doJSON(t, srv.testHandler(), "POST", "/api/v1/ecies/encrypt", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["ephemeralPublicKey"] == "" || resp["encryptedData"] == "" || resp["mac"] == "" {
		t.Fatalf("expected a populated ECIES envelope, got %+v", resp)
	}
}

func TestAdminLoginAndProtectedRoute(t *testing.T) {
	srv, st := newTestServer(t)

	// wrong secret
	rec := doJSON(t, srv.testHandler(), "POST", "/api/admin/login", adminLoginRequest{Username: "op", Secret: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong secret, got %d", rec.Code)
	}

	// protected route without a token
	rec = doJSON(t, srv.testHandler(), "GET", "/api/admin/activations", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}

	// correct secret
	rec = doJSON(t, srv.testHandler(), "POST", "/api/admin/login", adminLoginRequest{Username: "op", Secret: "a-test-admin-secret-for-jwt-signing"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a correct secret, got %d: %s", rec.Code, rec.Body.String())
	}
	var login adminLoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a non-empty admin token")
	}

	if err := st.MarkDeadlocked(contextBackground(), seedDeadlockedActivation(t, st)); err != nil {
		t.Fatalf("MarkDeadlocked failed: %v", err)
	}

	rec = doJSON(t, srv.testHandler(), "GET", "/api/admin/activations", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
	var views []deadlockedActivationView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("failed to decode admin listing: %v", err)
	}
	if len(views) == 0 {
		t.Fatal("expected at least one deadlocked activation in the admin listing")
	}
}
