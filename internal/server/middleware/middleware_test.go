package middleware

import (
	"bytes"
	"encoding/hex"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	cachemem "github.com/alanyoungcy/binaryoptions/internal/cache/memory"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

func signedRequest(t *testing.T, s *crypto.Signer, path string, ts int64, body []byte) *http.Request {
	t.Helper()
	sig, err := s.SignCommand(http.MethodPost, path, ts, body)
	if err != nil {
		t.Fatalf("SignCommand: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	return req
}

// reencode rewrites the X-Signature header of req through edit.
func reencode(t *testing.T, req *http.Request, edit func(sig []byte)) *http.Request {
	t.Helper()
	sig, err := hex.DecodeString(req.Header.Get(HeaderSignature)[2:])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	edit(sig)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return req
}

// highS replaces (r, s, v) with the equivalent (r, n-s, v^1).
func highS(sig []byte) {
	n := ethcrypto.S256().Params().N
	s := new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64]))
	s.FillBytes(sig[32:64])
	if sig[64] == 27 {
		sig[64] = 28
	} else {
		sig[64] = 27
	}
}

func TestSigned(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"amount":3}`)

	var (
		gotCaller domain.Identity
		gotBody   []byte
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = CallerFrom(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	h := Signed(SignatureConfig{MaxSkew: time.Minute, Replay: cachemem.NewLockManager(), Now: func() time.Time { return now }})(next)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"valid", func() *http.Request { return signedRequest(t, signer, "/api/markets/x/lock", now.Unix(), body) }, http.StatusNoContent},
		{"replayed", func() *http.Request { return signedRequest(t, signer, "/api/markets/x/lock", now.Unix(), body) }, http.StatusUnauthorized},
		{"replayed with raw recovery id", func() *http.Request {
			req := signedRequest(t, signer, "/api/markets/x/lock", now.Unix(), body)
			return reencode(t, req, func(sig []byte) { sig[64] -= 27 })
		}, http.StatusUnauthorized},
		{"replayed with high-s twin", func() *http.Request {
			req := signedRequest(t, signer, "/api/markets/x/lock", now.Unix(), body)
			return reencode(t, req, highS)
		}, http.StatusUnauthorized},
		{"stale timestamp", func() *http.Request {
			return signedRequest(t, signer, "/api/markets/x/lock", now.Add(-2*time.Minute).Unix(), body)
		}, http.StatusUnauthorized},
		{"tampered body", func() *http.Request {
			req := signedRequest(t, signer, "/api/markets/y/lock", now.Unix(), body)
			req.Body = io.NopCloser(bytes.NewReader([]byte(`{"amount":300}`)))
			return req
		}, http.StatusNoContent},
		{"missing signature", func() *http.Request {
			req := signedRequest(t, signer, "/api/markets/z/lock", now.Unix(), body)
			req.Header.Del(HeaderSignature)
			return req
		}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			if rec.Code != tt.status {
				t.Fatalf("status=%d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	// A tampered body still verifies, but recovers a different identity.
	req := signedRequest(t, signer, "/api/markets/w/lock", now.Unix(), body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if gotCaller != signer.Identity() || !bytes.Equal(gotBody, body) {
		t.Fatalf("caller=%s body=%s, want signer and original body", gotCaller, gotBody)
	}
}

// A command reaches the handler once however its signature is re-encoded,
// including when the canonical form arrives after a rejected variant.
func TestSignedReplayIgnoresSignatureEncoding(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"amount":1}`)
	calls := 0
	h := Signed(SignatureConfig{MaxSkew: time.Minute, Replay: cachemem.NewLockManager(), Now: func() time.Time { return now }})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(http.StatusNoContent)
		}))

	send := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send(signedRequest(t, signer, "/api/markets/m/lock", now.Unix(), body)); code != http.StatusNoContent {
		t.Fatalf("first send status=%d", code)
	}
	variants := map[string]func([]byte){
		"raw recovery id": func(sig []byte) { sig[64] -= 27 },
		"high-s":          highS,
		"uppercase hex":   func([]byte) {},
	}
	for name, edit := range variants {
		req := reencode(t, signedRequest(t, signer, "/api/markets/m/lock", now.Unix(), body), edit)
		if name == "uppercase hex" {
			req.Header.Set(HeaderSignature, "0x"+strings.ToUpper(req.Header.Get(HeaderSignature)[2:]))
		}
		if code := send(req); code != http.StatusUnauthorized {
			t.Fatalf("%s: status=%d, want 401", name, code)
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestSignedTamperedBodyChangesCaller(t *testing.T) {
	signer, _ := crypto.GenerateSigner()
	now := time.Unix(1_700_000_000, 0)
	var caller domain.Identity
	h := Signed(SignatureConfig{Now: func() time.Time { return now }})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		caller, _ = CallerFrom(r.Context())
	}))

	req := signedRequest(t, signer, "/api/markets/x/lock", now.Unix(), []byte(`{"amount":3}`))
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"amount":300}`)))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if caller == signer.Identity() {
		t.Fatal("tampered body must not authenticate as the signer")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("preflight should not reach handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("status=%d headers=%v", rec.Code, rec.Header())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("clientIP=%q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP=%q", got)
	}
}
