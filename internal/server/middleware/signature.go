package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Headers carrying a command signature.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

const maxCommandBody = 1 << 20

type callerKey struct{}

// CallerFrom returns the identity that signed the request.
func CallerFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(callerKey{}).(domain.Identity)
	return id, ok
}

// WithCaller attaches a verified caller identity to ctx.
func WithCaller(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// SignatureConfig controls command verification.
type SignatureConfig struct {
	// MaxSkew is how far X-Timestamp may drift from the server clock.
	MaxSkew time.Duration
	// Replay, when set, rejects a command (digest and caller) seen within
	// the skew window.
	Replay domain.LockManager
	Now    func() time.Time
}

// Signed authenticates a command by recovering the signer of
//
//	CommandDigest(method, path, X-Timestamp, body)
//
// from X-Signature. The recovered identity is the caller; the body is
// restored for the handler.
func Signed(cfg SignatureConfig) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := verify(r, cfg)
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.CodeOf(err), err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func verify(r *http.Request, cfg SignatureConfig) (domain.Identity, error) {
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if sig == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing %s header", domain.ErrInvalidSignature, HeaderSignature)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTimestamp)), 10, 64)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: bad %s header", domain.ErrInvalidSignature, HeaderTimestamp)
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew < -cfg.MaxSkew || skew > cfg.MaxSkew {
		return domain.Identity{}, fmt.Errorf("%w: timestamp outside %s window", domain.ErrInvalidSignature, cfg.MaxSkew)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err)
	}
	if len(body) > maxCommandBody {
		return domain.Identity{}, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrValidation, maxCommandBody)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	digest := crypto.CommandDigest(r.Method, r.URL.Path, ts, body)
	caller, err := crypto.RecoverIdentity(digest, sig)
	if err != nil {
		return domain.Identity{}, err
	}

	if cfg.Replay != nil {
		// Keyed on what was signed, not how it was encoded. Held until
		// expiry; never released.
		key := "replay:" + hex.EncodeToString(digest) + ":" + caller.String()
		_, err := cfg.Replay.Acquire(r.Context(), key, 2*cfg.MaxSkew)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Identity{}, fmt.Errorf("%w: command already used", domain.ErrInvalidSignature)
		}
		if err != nil {
			return domain.Identity{}, fmt.Errorf("replay guard: %w", err)
		}
	}
	return caller, nil
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
