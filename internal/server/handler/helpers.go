package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusFor maps a classified error to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState:
		return http.StatusConflict
	case domain.KindOracle:
		return http.StatusServiceUnavailable
	case domain.KindIntegrity:
		if errors.Is(err, domain.ErrInvariantViolation) {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	case domain.KindAuth:
		if errors.Is(err, domain.ErrUnauthorized) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with its stable code. Unclassified errors are
// logged and hidden behind a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && domain.KindOf(err) != domain.KindOracle {
		logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		if domain.KindOf(err) == domain.KindUnknown {
			writeError(w, status, domain.CodeOf(err), "internal error")
			return
		}
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  domain.CodeOf(err),
		Kind:  domain.KindOf(err).String(),
	})
}

// decodeJSON reads a JSON body, rejecting unknown fields. An empty body
// decodes to the zero value.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body: %v", domain.ErrValidation, err)
	}
	return nil
}

func pathIdentity(r *http.Request, name string) (domain.Identity, error) {
	id, err := domain.ParseIdentity(r.PathValue(name))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: path %s", err, name)
	}
	return id, nil
}

// parsePage reads limit/offset. Defaults: limit=50 (max 500), offset=0.
func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return limit, offset
}
