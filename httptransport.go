package ucp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIVersion is the protocol version served by this package.
const APIVersion = "2026-01-11"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var errBodyRequired = errors.New("request body required")

func decodeJSON(body io.ReadCloser, v any) error {
	defer func() { _ = body.Close() }()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(body io.ReadCloser, v any) error {
	err := decodeJSON(body, v)
	if errors.Is(err, errBodyRequired) {
		return nil
	}
	return err
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	payload := ErrorFromDomain(err)
	if payload.StatusCode() >= http.StatusInternalServerError {
		h.cfg.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", TenantFromContext(r.Context()),
			"error", err,
		)
	}
	writeJSONError(w, payload)
}

func writeJSONError(w http.ResponseWriter, payload *Error) {
	if payload == nil {
		payload = NewProcessingError("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("API-Version", APIVersion)
	if seconds := retryAfterSeconds(payload.RetryAfter()); seconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	w.WriteHeader(payload.StatusCode())
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("API-Version", APIVersion)
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	seconds := d / time.Second
	if d%time.Second != 0 {
		seconds++
	}
	if seconds <= 0 {
		return 1
	}
	return int64(seconds)
}
