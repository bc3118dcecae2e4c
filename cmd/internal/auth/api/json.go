package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// apiError is the body of every non-2xx response: {"error":{"code","message"}}.
type apiError struct {
	status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var (
	errInvalidJSON        = apiError{http.StatusBadRequest, "invalid_json", "invalid request body"}
	errMissingCredentials = apiError{http.StatusBadRequest, "invalid_request", "username or email, and password are required"}
	errMissingRef         = apiError{http.StatusBadRequest, "invalid_request", "username or email is required"}
	errInvalidCredentials = apiError{http.StatusUnauthorized, "invalid_credentials", "invalid credentials"}
	errUnauthenticated    = apiError{http.StatusUnauthorized, "unauthenticated", "authentication required"}
	errForbidden          = apiError{http.StatusForbidden, "forbidden", "forbidden"}
	errRateLimited        = apiError{http.StatusTooManyRequests, "rate_limited", "too many attempts"}
	errConfigMissing      = apiError{http.StatusInternalServerError, "config_missing", "server misconfigured"}
	errInternal           = apiError{http.StatusInternalServerError, "server_error", "internal error"}
	errBusy               = apiError{http.StatusServiceUnavailable, "server_busy", "please retry later"}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e apiError) {
	writeJSON(w, e.status, errorResponse{Error: e})
}

// decodeJSON reads exactly one JSON object of at most maxBytes with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}
