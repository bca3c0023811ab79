package httputil

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
)

// MaxRequestBody bounds JSON request bodies.
const MaxRequestBody = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    svcerrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// WriteError maps err to its HTTP status and error body. Errors that are not
// service errors are reported as internal without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, ErrorBody{Code: se.Code, Message: se.Message, Details: se.Details})
}

// DecodeJSON decodes a size-limited request body into dst, rejecting
// unknown fields. The decode error stays in the returned error's chain.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		bad := svcerrors.BadRequest("invalid JSON body: %v", err)
		bad.Err = err
		return bad
	}
	if dec.More() {
		return svcerrors.BadRequest("invalid JSON body: trailing data")
	}
	return nil
}
