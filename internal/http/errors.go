package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dropDatabas3/shakend/internal/passport"
)

// errorBody es la respuesta de error uniforme de la API.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError mapea los kinds del núcleo a status HTTP y escribe el body.
func writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: kind, Detail: err.Error()})
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, passport.ErrMissingInput):
		return "missing_input", http.StatusBadRequest
	case errors.Is(err, passport.ErrShapeInvalid):
		return "shape_invalid", http.StatusUnprocessableEntity
	case errors.Is(err, passport.ErrSignatureInvalid):
		return "signature_invalid", http.StatusUnprocessableEntity
	case errors.Is(err, passport.ErrCertificateMissing):
		return "certificate_missing", http.StatusNotFound
	case errors.Is(err, passport.ErrFetchFailed):
		return "fetch_failed", http.StatusBadGateway
	case errors.Is(err, passport.ErrExpired):
		return "expired", http.StatusBadGateway
	case errors.Is(err, passport.ErrKeyUnreadable):
		return "key_unreadable", http.StatusBadGateway
	case errors.Is(err, passport.ErrCryptoInternal):
		return "crypto_internal", http.StatusInternalServerError
	default:
		return "internal", http.StatusInternalServerError
	}
}

// writeBadRequest responde 400 con un mensaje directo (errores de parseo de
// la request, no del núcleo).
func writeBadRequest(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorBody{Error: "bad_request", Detail: detail})
}
