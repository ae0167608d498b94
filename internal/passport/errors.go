package passport

import (
	"errors"
	"fmt"
)

// Errores del núcleo de verificación/firma. Cada fallo de una operación se
// reporta con exactamente uno de estos kinds; se chequean con errors.Is.
var (
	// ErrMissingInput indica un argumento requerido vacío.
	ErrMissingInput = errors.New("passport: required input is empty")

	// ErrShapeInvalid indica una violación del perfil del JWT.
	// Usar ShapeError para nombrar el campo ofensor.
	ErrShapeInvalid = errors.New("passport: invalid JWT shape")

	// ErrFetchFailed indica un fallo de red o I/O adquiriendo una clave.
	ErrFetchFailed = errors.New("passport: public key fetch failed")

	// ErrKeyUnreadable indica un archivo local presente pero no parseable
	// como clave pública.
	ErrKeyUnreadable = errors.New("passport: public key unreadable")

	// ErrExpired indica que la clave venció y el re-fetch no lo rescató.
	ErrExpired = errors.New("passport: public key expired")

	// ErrSignatureInvalid indica que la verificación criptográfica falló.
	ErrSignatureInvalid = errors.New("passport: signature verification failed")

	// ErrCertificateMissing indica que no hay certificado para el caller ID.
	ErrCertificateMissing = errors.New("passport: no certificate for caller id")

	// ErrCryptoInternal indica un fallo de init/update/final del contexto
	// de digest.
	ErrCryptoInternal = errors.New("passport: crypto context failure")
)

// ShapeError es un ErrShapeInvalid que nombra el campo ofensor.
type ShapeError struct {
	// Field es el campo faltante o con valor incorrecto (ej: "header.ppt").
	Field string
	// Reason describe el problema ("missing", `got "jwt"`, ...).
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("passport: invalid JWT shape: field %q", e.Field)
	}
	return fmt.Sprintf("passport: invalid JWT shape: field %q: %s", e.Field, e.Reason)
}

// Is hace que errors.Is(err, ErrShapeInvalid) matchee cualquier ShapeError.
func (e *ShapeError) Is(target error) bool {
	return target == ErrShapeInvalid
}

func shapeMissing(field string) error {
	return &ShapeError{Field: field, Reason: "missing"}
}

func shapeMismatch(field, want, got string) error {
	return &ShapeError{Field: field, Reason: fmt.Sprintf("want %q, got %q", want, got)}
}
