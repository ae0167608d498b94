package passport

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

// KeySource resuelve una URL de clave pública a una clave EC parseada y
// fresca. internal/keycache es la implementación real; los errores que
// retorna ya vienen etiquetados con los kinds de este paquete.
type KeySource interface {
	PublicKey(ctx context.Context, url string) (*ecdsa.PublicKey, error)
}

// Verify verifica una aserción de identidad entrante.
//
// Los cinco argumentos deben ser no vacíos. La firma se verifica sobre los
// bytes de payload exactamente como los mandó el caller (no se re-serializa);
// signature viene en base64 estándar con padding. header y payload se parsean
// como JSON para el resultado, pero acá no se re-valida el perfil
// STIR/SHAKEN: eso es responsabilidad de la capa superior.
func Verify(ctx context.Context, keys KeySource, header, payload, signature, algorithm, publicKeyURL string) (*Passport, error) {
	log := logger.From(ctx).Named("passport")

	for _, in := range []struct{ name, v string }{
		{"header", header},
		{"payload", payload},
		{"signature", signature},
		{"algorithm", algorithm},
		{"public_key_url", publicKeyURL},
	} {
		if in.v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, in.name)
		}
	}

	publicKey, err := keys.PublicKey(ctx, publicKeyURL)
	if err != nil {
		return nil, err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
	}

	if err := jwtv5.SigningMethodES256.Verify(payload, sig, publicKey); err != nil {
		log.Debug("firma inválida", logger.URL(publicKeyURL), logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var headerObj map[string]any
	if err := json.Unmarshal([]byte(header), &headerObj); err != nil {
		return nil, &ShapeError{Field: "header", Reason: "invalid JSON"}
	}
	var payloadObj map[string]any
	if err := json.Unmarshal([]byte(payload), &payloadObj); err != nil {
		return nil, &ShapeError{Field: "payload", Reason: "invalid JSON"}
	}

	return &Passport{
		Header:       headerObj,
		Payload:      payloadObj,
		Signature:    signature,
		Algorithm:    algorithm,
		PublicKeyURL: publicKeyURL,
	}, nil
}
