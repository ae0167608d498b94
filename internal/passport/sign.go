package passport

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

// Certificate es lo que el firmante necesita de un certificado: la URL
// pública que va al x5u y la clave privada EC P-256.
type Certificate interface {
	PublicKeyURL() string
	PrivateKey() *ecdsa.PrivateKey
	// Attest retorna el override de atestación del certificado, o "" para
	// usar el default del firmante.
	Attest() string
}

// CertSource resuelve certificados por número originante.
type CertSource interface {
	// LookupByCallerID retorna el certificado para tn, o nil si no hay.
	LookupByCallerID(tn string) Certificate
}

// IATMode controla cómo se computa el claim iat.
type IATMode string

const (
	// IATLegacy preserva el cómputo histórico sec + usec/1000, que mezcla
	// segundos con milisegundos. Queda como default por compatibilidad de
	// cable con deployments existentes; pendiente de resolución con los
	// dueños del protocolo.
	IATLegacy IATMode = "legacy"
	// IATSeconds emite Unix seconds, el significado estándar de iat.
	IATSeconds IATMode = "seconds"
)

// SignOptions parametriza la firma.
type SignOptions struct {
	// Attest es el nivel de atestación por defecto (A|B|C).
	Attest string
	// Origid es el identificador de origen cuando OrigidUUID es false.
	Origid string
	// OrigidUUID genera un UUIDv4 por firma en lugar de Origid.
	OrigidUUID bool
	// IAT es el modo de cómputo del iat. Vacío => IATLegacy.
	IAT IATMode
	// Now permite inyectar el reloj en tests. Nil => time.Now.
	Now func() time.Time
}

// Sign valida la forma del documento, lo enriquece con x5u/attest/origid/iat,
// firma la serialización con la clave privada del certificado del caller y
// retorna el Passport resultante con la firma en base64.
//
// El documento de entrada se muta: los claims insertados quedan en doc, y la
// serialización firmada es exactamente la de doc ya enriquecido.
func Sign(ctx context.Context, certs CertSource, doc map[string]any, opts SignOptions) (*Passport, error) {
	log := logger.From(ctx).Named("passport")

	// El chequeo de forma corre antes de tocar el documento.
	if _, err := checkShape(doc); err != nil {
		return nil, err
	}

	header := doc["header"].(map[string]any)
	payload := doc["payload"].(map[string]any)

	callerTN := payload["orig"].(map[string]any)["tn"].(string)

	cert := certs.LookupByCallerID(callerTN)
	if cert == nil {
		log.Error("sin certificado para el caller id", logger.CallerID(callerTN))
		return nil, fmt.Errorf("%w: %s", ErrCertificateMissing, callerTN)
	}

	header["x5u"] = cert.PublicKeyURL()

	attest := opts.Attest
	if v := cert.Attest(); v != "" {
		attest = v
	}
	if attest == "" {
		attest = "B"
	}
	payload["attest"] = attest

	if opts.OrigidUUID {
		payload["origid"] = uuid.NewString()
	} else {
		payload["origid"] = opts.Origid
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	payload["iat"] = computeIAT(now, opts.IAT)

	// La serialización canónica (claves ordenadas) es lo que se firma.
	signingInput, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}

	sig, err := jwtv5.SigningMethodES256.Sign(string(signingInput), cert.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoInternal, err)
	}

	result, err := checkShape(doc)
	if err != nil {
		// El documento ya pasó el chequeo; sólo puede fallar la copia.
		return nil, err
	}
	result.Signature = base64.StdEncoding.EncodeToString(sig)
	result.PublicKeyURL = cert.PublicKeyURL()

	log.Debug("documento firmado",
		logger.CallerID(callerTN),
		logger.URL(result.PublicKeyURL),
		logger.Attest(attest))

	return result, nil
}

// computeIAT produce el claim iat según el modo configurado.
func computeIAT(now time.Time, mode IATMode) int64 {
	switch mode {
	case IATSeconds:
		return now.Unix()
	default:
		// sec + usec/1000: comportamiento histórico (ver IATLegacy).
		return now.Unix() + int64(now.Nanosecond()/1000)/1000
	}
}
