// Package engine arma el contexto explícito del servicio: índice durable,
// fetcher, cache de claves y registro de certificados, detrás de las dos
// operaciones públicas Verify y Sign. Se construye en el startup y se pasa a
// cada capa; no hay estado global de módulo.
package engine

import (
	"context"
	"errors"

	"github.com/dropDatabas3/shakend/internal/certstore"
	"github.com/dropDatabas3/shakend/internal/config"
	"github.com/dropDatabas3/shakend/internal/httpfetch"
	"github.com/dropDatabas3/shakend/internal/keycache"
	"github.com/dropDatabas3/shakend/internal/keyindex"
	"github.com/dropDatabas3/shakend/internal/metrics"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
	"github.com/dropDatabas3/shakend/internal/passport"
)

// VerifyInput son los cinco componentes de una aserción entrante.
type VerifyInput struct {
	Header       string `json:"header"`
	Payload      string `json:"payload"`
	Signature    string `json:"signature"`
	Algorithm    string `json:"alg"`
	PublicKeyURL string `json:"x5u"`
}

// Engine es el contexto del servicio.
type Engine struct {
	cfg   *config.Config
	idx   *keyindex.Index
	keys  *keycache.Manager
	certs *certstore.Store
}

// New construye el engine completo a partir de la configuración.
func New(cfg *config.Config) (*Engine, error) {
	kv, err := newKV(cfg)
	if err != nil {
		return nil, err
	}
	idx := keyindex.New(kv)

	fetcher := httpfetch.New(cfg.CurlTimeoutDuration())

	keys, err := keycache.New(idx, fetcher, keycache.Config{
		KeysDir: cfg.KeysDir(),
		MaxSize: cfg.General.CacheMaxSize,
		Dedupe:  cfg.General.DedupeFetch,
	})
	if err != nil {
		idx.Close()
		return nil, err
	}

	certs, err := certstore.New(cfg)
	if err != nil {
		idx.Close()
		return nil, err
	}

	e := &Engine{cfg: cfg, idx: idx, keys: keys, certs: certs}
	e.updateCachedKeysGauge()
	return e, nil
}

func newKV(cfg *config.Config) (keyindex.KV, error) {
	switch cfg.Index.Driver {
	case "redis":
		return keyindex.NewRedisKV(keyindex.RedisConfig{
			Addr:     cfg.Index.Redis.Addr,
			Password: cfg.Index.Redis.Password,
			DB:       cfg.Index.Redis.DB,
			Prefix:   cfg.Index.Redis.Prefix,
		})
	default:
		return keyindex.NewBoltKV(cfg.Index.Bolt.Path)
	}
}

// Verify verifica una aserción entrante y retorna el passport estructurado.
func (e *Engine) Verify(ctx context.Context, in VerifyInput) (*passport.Passport, error) {
	p, err := passport.Verify(ctx, e.keys, in.Header, in.Payload, in.Signature, in.Algorithm, in.PublicKeyURL)
	metrics.VerifyTotal.WithLabelValues(resultLabel(err)).Inc()
	e.updateCachedKeysGauge()
	if err != nil {
		logger.From(ctx).Named("engine").Warn("verificación fallida",
			logger.URL(in.PublicKeyURL), logger.Err(err))
		return nil, err
	}
	return p, nil
}

// Sign firma un documento JWT saliente con el certificado del caller.
func (e *Engine) Sign(ctx context.Context, doc map[string]any) (*passport.Passport, error) {
	opts := passport.SignOptions{
		Attest:     e.cfg.General.Attest,
		Origid:     e.cfg.General.Origid,
		OrigidUUID: e.cfg.General.OrigidMode == "uuid",
		IAT:        passport.IATMode(e.cfg.General.IATMode),
	}
	p, err := passport.Sign(ctx, certSource{e.certs}, doc, opts)
	metrics.SignTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		logger.From(ctx).Named("engine").Warn("firma fallida", logger.Err(err))
		return nil, err
	}
	return p, nil
}

// CachedKeyURLs enumera las URLs de claves públicas conocidas.
func (e *Engine) CachedKeyURLs() ([]string, error) {
	return e.keys.URLs()
}

// EvictKey desaloja una clave cacheada (índice + archivo).
func (e *Engine) EvictKey(url string) {
	e.keys.Evict(url)
	e.updateCachedKeysGauge()
}

// ReloadCerts re-escanea los certificados configurados.
func (e *Engine) ReloadCerts() error {
	return e.certs.Reload()
}

// Certificates lista los certificados cargados.
func (e *Engine) Certificates() []*certstore.Certificate {
	return e.certs.All()
}

// Close libera el índice durable.
func (e *Engine) Close() error {
	return e.idx.Close()
}

func (e *Engine) updateCachedKeysGauge() {
	if urls, err := e.keys.URLs(); err == nil {
		metrics.CachedKeys.Set(float64(len(urls)))
	}
}

// certSource adapta el registro concreto al contrato del firmante,
// preservando el nil (un *Certificate nil no debe viajar como interfaz
// no-nil).
type certSource struct {
	store *certstore.Store
}

func (c certSource) LookupByCallerID(tn string) passport.Certificate {
	if cert := c.store.LookupByCallerID(tn); cert != nil {
		return cert
	}
	return nil
}

// resultLabel mapea un error del núcleo al label de métricas.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, passport.ErrMissingInput):
		return "missing_input"
	case errors.Is(err, passport.ErrShapeInvalid):
		return "shape_invalid"
	case errors.Is(err, passport.ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, passport.ErrKeyUnreadable):
		return "key_unreadable"
	case errors.Is(err, passport.ErrExpired):
		return "expired"
	case errors.Is(err, passport.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, passport.ErrCertificateMissing):
		return "certificate_missing"
	case errors.Is(err, passport.ErrCryptoInternal):
		return "crypto_internal"
	default:
		return "internal"
	}
}
