// Package keycache compone digest + índice + fetcher en la operación
// "dame un path local válido para esta URL de clave pública".
//
// El ciclo de vida de una entrada es una máquina chica:
// Cold → Fetching → Fresh → Verifying → Ok/Failed, con un flag explícito
// already_fetched que acota los intentos de red a UNO por llamada y por URL.
package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/shakend/internal/httpfetch"
	"github.com/dropDatabas3/shakend/internal/keyindex"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
	"github.com/dropDatabas3/shakend/internal/passport"
)

// Config configura el manager.
type Config struct {
	// KeysDir es el directorio destino de las descargas
	// (<data_dir>/keys/stir_shaken).
	KeysDir string
	// MaxSize acota cuántas URLs se retienen; al superarlo se desaloja por
	// LRU (entrada del índice + archivo). <=0 usa 1000.
	MaxSize int
	// Dedupe colapsa descargas concurrentes de la misma URL vía
	// singleflight. La corrección no depende de esto.
	Dedupe bool
}

// Manager resuelve URLs de claves públicas a paths locales frescos.
// Seguro para uso concurrente; no tiene pool de threads propio y cada
// operación es sincrónica de punta a punta.
type Manager struct {
	idx     *keyindex.Index
	fetcher *httpfetch.Fetcher
	keysDir string
	dedupe  bool

	recent *lru.Cache[string, struct{}]
	memo   *gocache.Cache // url → *ecdsa.PublicKey parseada
	group  singleflight.Group

	// Now es el reloj; inyectable en tests.
	Now func() time.Time
}

// New crea el manager y repuebla el LRU con las URLs ya conocidas por el
// índice (estado que sobrevivió un reinicio).
func New(idx *keyindex.Index, fetcher *httpfetch.Fetcher, cfg Config) (*Manager, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}

	m := &Manager{
		idx:     idx,
		fetcher: fetcher,
		keysDir: cfg.KeysDir,
		dedupe:  cfg.Dedupe,
		memo:    gocache.New(time.Minute, 5*time.Minute),
		Now:     time.Now,
	}

	recent, err := lru.NewWithEvict[string, struct{}](maxSize, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("keycache: lru: %w", err)
	}
	m.recent = recent

	urls, err := idx.URLs()
	if err != nil {
		return nil, fmt.Errorf("keycache: seed lru: %w", err)
	}
	for _, u := range urls {
		m.recent.Add(u, struct{}{})
	}

	return m, nil
}

// onEvict corre cuando el LRU desaloja una URL: borra índice + archivo.
func (m *Manager) onEvict(url string, _ struct{}) {
	m.memo.Delete(url)
	if err := m.idx.Remove(url); err != nil {
		logger.Component("keycache").Warn("eviction no pudo limpiar el índice",
			logger.URL(url), logger.Err(err))
		return
	}
	logger.Component("keycache").Debug("clave desalojada por LRU", logger.URL(url))
}

// LocalKeyPath retorna el path a una clave pública local, válida y fresca
// para url, descargándola si hace falta. A lo sumo UN fetch de red por
// llamada; superarlo es condición de error, no retry.
func (m *Manager) LocalKeyPath(ctx context.Context, rawURL string) (string, error) {
	if m.dedupe {
		v, err, _ := m.group.Do(rawURL, func() (any, error) {
			return m.localKeyPath(ctx, rawURL)
		})
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
	return m.localKeyPath(ctx, rawURL)
}

func (m *Manager) localKeyPath(ctx context.Context, rawURL string) (string, error) {
	log := logger.From(ctx).Named("keycache")

	// already acota los fetches de esta llamada a uno. stampedAt guarda el
	// segundo en que se estampó la expiración de ese único fetch.
	already := false
	var stampedAt int64

	filePath := m.idx.PathFor(rawURL)

	if filePath == "" {
		// Cold miss: cualquier resto viejo se desaloja antes de bajar.
		m.remove(rawURL)

		filePath = filepath.Join(m.keysDir, basename(rawURL))

		meta, err := m.fetcher.Fetch(ctx, rawURL, filePath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", passport.ErrFetchFailed, err)
		}
		stampedAt = m.record(rawURL, filePath, meta)
		already = true
		log.Debug("cold miss, clave descargada", logger.URL(rawURL), logger.KeyPath(filePath))
	}

	// Chequeo de frescura.
	if m.expired(rawURL, already, stampedAt) {
		m.remove(rawURL)

		if already {
			log.Error("clave recién descargada ya vencida", logger.URL(rawURL))
			return "", fmt.Errorf("%w: %s", passport.ErrExpired, rawURL)
		}

		log.Debug("clave vencida, re-fetch", logger.URL(rawURL))
		meta, err := m.fetcher.Fetch(ctx, rawURL, filePath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", passport.ErrFetchFailed, err)
		}
		stampedAt = m.record(rawURL, filePath, meta)
		already = true

		if m.expired(rawURL, already, stampedAt) {
			m.remove(rawURL)
			return "", fmt.Errorf("%w: %s", passport.ErrExpired, rawURL)
		}
	}

	// Primer intento de parseo. Si falla, un único re-fetch y re-parseo.
	if _, err := parseKeyFile(filePath); err != nil {
		m.remove(rawURL)

		if already {
			return "", fmt.Errorf("%w: %s: %v", passport.ErrKeyUnreadable, filePath, err)
		}

		log.Debug("clave local ilegible, re-fetch", logger.KeyPath(filePath), logger.Err(err))
		meta, ferr := m.fetcher.Fetch(ctx, rawURL, filePath)
		if ferr != nil {
			return "", fmt.Errorf("%w: %v", passport.ErrFetchFailed, ferr)
		}
		m.record(rawURL, filePath, meta)

		if _, err := parseKeyFile(filePath); err != nil {
			m.remove(rawURL)
			return "", fmt.Errorf("%w: %s: %v", passport.ErrKeyUnreadable, filePath, err)
		}
	}

	m.recent.Add(rawURL, struct{}{})
	return filePath, nil
}

// PublicKey resuelve url a la clave EC parseada, memoizando el parseo hasta
// la expiración de la entrada.
func (m *Manager) PublicKey(ctx context.Context, rawURL string) (*ecdsa.PublicKey, error) {
	filePath, err := m.LocalKeyPath(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if v, ok := m.memo.Get(rawURL); ok {
		return v.(*ecdsa.PublicKey), nil
	}

	key, err := parseKeyFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", passport.ErrKeyUnreadable, filePath, err)
	}

	ttl := time.Until(time.Unix(m.idx.Expiration(rawURL), 0))
	if ttl > 0 {
		m.memo.Set(rawURL, key, ttl)
	}
	return key, nil
}

// URLs enumera las URLs cacheadas.
func (m *Manager) URLs() ([]string, error) {
	return m.idx.URLs()
}

// Evict borra una entrada (índice + archivo) a pedido del operador.
func (m *Manager) Evict(rawURL string) {
	if !m.recent.Remove(rawURL) {
		// No estaba en el LRU (p.ej. sembrada y luego purgada): limpiar igual.
		m.remove(rawURL)
	}
}

// remove borra índice, archivo y memo sin tocar el LRU.
func (m *Manager) remove(rawURL string) {
	m.memo.Delete(rawURL)
	if err := m.idx.Remove(rawURL); err != nil {
		logger.Component("keycache").Warn("no se pudo borrar la entrada del índice",
			logger.URL(rawURL), logger.Err(err))
	}
}

// record registra (url, path) en el índice y estampa la expiración a partir
// de los headers de la descarga. Retorna el "ahora" usado como base.
func (m *Manager) record(rawURL, filePath string, meta *httpfetch.Meta) int64 {
	now := m.Now()

	if err := m.idx.Put(rawURL, filePath); err != nil {
		logger.Component("keycache").Warn("no se pudo registrar la clave en el índice",
			logger.URL(rawURL), logger.Err(err))
	}

	exp := expirationFrom(now, meta)
	if err := m.idx.SetExpiration(rawURL, exp); err != nil {
		logger.Component("keycache").Warn("no se pudo estampar la expiración",
			logger.URL(rawURL), logger.Err(err))
	}
	return now.Unix()
}

// expired decide el chequeo de frescura.
//
// Para entradas preexistentes: vencida si no hay expiración o si
// expiración ≤ ahora. Para la entrada estampada por el fetch de ESTA llamada
// la regla es más fina: "sin headers de frescura" estampa expiración == ahora,
// lo que fuerza re-fetch en la PRÓXIMA llamada pero no falla la actual; sólo
// cuenta como vencida si el server declaró una expiración anterior al fetch.
func (m *Manager) expired(rawURL string, already bool, stampedAt int64) bool {
	exp := m.idx.Expiration(rawURL)
	if exp == 0 {
		return true
	}
	if already {
		return exp < stampedAt
	}
	return exp <= m.Now().Unix()
}

// expirationFrom aplica la regla de estampado: Cache-Control s-maxage
// (preferido) o max-age, si no el header Expires (RFC 1123), si no "ahora".
func expirationFrom(now time.Time, meta *httpfetch.Meta) int64 {
	if meta == nil {
		return now.Unix()
	}

	if meta.CacheControl != "" {
		if n, ok := maxAge(meta.CacheControl); ok {
			return now.Add(time.Duration(n) * time.Second).Unix()
		}
		return now.Unix()
	}

	if meta.Expires != "" {
		for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
			if t, err := time.Parse(layout, meta.Expires); err == nil {
				return t.Unix()
			}
		}
	}

	return now.Unix()
}

// maxAge extrae s-maxage=N (preferido) o max-age=N de un Cache-Control.
func maxAge(cacheControl string) (int64, bool) {
	var fallback int64 = -1
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		name, value, found := strings.Cut(directive, "=")
		if !found {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "s-maxage":
			return n, true
		case "max-age":
			fallback = n
		}
	}
	if fallback >= 0 {
		return fallback, true
	}
	return 0, false
}

// parseKeyFile lee una clave pública EC desde disco. PEM preferido
// (SubjectPublicKeyInfo o certificado); DER crudo como fallback permisivo.
func parseKeyFile(filePath string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if key, err := jwtv5.ParseECPublicKeyFromPEM(raw); err == nil {
		return key, nil
	}

	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("not a PEM or DER public key: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an EC public key (%T)", pub)
	}
	return ec, nil
}

// basename deriva el nombre de archivo local desde la URL: el último
// segmento del path, ignorando query y fragment.
func basename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" && u.Path != "/" {
		if b := path.Base(u.Path); b != "." && b != "/" {
			return b
		}
	}
	// URL sin path utilizable: el digest sirve de nombre estable.
	return keyindex.Digest(rawURL)
}
