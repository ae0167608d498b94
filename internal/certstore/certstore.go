// Package certstore mantiene los certificados de firma locales y su lookup
// por número originante.
//
// Dos fuentes, combinables:
//   - entradas explícitas "certificates" de la configuración
//   - un directorio "store.path": cada *.pem / *.key es un certificado cuyo
//     caller id es el nombre del archivo sin extensión, con la URL pública
//     derivada del template store.public_key_url (${CERTIFICATE} se expande
//     con ese mismo nombre)
//
// Las claves privadas pueden estar cifradas en reposo con la clave maestra
// del servicio (envelope AES-GCM, ver internal/secretbox).
package certstore

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/shakend/internal/config"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
	"github.com/dropDatabas3/shakend/internal/secretbox"
)

// CertificatePlaceholder es la variable del template store.public_key_url.
const CertificatePlaceholder = "${CERTIFICATE}"

// Certificate es un certificado de firma cargado y listo para usar.
type Certificate struct {
	callerID     string
	path         string
	publicKeyURL string
	attest       string
	key          *ecdsa.PrivateKey
}

// CallerID retorna el número originante que firma con este certificado.
func (c *Certificate) CallerID() string { return c.callerID }

// Path retorna el path del archivo de clave privada.
func (c *Certificate) Path() string { return c.path }

// PublicKeyURL retorna la URL pública (x5u) de este certificado.
func (c *Certificate) PublicKeyURL() string { return c.publicKeyURL }

// PrivateKey retorna la clave privada EC P-256.
func (c *Certificate) PrivateKey() *ecdsa.PrivateKey { return c.key }

// Attest retorna el override de atestación del certificado, o "".
func (c *Certificate) Attest() string { return c.attest }

// Store es el registro de certificados. Seguro para lectura concurrente;
// Reload reemplaza el set completo de forma atómica.
type Store struct {
	mu       sync.RWMutex
	byCaller map[string]*Certificate

	storeCfg config.Config
}

// New carga los certificados desde la configuración dada.
func New(cfg *config.Config) (*Store, error) {
	s := &Store{storeCfg: *cfg}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-escanea configuración y directorio, y reemplaza el set en
// memoria. Un certificado ilegible aborta el reload completo (el set
// anterior queda vigente).
func (s *Store) Reload() error {
	log := logger.Component("certstore")

	loaded := make(map[string]*Certificate)

	for i, cc := range s.storeCfg.Certificates {
		cert, err := loadCertificate(cc.Path, cc.PublicKeyURL, cc.CallerIDNumber, cc.Attest)
		if err != nil {
			return fmt.Errorf("certstore: certificates[%d] (%s): %w", i, cc.Path, err)
		}
		loaded[cert.callerID] = cert
	}

	if dir := s.storeCfg.Store.Path; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("certstore: read store dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".pem" && ext != ".key" {
				continue
			}
			stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if _, dup := loaded[stem]; dup {
				// Los overrides explícitos ganan sobre el scan del directorio.
				continue
			}
			pubURL := strings.ReplaceAll(s.storeCfg.Store.PublicKeyURL, CertificatePlaceholder, stem)
			if pubURL == "" {
				log.Warn("certificado del store sin public_key_url template, salteado",
					logger.KeyPath(filepath.Join(dir, e.Name())))
				continue
			}
			cert, err := loadCertificate(filepath.Join(dir, e.Name()), pubURL, stem, "")
			if err != nil {
				return fmt.Errorf("certstore: store cert %s: %w", e.Name(), err)
			}
			loaded[stem] = cert
		}
	}

	s.mu.Lock()
	s.byCaller = loaded
	s.mu.Unlock()

	log.Info("certificados cargados", logger.Count(len(loaded)))
	return nil
}

// LookupByCallerID retorna el certificado para tn, o nil si no hay.
func (s *Store) LookupByCallerID(tn string) *Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byCaller[tn]
}

// All retorna los certificados cargados (para admin/listados).
func (s *Store) All() []*Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Certificate, 0, len(s.byCaller))
	for _, c := range s.byCaller {
		out = append(out, c)
	}
	return out
}

// loadCertificate lee y parsea una clave privada EC desde disco.
// Si el archivo no es PEM se asume el envelope cifrado de secretbox.
func loadCertificate(path, publicKeyURL, callerID, attest string) (*Certificate, error) {
	if callerID == "" {
		return nil, fmt.Errorf("caller_id_number requerido")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	pemBytes := raw
	if !strings.Contains(string(raw), "-----BEGIN") {
		plain, err := secretbox.Decrypt(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decrypt envelope: %w", err)
		}
		pemBytes = plain
	}

	key, err := jwtv5.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}

	return &Certificate{
		callerID:     callerID,
		path:         path,
		publicKeyURL: publicKeyURL,
		attest:       attest,
		key:          key,
	}, nil
}
