// Package config carga la configuración YAML del servicio.
//
// El layout replica los objetos de configuración clásicos de STIR/SHAKEN:
// un bloque "general", un bloque "store" (directorio de certificados) y una
// lista de "certificates" con overrides por certificado.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CertificateConfig es la configuración de un certificado individual.
type CertificateConfig struct {
	// Path al PEM con la clave privada EC (P-256).
	Path string `yaml:"path"`
	// PublicKeyURL es la URL pública (x5u) publicada para este certificado.
	PublicKeyURL string `yaml:"public_key_url"`
	// CallerIDNumber es el número originante que firma con este certificado.
	CallerIDNumber string `yaml:"caller_id_number"`
	// Attest permite sobreescribir el nivel de atestación para este certificado.
	Attest string `yaml:"attest"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		// dev | prod
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	General struct {
		// CAFile / CAPath: anchors X.509 reservados. La validación de cadena
		// de confianza no está implementada todavía.
		CAFile string `yaml:"ca_file"`
		CAPath string `yaml:"ca_path"`

		// CacheMaxSize limita cuántas claves públicas remotas se retienen.
		// Al superarlo se desaloja por LRU (entrada del índice + archivo).
		CacheMaxSize int `yaml:"cache_max_size"`

		// CurlTimeout es el timeout por descarga, en segundos.
		CurlTimeout int `yaml:"curl_timeout"`

		// DataDir es el directorio base; las claves descargadas van a
		// <data_dir>/keys/stir_shaken/.
		DataDir string `yaml:"data_dir"`

		// Attest es el nivel de atestación por defecto (A|B|C).
		Attest string `yaml:"attest"`

		// Origid / OrigidMode controlan el claim origid:
		//   static: usa el valor de origid tal cual
		//   uuid:   genera un UUIDv4 por firma
		Origid     string `yaml:"origid"`
		OrigidMode string `yaml:"origid_mode"`

		// IATMode controla el claim iat:
		//   legacy:  sec + usec/1000 (comportamiento histórico; mezcla
		//            segundos con milisegundos — pendiente de revisión
		//            con los dueños del protocolo)
		//   seconds: Unix seconds
		IATMode string `yaml:"iat_mode"`

		// DedupeFetch habilita el colapso de descargas concurrentes de la
		// misma URL (singleflight). La corrección no depende de esto.
		DedupeFetch bool `yaml:"dedupe_fetch"`
	} `yaml:"general"`

	Index struct {
		// bolt | redis
		Driver string `yaml:"driver"`
		Bolt   struct {
			Path string `yaml:"path"`
		} `yaml:"bolt"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"index"`

	Store struct {
		// Path a un directorio con certificados (*.pem / *.key).
		Path string `yaml:"path"`
		// PublicKeyURL es un template con la variable ${CERTIFICATE},
		// expandida con el nombre de cada archivo del directorio.
		// Ej: https://certs.example.com/${CERTIFICATE}.pub
		PublicKeyURL string `yaml:"public_key_url"`
	} `yaml:"store"`

	Certificates []CertificateConfig `yaml:"certificates"`
}

// Load lee el YAML en path, expande variables de entorno y aplica defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Expansión ${VAR} antes del parseo. ${CERTIFICATE} no es una variable de
	// entorno sino el placeholder del template de store.public_key_url:
	// se protege antes de expandir y se restaura después.
	const certGuard = "\x00CERTIFICATE\x00"
	guarded := strings.ReplaceAll(string(raw), "${CERTIFICATE}", certGuard)
	expanded := strings.ReplaceAll(os.ExpandEnv(guarded), certGuard, "${CERTIFICATE}")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default retorna una configuración con todos los defaults aplicados.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8085"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.General.CacheMaxSize <= 0 {
		c.General.CacheMaxSize = 1000
	}
	if c.General.CurlTimeout <= 0 {
		c.General.CurlTimeout = 2
	}
	if c.General.DataDir == "" {
		c.General.DataDir = "./data"
	}
	if c.General.Attest == "" {
		c.General.Attest = "B"
	}
	if c.General.Origid == "" {
		c.General.Origid = "shakend"
	}
	if c.General.OrigidMode == "" {
		c.General.OrigidMode = "static"
	}
	if c.General.IATMode == "" {
		c.General.IATMode = "legacy"
	}
	if c.Index.Driver == "" {
		c.Index.Driver = "bolt"
	}
	if c.Index.Bolt.Path == "" {
		c.Index.Bolt.Path = filepath.Join(c.General.DataDir, "shakend.db")
	}
	if c.Index.Redis.Prefix == "" {
		c.Index.Redis.Prefix = "shakend"
	}
}

func (c *Config) validate() error {
	switch c.Index.Driver {
	case "bolt", "redis":
	default:
		return fmt.Errorf("config: index.driver desconocido %q (bolt|redis)", c.Index.Driver)
	}
	switch c.General.OrigidMode {
	case "static", "uuid":
	default:
		return fmt.Errorf("config: general.origid_mode desconocido %q (static|uuid)", c.General.OrigidMode)
	}
	switch c.General.IATMode {
	case "legacy", "seconds":
	default:
		return fmt.Errorf("config: general.iat_mode desconocido %q (legacy|seconds)", c.General.IATMode)
	}
	switch c.General.Attest {
	case "A", "B", "C":
	default:
		return fmt.Errorf("config: general.attest inválido %q (A|B|C)", c.General.Attest)
	}
	if c.Store.PublicKeyURL != "" && !strings.Contains(c.Store.PublicKeyURL, "${CERTIFICATE}") {
		return fmt.Errorf("config: store.public_key_url debe contener ${CERTIFICATE}")
	}
	for i, cert := range c.Certificates {
		if cert.Path == "" {
			return fmt.Errorf("config: certificates[%d].path es requerido", i)
		}
		if cert.PublicKeyURL == "" {
			return fmt.Errorf("config: certificates[%d].public_key_url es requerido", i)
		}
	}
	return nil
}

// CurlTimeoutDuration retorna el timeout de descarga como time.Duration.
func (c *Config) CurlTimeoutDuration() time.Duration {
	return time.Duration(c.General.CurlTimeout) * time.Second
}

// KeysDir retorna el directorio de claves descargadas:
// <data_dir>/keys/stir_shaken.
func (c *Config) KeysDir() string {
	return filepath.Join(c.General.DataDir, "keys", "stir_shaken")
}
