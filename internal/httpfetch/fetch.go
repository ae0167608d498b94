// Package httpfetch descarga claves públicas remotas a disco.
//
// Sólo admite http/https. El body se vuelca en streaming a un temporal del
// mismo directorio y recién el rename lo hace visible: ante cualquier error
// el path destino no queda con un archivo parcial. Captura los headers de
// frescura de la respuesta.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dropDatabas3/shakend/internal/metrics"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

// maxKeySize limita el body aceptado. Una clave pública PEM ocupa cientos de
// bytes; 1 MiB deja margen para cadenas de certificados completas.
const maxKeySize = 1 << 20

// ErrScheme indica una URL con esquema distinto de http/https.
var ErrScheme = errors.New("httpfetch: only http and https URLs are supported")

// Meta son los headers de frescura de una descarga. Vive sólo durante la
// llamada a Fetch.
type Meta struct {
	// CacheControl es el valor del header Cache-Control, si vino.
	CacheControl string
	// Expires es el valor del header Expires, si vino.
	Expires string
}

// Fetcher descarga URLs a paths locales con un timeout duro por descarga.
type Fetcher struct {
	client *http.Client
}

// New crea un fetcher con el timeout dado (límite superior por descarga).
func New(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch descarga el body de rawURL a targetPath (creando directorios padre)
// y retorna los headers de frescura. Timeout, DNS, respuesta no-2xx o error
// de I/O fallan la llamada sin dejar archivo parcial.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, targetPath string) (meta *Meta, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.KeyFetchTotal.WithLabelValues(outcome).Inc()
	}()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w (got %q)", ErrScheme, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: build request: %w", err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("httpfetch: get %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	written, err := saveKey(targetPath, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: save %s: %w", targetPath, err)
	}

	metrics.KeyFetchDuration.Observe(time.Since(start).Seconds())
	logger.Component("httpfetch").Debug("clave descargada",
		logger.URL(rawURL),
		logger.KeyPath(targetPath),
		logger.Duration(time.Since(start)),
		logger.Int64("bytes", written))

	return &Meta{
		CacheControl: resp.Header.Get("Cache-Control"),
		Expires:      resp.Header.Get("Expires"),
	}, nil
}

// saveKey vuelca el body a targetPath sin dejar nunca un archivo parcial:
// copia en streaming a un temporal .fetch-* del mismo directorio, con el
// tope de tamaño aplicado durante la copia, y el rename final pisa
// atómicamente la clave anterior si la había.
func saveKey(targetPath string, body io.Reader) (int64, error) {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	n, err := io.Copy(tmp, io.LimitReader(body, maxKeySize+1))
	if err != nil {
		return 0, fmt.Errorf("copy body: %w", err)
	}
	if n > maxKeySize {
		return 0, fmt.Errorf("body exceeds %d bytes", maxKeySize)
	}

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return 0, fmt.Errorf("chmod temp: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}
