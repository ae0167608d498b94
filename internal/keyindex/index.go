// Package keyindex mantiene el vínculo durable URL → {path local, expiración}
// para las claves públicas descargadas. Sobrevive reinicios.
//
// Layout del almacenamiento:
//   - familia inversa "STIR_SHAKEN": url → digest (permite enumerar las URLs
//     conocidas sin escanear cada subtree)
//   - una familia por digest: sub-claves "path" y "expiration"
package keyindex

import (
	"os"
	"strconv"

	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

// ReverseFamily es la familia url → digest.
const ReverseFamily = "STIR_SHAKEN"

const (
	subkeyPath       = "path"
	subkeyExpiration = "expiration"
)

// Index expone las operaciones del índice de claves sobre un KV durable.
// Las lecturas son blandas: ausente => valor cero, nunca error.
type Index struct {
	kv KV
}

// New crea un índice sobre el KV dado.
func New(kv KV) *Index {
	return &Index{kv: kv}
}

// Put registra digest→path y la entrada inversa url→digest.
// No toca la expiración (la estampa el fetch).
func (i *Index) Put(url, path string) error {
	digest := Digest(url)
	if err := i.kv.Put(ReverseFamily, url, digest); err != nil {
		return err
	}
	return i.kv.Put(digest, subkeyPath, path)
}

// PathFor retorna el path local registrado para url, o "" si no hay entrada.
func (i *Index) PathFor(url string) string {
	return i.kv.Get(Digest(url), subkeyPath)
}

// SetExpiration estampa la expiración absoluta (segundos Unix) para url.
func (i *Index) SetExpiration(url string, expiration int64) error {
	return i.kv.Put(Digest(url), subkeyExpiration, strconv.FormatInt(expiration, 10))
}

// Expiration retorna la expiración absoluta para url.
// 0 significa "sin valor o no parseable".
func (i *Index) Expiration(url string) int64 {
	raw := i.kv.Get(Digest(url), subkeyExpiration)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Remove borra la entrada inversa, el subtree del digest y — best effort —
// el archivo apuntado por "path". Que el archivo no exista no es error.
func (i *Index) Remove(url string) error {
	digest := Digest(url)

	if path := i.kv.Get(digest, subkeyPath); path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Component("keyindex").Warn("no se pudo borrar el archivo de clave",
				logger.KeyPath(path), logger.Err(err))
		}
	}

	if err := i.kv.Delete(ReverseFamily, url); err != nil {
		return err
	}
	return i.kv.DeleteTree(digest)
}

// URLs enumera las URLs conocidas (familia inversa).
func (i *Index) URLs() ([]string, error) {
	return i.kv.Keys(ReverseFamily)
}

// Close libera el backend.
func (i *Index) Close() error {
	return i.kv.Close()
}
