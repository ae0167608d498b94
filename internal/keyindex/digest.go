package keyindex

import (
	"crypto/sha1"
	"encoding/hex"
)

// Digest deriva el identificador corto y estable de una URL de clave pública:
// SHA-1 de los bytes de la URL, en hex minúscula (40 chars). Se usa como
// clave opaca del índice; no se le exige ninguna propiedad criptográfica.
func Digest(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}
