package keyindex

// KV es el contrato mínimo de almacenamiento durable que necesita el índice:
// familias opacas de pares clave/valor, con lecturas blandas (ausente => "").
// Cada operación individual es atómica; no hay transacciones entre familias.
type KV interface {
	// Put escribe value bajo (family, key). Debe ser durable antes de que la
	// próxima lectura de la misma operación lógica lo observe.
	Put(family, key, value string) error

	// Get lee (family, key). Ausente o ilegible => "".
	Get(family, key string) string

	// Delete borra (family, key). Ausente no es error.
	Delete(family, key string) error

	// DeleteTree borra la familia completa. Ausente no es error.
	DeleteTree(family string) error

	// Keys enumera las claves de una familia.
	Keys(family string) ([]string, error)

	// Close libera el backend.
	Close() error
}
