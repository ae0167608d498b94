package keyindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	kv, err := NewBoltKV(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func TestIndex_PutAndLookup(t *testing.T) {
	idx := newTestIndex(t)

	const url = "https://ex.test/keys/abc.pub"

	// Lecturas blandas sobre índice vacío.
	require.Equal(t, "", idx.PathFor(url))
	require.EqualValues(t, 0, idx.Expiration(url))

	require.NoError(t, idx.Put(url, "/data/keys/stir_shaken/abc.pub"))
	require.Equal(t, "/data/keys/stir_shaken/abc.pub", idx.PathFor(url))

	// Put no estampa expiración.
	require.EqualValues(t, 0, idx.Expiration(url))

	require.NoError(t, idx.SetExpiration(url, 1900000000))
	require.EqualValues(t, 1900000000, idx.Expiration(url))

	urls, err := idx.URLs()
	require.NoError(t, err)
	require.Equal(t, []string{url}, urls)
}

func TestIndex_ExpirationUnparseable(t *testing.T) {
	kv, err := NewBoltKV(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	idx := New(kv)

	const url = "https://ex.test/keys/abc.pub"

	// Un valor corrupto en el KV se lee como 0 (sin valor).
	require.NoError(t, kv.Put(Digest(url), "expiration", "not-a-number"))
	require.EqualValues(t, 0, idx.Expiration(url))
}

func TestIndex_RemoveUnlinksFile(t *testing.T) {
	idx := newTestIndex(t)

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "abc.pub")
	require.NoError(t, os.WriteFile(keyFile, []byte("key material"), 0644))

	const url = "https://ex.test/keys/abc.pub"
	require.NoError(t, idx.Put(url, keyFile))
	require.NoError(t, idx.SetExpiration(url, 1900000000))

	require.NoError(t, idx.Remove(url))

	// Entrada inversa, subtree y archivo: todo afuera.
	require.Equal(t, "", idx.PathFor(url))
	require.EqualValues(t, 0, idx.Expiration(url))
	urls, err := idx.URLs()
	require.NoError(t, err)
	require.Empty(t, urls)
	_, statErr := os.Stat(keyFile)
	require.True(t, os.IsNotExist(statErr))

	// Remove sobre una entrada inexistente no es error.
	require.NoError(t, idx.Remove(url))
}
