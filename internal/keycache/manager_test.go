package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/shakend/internal/httpfetch"
	"github.com/dropDatabas3/shakend/internal/keyindex"
	"github.com/dropDatabas3/shakend/internal/passport"
)

// keyServer sirve una clave pública PEM con headers configurables y cuenta
// los fetches.
type keyServer struct {
	mu      sync.Mutex
	pemBody []byte
	headers map[string]string
	fetches atomic.Int64
	srv     *httptest.Server
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ks := &keyServer{headers: map[string]string{"Cache-Control": "max-age=3600"}}
	ks.pemBody = marshalPublicPEM(t, &priv.PublicKey)

	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		ks.mu.Lock()
		for k, v := range ks.headers {
			w.Header().Set(k, v)
		}
		body := ks.pemBody
		ks.mu.Unlock()
		_, _ = w.Write(body)
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) setHeaders(h map[string]string) {
	ks.mu.Lock()
	ks.headers = h
	ks.mu.Unlock()
}

func (ks *keyServer) setBody(b []byte) {
	ks.mu.Lock()
	ks.pemBody = b
	ks.mu.Unlock()
}

func marshalPublicPEM(t *testing.T, pub *ecdsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func newTestManager(t *testing.T, maxSize int) (*Manager, *keyindex.Index) {
	t.Helper()
	kv, err := keyindex.NewBoltKV(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	idx := keyindex.New(kv)

	m, err := New(idx, httpfetch.New(2*time.Second), Config{
		KeysDir: filepath.Join(t.TempDir(), "keys", "stir_shaken"),
		MaxSize: maxSize,
	})
	require.NoError(t, err)
	return m, idx
}

func TestLocalKeyPath_ColdThenWarm(t *testing.T) {
	ks := newKeyServer(t)
	m, idx := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	// Cold miss: exactamente un fetch, índice poblado.
	path, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.EqualValues(t, 1, ks.fetches.Load())
	require.Equal(t, "abc.pub", filepath.Base(path))
	require.Equal(t, path, idx.PathFor(url))
	require.Greater(t, idx.Expiration(url), time.Now().Unix())

	_, err = os.Stat(path)
	require.NoError(t, err)

	// Warm: dentro de la ventana de expiración no hay fetch.
	path2, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.EqualValues(t, 1, ks.fetches.Load())
}

func TestLocalKeyPath_NoFreshnessHeaders(t *testing.T) {
	ks := newKeyServer(t)
	ks.setHeaders(map[string]string{})
	m, _ := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	// Sin Cache-Control ni Expires la llamada actual igual resuelve,
	// con un solo fetch.
	_, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.EqualValues(t, 1, ks.fetches.Load())

	// La próxima llamada ve la entrada vencida y re-baja una vez.
	_, err = m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.EqualValues(t, 2, ks.fetches.Load())
}

func TestLocalKeyPath_StaleTriggersSingleRefetch(t *testing.T) {
	ks := newKeyServer(t)
	m, _ := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	_, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.EqualValues(t, 1, ks.fetches.Load())

	// Avanzar el reloj más allá del max-age.
	m.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.EqualValues(t, 2, ks.fetches.Load(), "exactamente un re-fetch")
}

func TestLocalKeyPath_CorruptedLocalFile(t *testing.T) {
	ks := newKeyServer(t)
	m, _ := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	path, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)

	// Truncar el archivo local: el manager re-baja una vez y re-parsea.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	path2, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.EqualValues(t, 2, ks.fetches.Load())

	_, err = parseKeyFile(path2)
	require.NoError(t, err)
}

func TestLocalKeyPath_DoubleCorruption(t *testing.T) {
	ks := newKeyServer(t)
	m, idx := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	path, err := m.LocalKeyPath(context.Background(), url)
	require.NoError(t, err)

	// Local corrupto y el server también sirve basura: KeyUnreadable y la
	// entrada del índice afuera.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	ks.setBody([]byte("also garbage"))

	_, err = m.LocalKeyPath(context.Background(), url)
	require.ErrorIs(t, err, passport.ErrKeyUnreadable)
	require.Equal(t, "", idx.PathFor(url))
}

func TestLocalKeyPath_LRUEviction(t *testing.T) {
	ks := newKeyServer(t)
	m, idx := newTestManager(t, 2)

	urls := []string{
		ks.srv.URL + "/k1.pub",
		ks.srv.URL + "/k2.pub",
		ks.srv.URL + "/k3.pub",
	}

	var firstPath string
	for i, u := range urls {
		p, err := m.LocalKeyPath(context.Background(), u)
		require.NoError(t, err)
		if i == 0 {
			firstPath = p
		}
	}

	// Con max 2, la URL más vieja se desalojó: índice y archivo afuera.
	require.Equal(t, "", idx.PathFor(urls[0]))
	_, statErr := os.Stat(firstPath)
	require.True(t, os.IsNotExist(statErr))

	require.NotEqual(t, "", idx.PathFor(urls[1]))
	require.NotEqual(t, "", idx.PathFor(urls[2]))
}

func TestPublicKey_ParsesAndMemoizes(t *testing.T) {
	ks := newKeyServer(t)
	m, _ := newTestManager(t, 10)
	url := ks.srv.URL + "/abc.pub"

	k1, err := m.PublicKey(context.Background(), url)
	require.NoError(t, err)
	require.NotNil(t, k1)

	k2, err := m.PublicKey(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.EqualValues(t, 1, ks.fetches.Load())
}

func TestExpirationFrom_Precedence(t *testing.T) {
	now := time.Unix(1700000000, 0)

	cases := []struct {
		name string
		meta *httpfetch.Meta
		want int64
	}{
		{"sin meta", nil, now.Unix()},
		{"sin headers", &httpfetch.Meta{}, now.Unix()},
		{"max-age", &httpfetch.Meta{CacheControl: "max-age=300"}, now.Unix() + 300},
		{"s-maxage preferido", &httpfetch.Meta{CacheControl: "s-maxage=600, max-age=300"}, now.Unix() + 600},
		{"orden inverso", &httpfetch.Meta{CacheControl: "max-age=300, s-maxage=600"}, now.Unix() + 600},
		{"cache-control sin max-age", &httpfetch.Meta{CacheControl: "no-store"}, now.Unix()},
		{
			"expires rfc1123",
			&httpfetch.Meta{Expires: "Fri, 01 Jan 2100 00:00:00 GMT"},
			time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		},
		{
			// Cache-Control presente gana sobre Expires aunque no traiga max-age.
			"cache-control gana",
			&httpfetch.Meta{CacheControl: "private", Expires: "Fri, 01 Jan 2100 00:00:00 GMT"},
			now.Unix(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, expirationFrom(now, tc.meta))
		})
	}
}

func TestMaxAge_Parsing(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
		ok   bool
	}{
		{"max-age=60", 60, true},
		{"s-maxage=90", 90, true},
		{"public, max-age=120", 120, true},
		{"max-age=abc", 0, false},
		{"no-cache", 0, false},
	} {
		n, ok := maxAge(tc.in)
		if ok != tc.ok || n != tc.want {
			t.Errorf("maxAge(%q) = (%d, %v), want (%d, %v)", tc.in, n, ok, tc.want, tc.ok)
		}
	}
}

func TestBasename(t *testing.T) {
	require.Equal(t, "abc.pub", basename("https://ex.test/keys/abc.pub"))
	require.Equal(t, "abc.pub", basename("https://ex.test/keys/abc.pub?v=2"))
	// Sin path utilizable cae al digest.
	require.Equal(t, keyindex.Digest("https://ex.test/"), basename("https://ex.test/"))
}
