package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// testIdP is a minimal identity provider publishing a mutable JWKS.
type testIdP struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	published []string
	fail      bool
	delay     time.Duration

	jwksFetches atomic.Int32
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	idp := &testIdP{t: t, keys: map[string]*rsa.PrivateKey{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   idp.server.URL,
			"jwks_uri": idp.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		idp.jwksFetches.Add(1)

		idp.mu.Lock()
		fail, delay := idp.fail, idp.delay
		set := jose.JSONWebKeySet{}
		for _, kid := range idp.published {
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       &idp.keys[kid].PublicKey,
				KeyID:     kid,
				Algorithm: "RS256",
				Use:       "sig",
			})
		}
		idp.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *testIdP) URL() string     { return idp.server.URL }
func (idp *testIdP) JWKSURL() string { return idp.server.URL + "/jwks" }

// publish generates a key for kid (once) and adds it to the served set.
func (idp *testIdP) publish(kid string) *rsa.PrivateKey {
	idp.t.Helper()
	idp.mu.Lock()
	defer idp.mu.Unlock()

	key, ok := idp.keys[kid]
	if !ok {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(idp.t, err)
		idp.keys[kid] = key
	}
	idp.published = append(idp.published, kid)
	return key
}

func (idp *testIdP) setFailing(fail bool) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.fail = fail
}

func (idp *testIdP) setDelay(d time.Duration) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.delay = d
}

func (idp *testIdP) sign(kid string, claims jwt.MapClaims) string {
	idp.t.Helper()
	idp.mu.Lock()
	key := idp.keys[kid]
	idp.mu.Unlock()
	require.NotNil(idp.t, key, "no key generated for kid %s", kid)
	return signRS256(idp.t, key, kid, claims)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
