package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

const (
	defaultKeyFreshness       = time.Hour
	defaultMinRefreshInterval = 30 * time.Second
	defaultFetchTimeout       = 3 * time.Second
	defaultFetchRetryDelay    = 250 * time.Millisecond
	maxJWKSBytes              = 1 << 20
	discoveryPath             = "/.well-known/openid-configuration"
)

// ErrKeyNotFound is returned by GetKey when the key id is not cached.
var ErrKeyNotFound = errors.New("signing key not found")

// SigningKey is a public key published by the identity provider.
type SigningKey struct {
	KeyID     string
	Algorithm string // "alg" member of the JWK, may be empty
	Key       any    // *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey
	FetchedAt time.Time
}

// KeyCache holds the identity provider's signing keys.
//
// Reads take a shared lock and never perform I/O. Refresh fetches the complete
// key set outside any lock and swaps the map atomically; a failed fetch leaves
// the previous keys in place. Concurrent refreshes collapse into one request
// and forced refreshes are rate limited by MinRefreshInterval.
type KeyCache struct {
	issuer       string
	client       *http.Client
	freshness    time.Duration
	minInterval  time.Duration
	fetchTimeout time.Duration
	retryDelay   time.Duration
	now          func() time.Time
	logger       *zap.Logger
	metrics      *telemetry.Metrics

	mu        sync.RWMutex
	jwksURL   string
	keys      map[string]SigningKey
	fetchedAt time.Time

	flight      singleflight.Group
	throttleMu  sync.Mutex
	lastAttempt time.Time
	lastErr     error
}

// KeyCacheOption customises a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithHTTPClient overrides the client used for JWKS and discovery requests.
func WithHTTPClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRefreshPolicy overrides freshness, forced-refresh interval and fetch timeout.
// Zero values keep the defaults.
func WithRefreshPolicy(freshness, minInterval, fetchTimeout time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if freshness > 0 {
			c.freshness = freshness
		}
		if minInterval >= 0 {
			c.minInterval = minInterval
		}
		if fetchTimeout > 0 {
			c.fetchTimeout = fetchTimeout
		}
	}
}

// WithRetryDelay overrides the pause before the single internal fetch retry.
func WithRetryDelay(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		c.retryDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) KeyCacheOption {
	return func(c *KeyCache) {
		c.metrics = m
	}
}

// NewKeyCache creates an empty cache. When jwksURL is empty the URL is
// discovered from the issuer's OpenID configuration on first refresh.
func NewKeyCache(issuer, jwksURL string, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		issuer:       strings.TrimRight(issuer, "/"),
		jwksURL:      jwksURL,
		client:       &http.Client{Timeout: defaultFetchTimeout},
		freshness:    defaultKeyFreshness,
		minInterval:  defaultMinRefreshInterval,
		fetchTimeout: defaultFetchTimeout,
		retryDelay:   defaultFetchRetryDelay,
		now:          time.Now,
		logger:       zap.NewNop(),
		keys:         map[string]SigningKey{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the cached key for kid. It never fetches synchronously:
// unknown ids return ErrKeyNotFound and the caller decides whether to Refresh.
// Keys older than the freshness bound are still returned while a background
// refresh runs.
func (c *KeyCache) GetKey(_ context.Context, kid string) (SigningKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fetchedAt := c.fetchedAt
	c.mu.RUnlock()

	if !ok {
		return SigningKey{}, fmt.Errorf("%w: kid=%q", ErrKeyNotFound, kid)
	}
	if c.now().Sub(fetchedAt) > c.freshness {
		go func() {
			_ = c.Refresh(context.Background())
		}()
	}
	return key, nil
}

// KeyIDs returns the cached key ids.
func (c *KeyCache) KeyIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.keys))
	for kid := range c.keys {
		ids = append(ids, kid)
	}
	return ids
}

// Refresh fetches the key set and replaces the cache.
//
// Concurrent callers share one outbound fetch. Calls arriving within
// MinRefreshInterval of the previous attempt return the previous attempt's
// result without fetching. The fetch itself is detached from ctx so a caller
// disconnect never aborts a refresh other requests are waiting on; ctx only
// bounds how long this caller waits.
func (c *KeyCache) Refresh(ctx context.Context) error {
	ch := c.flight.DoChan("jwks", func() (any, error) {
		c.throttleMu.Lock()
		if !c.lastAttempt.IsZero() && c.now().Sub(c.lastAttempt) < c.minInterval {
			lastErr := c.lastErr
			c.throttleMu.Unlock()
			c.metrics.JWKSRefresh("throttled")
			return nil, lastErr
		}
		c.lastAttempt = c.now()
		c.throttleMu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.Background(), 2*c.fetchTimeout+c.retryDelay)
		defer cancel()
		err := c.refreshWithRetry(fetchCtx)

		c.throttleMu.Lock()
		c.lastErr = err
		c.throttleMu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apierr.E(apierr.KindUpstreamUnavailable, "keycache.refresh", ctx.Err())
	}
}

// refreshWithRetry performs one fetch and, on failure, one retry after a pause.
func (c *KeyCache) refreshWithRetry(ctx context.Context) error {
	err := c.fetchAndSwap(ctx)
	if err == nil {
		return nil
	}
	c.logger.Warn("jwks fetch failed, retrying once", zap.Error(err))

	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apierr.E(apierr.KindUpstreamUnavailable, "keycache.refresh", ctx.Err())
	case <-timer.C:
	}

	if err := c.fetchAndSwap(ctx); err != nil {
		c.logger.Error("jwks refresh failed, keeping previous key set",
			zap.Error(err),
			zap.Int("cached_keys", len(c.KeyIDs())),
		)
		return err
	}
	return nil
}

func (c *KeyCache) fetchAndSwap(ctx context.Context) error {
	jwksURL, err := c.resolveJWKSURL(ctx)
	if err != nil {
		c.metrics.JWKSRefresh("error")
		return apierr.E(apierr.KindUpstreamUnavailable, "keycache.discover", err)
	}

	keys, err := c.fetchKeys(ctx, jwksURL)
	if err != nil {
		c.metrics.JWKSRefresh("error")
		return apierr.E(apierr.KindUpstreamUnavailable, "keycache.fetch", err)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.metrics.JWKSRefresh("ok")
	c.logger.Info("jwks refreshed", zap.Int("keys", len(keys)), zap.String("url", jwksURL))
	return nil
}

func (c *KeyCache) resolveJWKSURL(ctx context.Context) (string, error) {
	c.mu.RLock()
	jwksURL := c.jwksURL
	c.mu.RUnlock()
	if jwksURL != "" {
		return jwksURL, nil
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := c.getJSON(ctx, c.issuer+discoveryPath, &doc); err != nil {
		return "", fmt.Errorf("openid discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("openid discovery: jwks_uri missing")
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != c.issuer {
		return "", fmt.Errorf("openid discovery: issuer mismatch %q", doc.Issuer)
	}

	c.mu.Lock()
	c.jwksURL = doc.JWKSURI
	c.mu.Unlock()
	return doc.JWKSURI, nil
}

func (c *KeyCache) fetchKeys(ctx context.Context, jwksURL string) (map[string]SigningKey, error) {
	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := c.getJSON(ctx, jwksURL, &raw); err != nil {
		return nil, err
	}

	now := c.now()
	keys := make(map[string]SigningKey, len(raw.Keys))
	for _, entry := range raw.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(entry); err != nil {
			// Unsupported key types must not poison the whole set.
			c.logger.Debug("skipping unparseable jwk", zap.Error(err))
			continue
		}
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		keys[jwk.KeyID] = SigningKey{
			KeyID:     jwk.KeyID,
			Algorithm: jwk.Algorithm,
			Key:       jwk.Key,
			FetchedAt: now,
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable signing keys")
	}
	return keys, nil
}

func (c *KeyCache) getJSON(ctx context.Context, url string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJWKSBytes))
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
