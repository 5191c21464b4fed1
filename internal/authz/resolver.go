package authz

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

const (
	defaultCacheTTL      = 60 * time.Second
	defaultCacheSize     = 10000
	defaultLookupTimeout = 2 * time.Second
	defaultRetryDelay    = 100 * time.Millisecond
)

// Resolver answers "may this principal do this?" using a Source.
//
// A principal's grants are cached for the TTL, keyed by subject and token
// groups. Concurrent misses for the same key share one source call, which is
// detached from any single caller's context. Source failures are never cached
// and surface as KindUpstreamUnavailable so the caller fails closed.
//
// Invalidate, Purge and Reload advance a generation; a lookup that started
// under an older generation returns its result but does not cache it.
type Resolver struct {
	source     Source
	cache      *expirable.LRU[string, []Grant]
	flight     singleflight.Group
	genMu      sync.Mutex // orders generation bumps against cache fills
	generation atomic.Uint64
	timeout    time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// ResolverOptions tunes a Resolver. Zero values use defaults.
type ResolverOptions struct {
	CacheTTL      time.Duration
	CacheSize     int
	LookupTimeout time.Duration
	RetryDelay    time.Duration
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

// NewResolver creates a resolver over source.
func NewResolver(source Source, opts ResolverOptions) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Resolver{
		source:     source,
		cache:      expirable.NewLRU[string, []Grant](opts.CacheSize, nil, opts.CacheTTL),
		timeout:    opts.LookupTimeout,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Source returns the underlying permission source.
func (r *Resolver) Source() Source { return r.source }

// Authorize reports whether principal holds permission.
// A missing permission is (false, nil); a source failure is (false, err).
func (r *Resolver) Authorize(ctx context.Context, principal auth.Principal, permission string) (bool, error) {
	grants, err := r.Grants(ctx, principal)
	if err != nil {
		return false, err
	}
	return Decide(grants, permission), nil
}

// Grants returns the principal's effective grants, from cache when possible.
func (r *Resolver) Grants(ctx context.Context, principal auth.Principal) ([]Grant, error) {
	key := cacheKey(principal)
	if grants, ok := r.cache.Get(key); ok {
		r.metrics.PermissionCacheLookup(true)
		return grants, nil
	}
	r.metrics.PermissionCacheLookup(false)

	gen := r.generation.Load()
	ch := r.flight.DoChan(key+"\x00"+strconv.FormatUint(gen, 10), func() (any, error) {
		grants, err := r.lookup(context.WithoutCancel(ctx), principal)
		if err != nil {
			return nil, err
		}
		r.genMu.Lock()
		if r.generation.Load() == gen {
			r.cache.Add(key, grants)
		}
		r.genMu.Unlock()
		return grants, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Grant), nil
	case <-ctx.Done():
		return nil, apierr.E(apierr.KindUpstreamUnavailable, "authz.grants", ctx.Err())
	}
}

// lookup calls the source with a timeout and retries once after a pause.
// Grants passes a context without cancellation, so only the timeout bounds it.
func (r *Resolver) lookup(ctx context.Context, principal auth.Principal) ([]Grant, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, apierr.E(apierr.KindUpstreamUnavailable, "authz.lookup", ctx.Err())
			case <-timer.C:
			}
		}

		lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
		grants, err := r.source.Grants(lookupCtx, principal)
		cancel()
		if err == nil {
			if grants == nil {
				grants = []Grant{}
			}
			return grants, nil
		}

		lastErr = err
		r.logger.Warn("permission source lookup failed",
			zap.String("source", r.source.Name()),
			zap.String("subject", principal.Subject),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, apierr.E(apierr.KindUpstreamUnavailable, "authz.lookup", lastErr)
}

// Invalidate drops every cached entry for subject.
func (r *Resolver) Invalidate(subject string) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	r.generation.Add(1)
	prefix := subject + "\x00"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

// Purge drops the whole cache.
func (r *Resolver) Purge() {
	r.genMu.Lock()
	r.generation.Add(1)
	r.cache.Purge()
	r.genMu.Unlock()
}

// Reload re-reads the source's policy when it supports it, then purges the cache.
func (r *Resolver) Reload(ctx context.Context) error {
	if reloader, ok := r.source.(Reloader); ok {
		if err := reloader.Reload(ctx); err != nil {
			return err
		}
	}
	r.Purge()
	return nil
}

func cacheKey(p auth.Principal) string {
	return p.Subject + "\x00" + strings.Join(p.Groups, "\x1f")
}
