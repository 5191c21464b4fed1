package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/auth"
)

// mockSource returns fixed grants per group and counts calls.
type mockSource struct {
	mu       sync.Mutex
	byGroup  map[string][]Grant
	calls    int
	failures int // remaining calls to fail
	delay    time.Duration
}

func (m *mockSource) Name() string { return "mock" }

func (m *mockSource) Grants(ctx context.Context, p auth.Principal) ([]Grant, error) {
	m.mu.Lock()
	m.calls++
	fail := m.failures > 0
	if fail {
		m.failures--
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("policy store unavailable")
	}

	var out []Grant
	for _, g := range p.Groups {
		out = append(out, m.byGroup[g]...)
	}
	return out, nil
}

func (m *mockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newMockSource() *mockSource {
	return &mockSource{byGroup: map[string][]Grant{
		"dba-team":    {{Group: "dba-team", Permission: "execute_operations", Effect: EffectAllow}, {Group: "dba-team", Permission: "view_*", Effect: EffectAllow}},
		"contractors": {{Group: "contractors", Permission: "execute_operations", Effect: EffectDeny}},
		"admins":      {{Group: "admins", Permission: "*", Effect: EffectAllow}},
	}}
}

func principal(sub string, groups ...string) auth.Principal {
	return auth.Principal{Subject: sub, Groups: groups}
}

func TestDecide(t *testing.T) {
	grants := []Grant{
		{Group: "a", Permission: "view_*", Effect: EffectAllow},
		{Group: "b", Permission: "view_costs", Effect: EffectDeny},
		{Group: "c", Permission: "", Effect: EffectAllow},
	}

	assert.True(t, Decide(grants, "view_instances"))
	assert.False(t, Decide(grants, "view_costs"), "deny wins over a wildcard allow")
	assert.False(t, Decide(grants, "approve_request"))
	assert.False(t, Decide(nil, "view_instances"))
	assert.Len(t, Matching(grants, "view_costs"), 2)
}

func TestParseEffect(t *testing.T) {
	assert.Equal(t, EffectAllow, ParseEffect(" Allow "))
	assert.Equal(t, EffectDeny, ParseEffect("deny"))
	assert.Equal(t, EffectDeny, ParseEffect("alow"), "typos never widen access")
}

func TestResolver_AuthorizeIsCached(t *testing.T) {
	source := newMockSource()
	r := NewResolver(source, ResolverOptions{CacheTTL: time.Minute})
	p := principal("user-1", "dba-team")

	for i := 0; i < 5; i++ {
		allowed, err := r.Authorize(context.Background(), p, "execute_operations")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := r.Authorize(context.Background(), p, "approve_request")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, 1, source.callCount())
}

func TestResolver_DenyWinsAcrossGroups(t *testing.T) {
	r := NewResolver(newMockSource(), ResolverOptions{})

	allowed, err := r.Authorize(context.Background(), principal("user-2", "contractors", "dba-team"), "execute_operations")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = r.Authorize(context.Background(), principal("user-3", "admins"), "manage_users")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestResolver_NoGroupsNoPermissions(t *testing.T) {
	r := NewResolver(newMockSource(), ResolverOptions{})

	allowed, err := r.Authorize(context.Background(), principal("user-4"), "view_instances")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestResolver_RetriesOnceThenSucceeds(t *testing.T) {
	source := newMockSource()
	source.failures = 1
	r := NewResolver(source, ResolverOptions{RetryDelay: -1})

	allowed, err := r.Authorize(context.Background(), principal("user-1", "dba-team"), "execute_operations")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, source.callCount())
}

func TestResolver_SourceFailureFailsClosed(t *testing.T) {
	source := newMockSource()
	source.failures = 2
	r := NewResolver(source, ResolverOptions{RetryDelay: -1})
	p := principal("user-1", "dba-team")

	allowed, err := r.Authorize(context.Background(), p, "execute_operations")
	assert.False(t, allowed)
	require.Error(t, err)
	assert.Equal(t, apierr.KindUpstreamUnavailable, apierr.KindOf(err))

	// Failures are not cached: the next call reaches the source again.
	allowed, err = r.Authorize(context.Background(), p, "execute_operations")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 3, source.callCount())
}

func TestResolver_LookupTimeout(t *testing.T) {
	source := newMockSource()
	source.delay = time.Second
	r := NewResolver(source, ResolverOptions{LookupTimeout: 20 * time.Millisecond, RetryDelay: -1})

	_, err := r.Authorize(context.Background(), principal("user-1", "dba-team"), "execute_operations")
	assert.Equal(t, apierr.KindUpstreamUnavailable, apierr.KindOf(err))
	assert.Equal(t, 2, source.callCount())
}

func TestResolver_ConcurrentMissesShareOneLookup(t *testing.T) {
	source := newMockSource()
	source.delay = 50 * time.Millisecond
	r := NewResolver(source, ResolverOptions{})
	p := principal("user-1", "dba-team")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := r.Authorize(context.Background(), p, "view_instances")
			assert.NoError(t, err)
			assert.True(t, allowed)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, source.callCount())
}

func TestResolver_InvalidateAndPurge(t *testing.T) {
	source := newMockSource()
	r := NewResolver(source, ResolverOptions{})
	alice := principal("alice", "dba-team")
	bob := principal("bob", "dba-team")

	_, _ = r.Authorize(context.Background(), alice, "view_instances")
	_, _ = r.Authorize(context.Background(), bob, "view_instances")
	require.Equal(t, 2, source.callCount())

	r.Invalidate("alice")
	_, _ = r.Authorize(context.Background(), alice, "view_instances")
	_, _ = r.Authorize(context.Background(), bob, "view_instances")
	assert.Equal(t, 3, source.callCount())

	r.Purge()
	_, _ = r.Authorize(context.Background(), bob, "view_instances")
	assert.Equal(t, 4, source.callCount())
}

func TestResolver_TTLExpiry(t *testing.T) {
	source := newMockSource()
	r := NewResolver(source, ResolverOptions{CacheTTL: 30 * time.Millisecond})
	p := principal("user-1", "dba-team")

	_, _ = r.Authorize(context.Background(), p, "view_instances")
	assert.Eventually(t, func() bool {
		_, _ = r.Authorize(context.Background(), p, "view_instances")
		return source.callCount() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestResolver_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	source := newMockSource()
	source.delay = 150 * time.Millisecond
	r := NewResolver(source, ResolverOptions{})
	p := principal("user-1", "dba-team")

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Authorize(ctxA, p, "execute_operations")
		errA <- err
	}()
	require.Eventually(t, func() bool { return source.callCount() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		allowed bool
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		allowed, err := r.Authorize(context.Background(), p, "execute_operations")
		resB <- result{allowed, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelA()

	err := <-errA
	require.Error(t, err)
	assert.Equal(t, apierr.KindUpstreamUnavailable, apierr.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	b := <-resB
	require.NoError(t, b.err)
	assert.True(t, b.allowed)
	assert.Equal(t, 1, source.callCount(), "both callers shared one source call")

	// The detached lookup completed and was cached.
	_, err = r.Authorize(context.Background(), p, "execute_operations")
	require.NoError(t, err)
	assert.Equal(t, 1, source.callCount())
}

func TestResolver_LookupFinishingAfterPurgeIsNotCached(t *testing.T) {
	source := newMockSource()
	source.delay = 100 * time.Millisecond
	r := NewResolver(source, ResolverOptions{})
	p := principal("user-1", "dba-team")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Authorize(context.Background(), p, "view_instances")
	}()
	require.Eventually(t, func() bool { return source.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Reload(context.Background()))
	<-done

	_, err := r.Authorize(context.Background(), p, "view_instances")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount(), "grants from before the reload were not cached")
}
