package origin

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

const (
	defaultWindow     = 10 * time.Minute
	defaultThreshold  = 5
	defaultBufferSize = 500
	defaultMaxTracked = 10000

	// OverflowKey is the shared counter for origins seen once MaxTracked
	// distinct origins already have counters.
	OverflowKey = "(overflow)"
)

// Options configures a Guard.
type Options struct {
	// Allowed lists exact origins (scheme://host[:port]).
	Allowed []string

	// Window is the sliding window for rejection counting. Default 10m.
	Window time.Duration

	// Threshold is the number of rejections tolerated per origin per window.
	// Rejections beyond it are anomalous. Default 5.
	Threshold int

	// BufferSize bounds the recent event ring. Default 500.
	BufferSize int

	// MaxTracked bounds the number of per-origin counters. Further origins
	// share the OverflowKey counter until Sweep frees space. Default 10000.
	MaxTracked int

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Guard validates Origin headers and keeps recent events for introspection.
//
// Per-origin counters live in a concurrent map so distinct origins never
// contend; the ring buffer and lifetime totals are the only shared state.
type Guard struct {
	allowed    map[string]struct{}
	window     time.Duration
	threshold  int
	maxTracked int
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time

	counters *xsync.MapOf[string, *counter]

	mu   sync.Mutex
	ring []Event
	next int
	full bool

	totals struct {
		accepted, rejected, anomalous atomic.Int64
	}
}

// counter holds the newest rejection timestamps for one origin, oldest first.
// At most threshold+1 are kept: enough to tell whether the window holds more
// than threshold rejections.
type counter struct {
	mu   sync.Mutex
	hits []time.Time
	dead bool // removed from the map by Sweep
}

// NewGuard builds a guard. Allowed entries that fail to normalize are
// skipped and logged.
func NewGuard(opts Options) *Guard {
	g := &Guard{
		allowed:    make(map[string]struct{}, len(opts.Allowed)),
		window:     opts.Window,
		threshold:  opts.Threshold,
		maxTracked: opts.MaxTracked,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		counters:   xsync.NewMapOf[string, *counter](),
	}
	if g.window <= 0 {
		g.window = defaultWindow
	}
	if g.threshold < 1 {
		g.threshold = defaultThreshold
	}
	if g.maxTracked < 1 {
		g.maxTracked = defaultMaxTracked
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	size := opts.BufferSize
	if size < 1 {
		size = defaultBufferSize
	}
	g.ring = make([]Event, size)

	for _, raw := range opts.Allowed {
		normalized, err := Normalize(raw)
		if err != nil {
			g.logger.Warn("ignoring malformed allowed origin", zap.String("origin", raw))
			continue
		}
		g.allowed[normalized] = struct{}{}
	}
	return g
}

// Allowed reports whether origin is on the allow-list without recording an
// event. It backs the CORS response headers.
func (g *Guard) Allowed(origin string) bool {
	normalized, err := Normalize(origin)
	if err != nil {
		return false
	}
	_, ok := g.allowed[normalized]
	return ok
}

// Validate classifies origin and records exactly one event for it.
func (g *Guard) Validate(origin, remoteAddr, userAgent string) Decision {
	now := g.now()

	normalized, err := Normalize(origin)
	if err == nil {
		if _, ok := g.allowed[normalized]; ok {
			d := Decision{Allow: true, Type: EventAccepted, Reason: ReasonAllowed, Origin: normalized}
			g.record(d, now, remoteAddr, userAgent)
			return d
		}
	}

	key, reason := normalized, ReasonNotAllowed
	if err != nil {
		key, reason = truncate(origin), ReasonMalformed
	}

	d := Decision{Type: EventRejected, Reason: reason, Origin: key}
	if g.countRejection(key, now) > g.threshold {
		d.Type = EventAnomalous
	}
	g.record(d, now, remoteAddr, userAgent)
	return d
}

// countRejection adds a rejection for key and returns the number of
// rejections in the window, capped at threshold+1.
func (g *Guard) countRejection(key string, now time.Time) int {
	for {
		c := g.counterFor(key)
		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		c.prune(now, g.window)
		if len(c.hits) > g.threshold {
			c.hits = append(c.hits[:0], c.hits[len(c.hits)-g.threshold:]...)
		}
		c.hits = append(c.hits, now)
		n := len(c.hits)
		c.mu.Unlock()
		return n
	}
}

// counterFor returns key's counter, or the overflow counter when key is new
// and MaxTracked origins are already tracked.
func (g *Guard) counterFor(key string) *counter {
	if c, ok := g.counters.Load(key); ok {
		return c
	}
	if g.counters.Size() >= g.maxTracked {
		key = OverflowKey
	}
	c, _ := g.counters.LoadOrCompute(key, func() *counter { return &counter{} })
	return c
}

// prune drops hits that left the window. Callers hold c.mu.
func (c *counter) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.hits) && !c.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.hits = append(c.hits[:0], c.hits[i:]...)
	}
}

func (g *Guard) record(d Decision, now time.Time, remoteAddr, userAgent string) {
	ev := Event{
		Origin:     d.Origin,
		Type:       d.Type,
		Reason:     d.Reason,
		Timestamp:  now,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
	}

	g.mu.Lock()
	g.ring[g.next] = ev
	g.next = (g.next + 1) % len(g.ring)
	if g.next == 0 {
		g.full = true
	}
	g.mu.Unlock()

	fields := []zap.Field{
		zap.String("origin", ev.Origin),
		zap.String("type", string(ev.Type)),
		zap.String("reason", ev.Reason),
		zap.String("remote_addr", remoteAddr),
		zap.String("user_agent", userAgent),
	}
	switch d.Type {
	case EventAccepted:
		g.totals.accepted.Add(1)
		g.logger.Info("origin accepted", fields...)
	case EventRejected:
		g.totals.rejected.Add(1)
		g.logger.Warn("origin rejected", fields...)
	case EventAnomalous:
		g.totals.anomalous.Add(1)
		g.logger.Warn("anomalous origin activity", append(fields, zap.String("detail", ReasonThresholdExceeded))...)
	}
	g.metrics.OriginEvent(string(d.Type))
}

// Recent returns up to n events, newest first. With redact set the caller
// address and user agent are removed.
func (g *Guard) Recent(n int, redact bool) []Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	size := g.next
	if g.full {
		size = len(g.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (g.next - 1 - i + len(g.ring)) % len(g.ring)
		ev := g.ring[idx]
		if redact {
			ev = ev.redacted()
		}
		out = append(out, ev)
	}
	return out
}

// Stats summarizes guard activity.
type Stats struct {
	Window    string           `json:"window"`
	InWindow  map[string]int   `json:"in_window"`
	Lifetime  map[string]int64 `json:"lifetime"`
	Flagged   []FlaggedOrigin  `json:"flagged_origins"`
	Threshold int              `json:"anomaly_threshold"`
}

// FlaggedOrigin is an origin whose rejections in the window exceed the
// threshold. Rejections is capped at threshold+1.
type FlaggedOrigin struct {
	Origin     string `json:"origin"`
	Rejections int    `json:"rejections"`
}

// Stats returns counts by type over the window (as far as the ring buffer
// reaches), lifetime totals and the currently flagged origins.
func (g *Guard) Stats() Stats {
	now := g.now()
	cutoff := now.Add(-g.window)

	inWindow := map[string]int{
		string(EventAccepted):  0,
		string(EventRejected):  0,
		string(EventAnomalous): 0,
	}
	for _, ev := range g.Recent(0, true) {
		if ev.Timestamp.After(cutoff) {
			inWindow[string(ev.Type)]++
		}
	}

	var flagged []FlaggedOrigin
	g.counters.Range(func(key string, c *counter) bool {
		c.mu.Lock()
		c.prune(now, g.window)
		n := len(c.hits)
		c.mu.Unlock()
		if n > g.threshold {
			flagged = append(flagged, FlaggedOrigin{Origin: key, Rejections: n})
		}
		return true
	})
	sort.Slice(flagged, func(i, j int) bool {
		if flagged[i].Rejections != flagged[j].Rejections {
			return flagged[i].Rejections > flagged[j].Rejections
		}
		return flagged[i].Origin < flagged[j].Origin
	})
	if flagged == nil {
		flagged = []FlaggedOrigin{}
	}

	return Stats{
		Window:   g.window.String(),
		InWindow: inWindow,
		Lifetime: map[string]int64{
			string(EventAccepted):  g.totals.accepted.Load(),
			string(EventRejected):  g.totals.rejected.Load(),
			string(EventAnomalous): g.totals.anomalous.Load(),
		},
		Flagged:   flagged,
		Threshold: g.threshold,
	}
}

// Sweep removes counters with no rejections left in the window and returns
// how many were removed.
func (g *Guard) Sweep() int {
	now := g.now()
	removed := 0
	g.counters.Range(func(key string, c *counter) bool {
		c.mu.Lock()
		c.prune(now, g.window)
		if len(c.hits) == 0 {
			c.dead = true
			g.counters.Delete(key)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Tracked returns the number of live counters, the overflow counter included.
func (g *Guard) Tracked() int {
	return g.counters.Size()
}

// Run sweeps idle counters every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("swept idle origin counters", zap.Int("removed", n))
			}
		}
	}
}

func truncate(s string) string {
	if len(s) > maxOriginLength {
		return s[:maxOriginLength]
	}
	return s
}
