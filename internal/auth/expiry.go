package auth

import (
	"net/http"
	"strconv"
	"time"
)

// Advisory response headers for sessions close to expiry.
const (
	HeaderSessionExpiring  = "X-Session-Expiring"
	HeaderSessionExpiresIn = "X-Session-Expires-In"
)

// WarningFlag tells the client its token is about to expire.
type WarningFlag struct {
	Expiring  bool
	ExpiresIn time.Duration
}

// CheckExpiry reports whether p's token expires within window of now.
// It never fails: an expired token cannot reach this point.
func CheckExpiry(p Principal, window time.Duration, now time.Time) WarningFlag {
	remaining := p.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return WarningFlag{
		Expiring:  window > 0 && remaining <= window,
		ExpiresIn: remaining,
	}
}

// Apply writes the advisory headers when the session is expiring.
func (f WarningFlag) Apply(h http.Header) {
	if !f.Expiring {
		return
	}
	h.Set(HeaderSessionExpiring, "true")
	h.Set(HeaderSessionExpiresIn, strconv.FormatInt(int64(f.ExpiresIn/time.Second), 10))
}
