// Package apierr defines the gatekeeper's error taxonomy and its mapping onto
// HTTP responses.
//
// Every rejection the pipeline produces carries a Kind. The Kind decides the
// status code and the machine-readable code returned to the caller; the wrapped
// error is only ever logged or audited, never written to the response.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies a gatekeeper failure.
type Kind int

const (
	// KindUnknown is the zero value; it maps to 500.
	KindUnknown Kind = iota
	// KindUnauthenticated is a missing or unparseable bearer token.
	KindUnauthenticated
	// KindTokenExpired is a verified token whose exp is not in the future.
	KindTokenExpired
	// KindInvalidToken covers signature, algorithm, issuer and audience failures.
	KindInvalidToken
	// KindUnknownKey is a token referencing a key id the IdP does not publish.
	KindUnknownKey
	// KindForbidden is an authenticated caller lacking the required permission.
	KindForbidden
	// KindOriginRejected is a browser request from an origin outside the allow-list.
	KindOriginRejected
	// KindUpstreamUnavailable is a key endpoint or policy source failure (fail-closed).
	KindUpstreamUnavailable
	// KindNotFound is a request that matches no configured route.
	KindNotFound
	// KindBadGateway is a failed call to the downstream operations service.
	KindBadGateway
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindTokenExpired:
		return "token_expired"
	case KindInvalidToken:
		return "invalid_token"
	case KindUnknownKey:
		return "unknown_key"
	case KindForbidden:
		return "forbidden"
	case KindOriginRejected:
		return "origin_rejected"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindNotFound:
		return "not_found"
	case KindBadGateway:
		return "bad_gateway"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated, KindTokenExpired, KindInvalidToken, KindUnknownKey:
		return http.StatusUnauthorized
	case KindForbidden, KindOriginRejected:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code exposed to clients. Unknown-key
// failures are reported as invalid_token so callers cannot enumerate key ids.
func (k Kind) Code() string {
	if k == KindUnknownKey {
		return KindInvalidToken.String()
	}
	return k.String()
}

// Message returns the generic, client-safe message for the kind.
func (k Kind) Message() string {
	switch k {
	case KindUnauthenticated:
		return "authentication required"
	case KindTokenExpired:
		return "token expired"
	case KindInvalidToken, KindUnknownKey:
		return "invalid token"
	case KindForbidden:
		return "forbidden"
	case KindOriginRejected:
		return "origin not allowed"
	case KindUpstreamUnavailable:
		return "service temporarily unavailable"
	case KindNotFound:
		return "not found"
	case KindBadGateway:
		return "downstream service unavailable"
	default:
		return "internal error"
	}
}

// Error is a classified gatekeeper error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "keycache.refresh"
	Err  error
}

// E constructs a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, apierr.E(apierr.KindForbidden, "", nil)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

type body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Write renders err as a generic JSON error response.
func Write(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	switch {
	case kind == KindUnauthenticated:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case kind.Status() == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer error="`+kind.Code()+`"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(body{Error: kind.Message(), Code: kind.Code()})
}
