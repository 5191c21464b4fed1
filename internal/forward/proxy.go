// Package forward relays approved requests to the downstream operations
// service.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/config"
)

// Headers added to every forwarded request. Client-supplied copies are
// removed before the gatekeeper's values are set.
const (
	HeaderServiceKey = "X-Internal-Service-Key"
	HeaderSubject    = "X-Auth-Subject"
	HeaderEmail      = "X-Auth-Email"
	HeaderGroups     = "X-Auth-Groups"
	HeaderPermission = "X-Auth-Permission"
	HeaderRequestID  = "X-Request-Id"
)

// Identity is the verified caller context attached to a forwarded request.
type Identity struct {
	Subject    string
	Email      string
	Groups     []string
	Permission string
	RequestID  string
}

type identityContextKey struct{}

// WithIdentity stores the identity to forward on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// Proxy forwards method, path, query and body unchanged.
type Proxy struct {
	target     *url.URL
	serviceKey string
	logger     *zap.Logger
	rp         *httputil.ReverseProxy
}

// New builds a proxy for cfg.URL. cfg.Timeout bounds the wait for response
// headers; the client's context still cancels the call.
func New(cfg config.DownstreamConfig, logger *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse downstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("downstream url %q must be absolute", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	p := &Proxy{target: target, serviceKey: cfg.ServiceKey, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    transport,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()
	pr.Out.Host = p.target.Host

	h := pr.Out.Header
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Auth-") {
			h.Del(name)
		}
	}
	h.Del(HeaderServiceKey)
	h.Del(HeaderRequestID)

	if p.serviceKey != "" {
		h.Set(HeaderServiceKey, p.serviceKey)
	}
	if id, ok := IdentityFromContext(pr.In.Context()); ok {
		h.Set(HeaderSubject, id.Subject)
		if id.Email != "" {
			h.Set(HeaderEmail, id.Email)
		}
		if len(id.Groups) > 0 {
			h.Set(HeaderGroups, strings.Join(id.Groups, ","))
		}
		if id.Permission != "" {
			h.Set(HeaderPermission, id.Permission)
		}
		if id.RequestID != "" {
			h.Set(HeaderRequestID, id.RequestID)
		}
	}

	otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(h))
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		p.logger.Debug("client went away during forward", zap.String("path", r.URL.Path))
		w.WriteHeader(499)
		return
	}
	p.logger.Error("downstream call failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	apierr.Write(w, apierr.E(apierr.KindBadGateway, "forward", err))
}

// ServeHTTP forwards r and copies the downstream response back unchanged.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}
