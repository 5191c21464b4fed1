package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/gatekeeper"
	"github.com/terraconstructs/gatekeeper/internal/origin"
)

const defaultRecentLimit = 50

// RouterOptions controls the construction of the gatekeeper HTTP router.
type RouterOptions struct {
	// Pipeline receives every request not served by an operator endpoint.
	Pipeline http.Handler

	// Guard backs the CORS origin check and the introspection endpoints.
	Guard *origin.Guard

	// RecentLimit caps /internal/origins/recent. Default 50.
	RecentLimit int

	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	CORSOptions   *cors.Options
	HealthHandler http.HandlerFunc
	Logger        *zap.Logger

	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For / X-Real-IP.
	// Off by default: any client can set those headers.
	TrustProxyHeaders bool
}

// DefaultCORSOptions answers CORS for the guard's allow-list only. Rejected
// origins get no allow headers, so the browser blocks the response.
func DefaultCORSOptions(guard *origin.Guard) cors.Options {
	return cors.Options{
		AllowOriginFunc: func(_ *http.Request, o string) bool {
			return guard != nil && guard.Allowed(o)
		},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{
			auth.HeaderSessionExpiring,
			auth.HeaderSessionExpiresIn,
			middleware.RequestIDHeader,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// NewRouter assembles the chi router: shared middleware, CORS, operator
// endpoints and the pipeline as catch-all.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions(opts.Guard)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	if opts.Guard != nil {
		r.Use(preflightGuard(opts.Guard))
	}
	r.Use(cors.Handler(corsCfg))

	health := opts.HealthHandler
	if health == nil {
		health = defaultHealthHandler
	}
	r.Get("/health", health)

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if opts.Guard != nil {
		limit := opts.RecentLimit
		if limit <= 0 {
			limit = defaultRecentLimit
		}
		r.Get("/internal/origins/stats", HandleOriginStats(opts.Guard))
		r.Get("/internal/origins/recent", HandleOriginRecent(opts.Guard, limit, true))
	}

	if opts.Pipeline != nil {
		r.Handle("/*", opts.Pipeline)
	}
	return r
}

// OriginEventsRoute is the privileged, unredacted event listing. It is served
// through the pipeline so it requires view_security_events.
func OriginEventsRoute(guard *origin.Guard, limit int) gatekeeper.Route {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return gatekeeper.Route{
		Method:     http.MethodGet,
		Pattern:    "/internal/origins/events",
		Permission: "view_security_events",
		Action:     "view_origin_events",
		Audit:      gatekeeper.AuditNone,
		Handler:    HandleOriginRecent(guard, limit, false),
	}
}

// HandleOriginStats serves aggregate guard statistics.
func HandleOriginStats(guard *origin.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, guard.Stats())
	}
}

// HandleOriginRecent serves the newest events, at most limit, optionally
// narrowed by ?limit=N.
func HandleOriginRecent(guard *origin.Guard, limit int, redact bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := limit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer", "code": "bad_request"})
				return
			}
			if parsed < n {
				n = parsed
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": guard.Recent(n, redact)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// preflightGuard records a guard event for every CORS preflight. The CORS
// handler answers preflights itself, so they never reach the pipeline's
// origin stage.
func preflightGuard(guard *origin.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o := r.Header.Get("Origin"); r.Method == http.MethodOptions && o != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				guard.Validate(o, hostOnly(r.RemoteAddr), r.UserAgent())
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", r.RemoteAddr),
			)
		})
	}
}
