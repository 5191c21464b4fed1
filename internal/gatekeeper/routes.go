package gatekeeper

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/gatekeeper/internal/config"
)

// AuditMode decides when a route is audited.
type AuditMode string

const (
	// AuditSync records the intent before forwarding and a follow-up failure
	// event if the downstream call fails.
	AuditSync AuditMode = "sync"
	// AuditOutcome records one event once the downstream status is known.
	AuditOutcome AuditMode = "outcome"
	// AuditNone records nothing beyond authorization denials.
	AuditNone AuditMode = "none"
)

// Route maps a request to the permission it needs.
type Route struct {
	Method     string
	Pattern    string // chi pattern, e.g. /api/requests/{id}/approve
	Permission string // empty means any authenticated caller
	Action     string
	Audit      AuditMode

	// Handler serves the route locally instead of forwarding it.
	Handler http.Handler
}

// DefaultRoutes is the built-in table for the operations service.
func DefaultRoutes() []Route {
	return []Route{
		{Method: http.MethodGet, Pattern: "/api/instances", Permission: "view_instances", Action: "list_instances", Audit: AuditNone},
		{Method: http.MethodGet, Pattern: "/api/instances/{id}", Permission: "view_instances", Action: "get_instance", Audit: AuditNone},
		{Method: http.MethodPost, Pattern: "/api/instances/{id}/operations", Permission: "execute_operations", Action: "execute", Audit: AuditOutcome},
		{Method: http.MethodPost, Pattern: "/api/instances/{id}/snapshots", Permission: "execute_operations", Action: "snapshot", Audit: AuditOutcome},

		{Method: http.MethodGet, Pattern: "/api/requests", Permission: "view_instances", Action: "list_requests", Audit: AuditNone},
		{Method: http.MethodPost, Pattern: "/api/requests", Permission: "request_operations", Action: "create", Audit: AuditSync},
		{Method: http.MethodPost, Pattern: "/api/requests/{id}/approve", Permission: "approve_request", Action: "approve", Audit: AuditSync},
		{Method: http.MethodPost, Pattern: "/api/requests/{id}/reject", Permission: "approve_request", Action: "reject", Audit: AuditSync},
		{Method: http.MethodPost, Pattern: "/api/requests/{id}/cancel", Permission: "request_operations", Action: "cancel", Audit: AuditSync},

		{Method: http.MethodGet, Pattern: "/api/costs", Permission: "view_costs", Action: "view_costs", Audit: AuditNone},
		{Method: http.MethodGet, Pattern: "/api/compliance", Permission: "view_compliance", Action: "view_compliance", Audit: AuditNone},
		{Method: http.MethodPost, Pattern: "/api/compliance/scans", Permission: "execute_operations", Action: "compliance_scan", Audit: AuditOutcome},

		{Method: http.MethodGet, Pattern: "/api/users", Permission: "manage_users", Action: "list_users", Audit: AuditNone},
		{Method: http.MethodPost, Pattern: "/api/users", Permission: "manage_users", Action: "create_user", Audit: AuditSync},
		{Method: http.MethodPut, Pattern: "/api/users/{id}/groups", Permission: "manage_users", Action: "update_user_groups", Audit: AuditSync},
		{Method: http.MethodDelete, Pattern: "/api/users/{id}", Permission: "manage_users", Action: "delete_user", Audit: AuditSync},
	}
}

// RoutesFromConfig converts configured routes, or returns DefaultRoutes when
// none are configured.
func RoutesFromConfig(routes []config.RouteConfig) []Route {
	if len(routes) == 0 {
		return DefaultRoutes()
	}
	out := make([]Route, 0, len(routes))
	for _, rc := range routes {
		mode := AuditMode(rc.Audit)
		if mode == "" {
			mode = AuditNone
		}
		action := rc.Action
		if action == "" {
			action = strings.ToLower(rc.Method) + " " + rc.Pattern
		}
		out = append(out, Route{
			Method:     strings.ToUpper(rc.Method),
			Pattern:    rc.Pattern,
			Permission: rc.Permission,
			Action:     action,
			Audit:      mode,
		})
	}
	return out
}

var supportedMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {},
}

// RouteTable matches requests against routes using chi's radix tree.
type RouteTable struct {
	mux    *chi.Mux
	routes map[string]Route
}

// RouteMatch is a matched route with its URL parameters.
type RouteMatch struct {
	Route  Route
	Params map[string]string
}

// NewRouteTable indexes routes. Duplicate method and pattern pairs are rejected.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{mux: chi.NewRouter(), routes: make(map[string]Route, len(routes))}
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	for _, route := range routes {
		method := strings.ToUpper(route.Method)
		if _, ok := supportedMethods[method]; !ok {
			return nil, fmt.Errorf("route %s %s: unsupported method", route.Method, route.Pattern)
		}
		if !strings.HasPrefix(route.Pattern, "/") {
			return nil, fmt.Errorf("route %s %s: pattern must start with /", route.Method, route.Pattern)
		}
		key := method + " " + route.Pattern
		if _, dup := t.routes[key]; dup {
			return nil, fmt.Errorf("route %s registered twice", key)
		}
		route.Method = method
		t.routes[key] = route
		t.mux.Method(method, route.Pattern, noop)
	}
	return t, nil
}

// Match finds the route for method and path.
func (t *RouteTable) Match(method, path string) (RouteMatch, bool) {
	rctx := chi.NewRouteContext()
	pattern := t.mux.Find(rctx, method, path)
	if pattern == "" {
		return RouteMatch{}, false
	}
	route, ok := t.routes[method+" "+pattern]
	if !ok {
		return RouteMatch{}, false
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	return RouteMatch{Route: route, Params: params}, true
}

// Routes returns the indexed routes.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}
