// Package gatekeeper composes origin checking, token verification, expiry
// warning, authorization and audit into the ordered pipeline that guards
// every request to the operations service.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/audit"
	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/forward"
	"github.com/terraconstructs/gatekeeper/internal/origin"
	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

// OriginValidator classifies a request's Origin header.
type OriginValidator interface {
	Validate(origin, remoteAddr, userAgent string) origin.Decision
}

// TokenVerifier turns a raw bearer token into a verified principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.Principal, error)
}

// Authorizer decides whether a principal holds a permission.
type Authorizer interface {
	Authorize(ctx context.Context, principal auth.Principal, permission string) (bool, error)
}

// AuditRecorder accepts audit events without failing the request path.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
	RecordSync(ctx context.Context, event audit.Event) error
}

// Dependencies wires the pipeline's collaborators.
type Dependencies struct {
	Origins    OriginValidator
	Verifier   TokenVerifier
	Authorizer Authorizer
	Recorder   AuditRecorder
	Forwarder  http.Handler
	Routes     []Route

	// WarnWindow enables the session expiry advisory headers. Zero disables them.
	WarnWindow time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Pipeline runs the fixed stage sequence for every request.
type Pipeline struct {
	origins    OriginValidator
	verifier   TokenVerifier
	authorizer Authorizer
	recorder   AuditRecorder
	forwarder  http.Handler
	routes     *RouteTable
	warnWindow time.Duration
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time

	stages []stage
}

// stage is one step of the pipeline. A nil error advances the exchange to next.
type stage struct {
	name string
	next State
	run  func(ctx context.Context, x *exchange) (context.Context, error)
}

// exchange carries one request through the stages.
type exchange struct {
	w         http.ResponseWriter
	r         *http.Request
	requestID string
	state     State
	match     RouteMatch
	principal auth.Principal
	hasUser   bool
	intentID  string
}

// New validates dependencies and builds the pipeline.
func New(deps Dependencies) (*Pipeline, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("gatekeeper: token verifier is required")
	case deps.Authorizer == nil:
		return nil, errors.New("gatekeeper: authorizer is required")
	case deps.Recorder == nil:
		return nil, errors.New("gatekeeper: audit recorder is required")
	case deps.Forwarder == nil:
		return nil, errors.New("gatekeeper: forwarder is required")
	}

	routes := deps.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	table, err := NewRouteTable(routes)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		origins:    deps.Origins,
		verifier:   deps.Verifier,
		authorizer: deps.Authorizer,
		recorder:   deps.Recorder,
		forwarder:  deps.Forwarder,
		routes:     table,
		warnWindow: deps.WarnWindow,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}

	// Route matching runs after the origin check so every origin-bearing
	// request is recorded, and before authentication so unknown paths never
	// reach the verifier. It does not advance the state.
	p.stages = []stage{
		{name: "origin", next: StateOriginChecked, run: p.checkOrigin},
		{name: "route", next: StateOriginChecked, run: p.matchRoute},
		{name: "authenticate", next: StateAuthenticated, run: p.authenticate},
		{name: "expiry", next: StateExpiryChecked, run: p.checkExpiry},
		{name: "authorize", next: StateAuthorized, run: p.authorize},
		{name: "audit_intent", next: StateAuthorized, run: p.recordIntent},
	}
	return p, nil
}

// Routes returns the route table.
func (p *Pipeline) Routes() *RouteTable { return p.routes }

// ServeHTTP runs the stages in order and forwards the request if all pass.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := telemetry.StartSpan(r.Context(), telemetry.TracerName, "gatekeeper.request",
		attribute.String(telemetry.AttrRequestID, requestID),
		attribute.String("http.request.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	)
	defer span.End()

	x := &exchange{w: w, r: r, requestID: requestID, state: StateReceived}

	for _, st := range p.stages {
		stageCtx, stageSpan := telemetry.StartSpan(ctx, telemetry.TracerName, "stage."+st.name,
			attribute.String(telemetry.AttrStage, st.name),
		)
		next, err := st.run(stageCtx, x)
		if err != nil {
			telemetry.RecordError(stageSpan, err)
			stageSpan.End()
			span.SetAttributes(attribute.String(telemetry.AttrErrorKind, apierr.KindOf(err).String()))
			p.reject(x, st.name, err)
			return
		}
		stageSpan.End()
		// Carry values added by the stage, without the stage span as parent.
		ctx = contextWithValues(ctx, next)
		x.state = st.next
	}

	p.forward(ctx, x)
}

// contextWithValues keeps the request-scope values stored by a stage.
func contextWithValues(parent, stageCtx context.Context) context.Context {
	if d, ok := origin.DecisionFromContext(stageCtx); ok {
		parent = origin.WithDecision(parent, d)
	}
	if pr, ok := auth.PrincipalFromContext(stageCtx); ok {
		parent = auth.WithPrincipal(parent, pr)
	}
	return parent
}

func (p *Pipeline) checkOrigin(ctx context.Context, x *exchange) (context.Context, error) {
	raw := x.r.Header.Get("Origin")
	if raw == "" || p.origins == nil {
		return ctx, nil
	}

	d := p.origins.Validate(raw, remoteIP(x.r), x.r.UserAgent())
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(telemetry.AttrOrigin, d.Origin),
		attribute.String(telemetry.AttrOriginEvent, string(d.Type)),
	)
	ctx = origin.WithDecision(ctx, d)
	if !d.Allow {
		return ctx, apierr.E(apierr.KindOriginRejected, "origin.validate", fmt.Errorf("%s: %s", d.Type, d.Reason))
	}
	return ctx, nil
}

func (p *Pipeline) matchRoute(ctx context.Context, x *exchange) (context.Context, error) {
	match, ok := p.routes.Match(x.r.Method, x.r.URL.Path)
	if !ok {
		return ctx, apierr.E(apierr.KindNotFound, "route.match", fmt.Errorf("no route for %s %s", x.r.Method, x.r.URL.Path))
	}
	x.match = match
	return ctx, nil
}

func (p *Pipeline) authenticate(ctx context.Context, x *exchange) (context.Context, error) {
	raw, err := auth.BearerToken(x.r.Header.Get("Authorization"))
	if err != nil {
		return ctx, err
	}
	principal, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindUnknown {
			err = apierr.E(apierr.KindInvalidToken, "verifier.verify", err)
		}
		return ctx, err
	}
	x.principal = principal
	x.hasUser = true
	return auth.WithPrincipal(ctx, principal), nil
}

func (p *Pipeline) checkExpiry(ctx context.Context, x *exchange) (context.Context, error) {
	if p.warnWindow <= 0 {
		return ctx, nil
	}
	flag := auth.CheckExpiry(x.principal, p.warnWindow, p.now())
	flag.Apply(x.w.Header())
	return ctx, nil
}

func (p *Pipeline) authorize(ctx context.Context, x *exchange) (context.Context, error) {
	route := x.match.Route
	if route.Permission == "" {
		return ctx, nil
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(telemetry.AttrSubject, x.principal.Subject),
		attribute.String(telemetry.AttrPermission, route.Permission),
	)
	allowed, err := p.authorizer.Authorize(ctx, x.principal, route.Permission)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindUnknown {
			err = apierr.E(apierr.KindUpstreamUnavailable, "authz.authorize", err)
		}
		return ctx, err
	}
	span.SetAttributes(attribute.Bool(telemetry.AttrAllowed, allowed))
	if !allowed {
		p.auditDenied(ctx, x)
		return ctx, apierr.E(apierr.KindForbidden, "authz.authorize",
			fmt.Errorf("subject %s lacks %s", x.principal.Subject, route.Permission))
	}
	return ctx, nil
}

func (p *Pipeline) recordIntent(ctx context.Context, x *exchange) (context.Context, error) {
	if x.match.Route.Audit != AuditSync {
		return ctx, nil
	}
	x.intentID = uuid.NewString()
	event := p.event(x, audit.TypeStateTransition, audit.OutcomeSuccess, "")
	event.ID = x.intentID
	// RecordSync never fails the request; delivery problems fall back to the queue.
	_ = p.recorder.RecordSync(ctx, event)
	return ctx, nil
}

func (p *Pipeline) forward(ctx context.Context, x *exchange) {
	route := x.match.Route
	x.state = StateForwarded

	fctx, span := telemetry.StartSpan(ctx, telemetry.TracerName, "stage.forward",
		attribute.String(telemetry.AttrStage, "forward"),
		attribute.String(telemetry.AttrRoute, route.Pattern),
	)
	defer span.End()

	fctx = forward.WithIdentity(fctx, forward.Identity{
		Subject:    x.principal.Subject,
		Email:      x.principal.Email,
		Groups:     x.principal.Groups,
		Permission: route.Permission,
		RequestID:  x.requestID,
	})

	ww := middleware.NewWrapResponseWriter(x.w, x.r.ProtoMajor)
	handler := p.forwarder
	if route.Handler != nil {
		handler = route.Handler
	}
	handler.ServeHTTP(ww, x.r.WithContext(fctx))

	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	p.metrics.Decision("forward", "ok")
	p.logger.Debug("request forwarded",
		zap.String("request_id", x.requestID),
		zap.String("route", route.Method+" "+route.Pattern),
		zap.String("subject", x.principal.Subject),
		zap.Int("status", status),
	)

	// Outcome events are recorded after the response is written; the client
	// may be gone, so the recorder's queue owns delivery from here on.
	ctx = context.WithoutCancel(ctx)
	switch route.Audit {
	case AuditOutcome:
		outcome, detail := outcomeFor(status)
		_ = p.recorder.Record(ctx, p.withStatus(p.event(x, audit.TypeOperation, outcome, detail), status))
	case AuditSync:
		if status >= http.StatusBadRequest {
			_, detail := outcomeFor(status)
			ev := p.withStatus(p.event(x, audit.TypeOperation, audit.OutcomeFailure, detail), status)
			ev.Metadata["intent_event_id"] = x.intentID
			_ = p.recorder.Record(ctx, ev)
		}
	}
}

func outcomeFor(status int) (audit.Outcome, string) {
	if status >= http.StatusBadRequest {
		return audit.OutcomeFailure, fmt.Sprintf("downstream status %d", status)
	}
	return audit.OutcomeSuccess, ""
}

func (p *Pipeline) withStatus(ev audit.Event, status int) audit.Event {
	ev.Metadata["status"] = fmt.Sprint(status)
	return ev
}

func (p *Pipeline) auditDenied(ctx context.Context, x *exchange) {
	ev := p.event(x, audit.TypeAccessDenied, audit.OutcomeFailure, apierr.KindForbidden.String())
	_ = p.recorder.Record(context.WithoutCancel(ctx), ev)
}

func (p *Pipeline) event(x *exchange, eventType string, outcome audit.Outcome, detail string) audit.Event {
	route := x.match.Route
	metadata := map[string]string{
		"method":     x.r.Method,
		"route":      route.Pattern,
		"permission": route.Permission,
	}
	for k, v := range x.match.Params {
		metadata["param."+k] = v
	}
	return audit.Event{
		Timestamp:  p.now(),
		Type:       eventType,
		ActorID:    x.principal.Subject,
		ActorEmail: x.principal.Email,
		SourceIP:   remoteIP(x.r),
		UserAgent:  x.r.UserAgent(),
		Resource:   x.r.URL.Path,
		Action:     route.Action,
		Outcome:    outcome,
		Error:      detail,
		RequestID:  x.requestID,
		Metadata:   metadata,
	}
}

// reject ends the request with the error's status. Detail stays in the log.
func (p *Pipeline) reject(x *exchange, stageName string, err error) {
	from := x.state
	x.state = StateRejected
	kind := apierr.KindOf(err)

	fields := []zap.Field{
		zap.String("request_id", x.requestID),
		zap.String("stage", stageName),
		zap.String("from_state", from.String()),
		zap.String("kind", kind.String()),
		zap.String("method", x.r.Method),
		zap.String("path", x.r.URL.Path),
		zap.String("remote_ip", remoteIP(x.r)),
		zap.Error(err),
	}
	if x.hasUser {
		fields = append(fields, zap.String("subject", x.principal.Subject))
	}
	switch kind {
	case apierr.KindUpstreamUnavailable, apierr.KindUnknown:
		p.logger.Error("request rejected", fields...)
	default:
		p.logger.Warn("request rejected", fields...)
	}

	p.metrics.Decision(stageName, kind.String())
	apierr.Write(x.w, err)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
