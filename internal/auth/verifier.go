package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/apierr"
	"github.com/terraconstructs/gatekeeper/internal/config"
)

// KeyProvider resolves signing keys by key id.
// *KeyCache is the production implementation.
type KeyProvider interface {
	GetKey(ctx context.Context, kid string) (SigningKey, error)
	Refresh(ctx context.Context) error
}

// Verifier validates bearer tokens issued by the configured identity provider
// and turns them into Principals.
//
// Only the configured asymmetric algorithm is accepted. Symmetric and "none"
// tokens fail before any key lookup. An unknown key id forces exactly one key
// set refresh before the token is rejected.
//
// This verifier is stateless and thread-safe.
type Verifier struct {
	keys        KeyProvider
	issuer      string
	audience    string
	algorithm   string
	groupsClaim string
	groupsPath  string
	emailClaim  string
	now         func() time.Time
	logger      *zap.Logger
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source used for exp checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier creates a verifier for tokens matching cfg.
func NewVerifier(cfg config.OIDCConfig, keys KeyProvider, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:        keys,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		algorithm:   cfg.Algorithm,
		groupsClaim: cfg.GroupsClaimField,
		groupsPath:  cfg.GroupsClaimPath,
		emailClaim:  cfg.EmailClaimField,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	if v.algorithm == "" {
		v.algorithm = "RS256"
	}
	if v.groupsClaim == "" {
		v.groupsClaim = "groups"
	}
	if v.emailClaim == "" {
		v.emailClaim = "email"
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// BearerToken extracts the token from an Authorization header value.
// A missing header, another scheme or an empty token is Unauthenticated.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if header == "" {
		return "", apierr.E(apierr.KindUnauthenticated, "auth.bearer", errors.New("authorization header missing"))
	}
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", apierr.E(apierr.KindUnauthenticated, "auth.bearer", errors.New("authorization scheme is not bearer"))
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", apierr.E(apierr.KindUnauthenticated, "auth.bearer", errors.New("bearer token empty"))
	}
	return token, nil
}

// Verify validates rawToken and returns the Principal it asserts.
//
// Errors are classified with apierr kinds:
//   - KindUnauthenticated: empty token
//   - KindTokenExpired: exp is not after now (wins over other claim failures)
//   - KindUnknownKey: kid not published even after a refresh
//   - KindUpstreamUnavailable: the key set could not be fetched
//   - KindInvalidToken: everything else
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	if rawToken == "" {
		return Principal{}, apierr.E(apierr.KindUnauthenticated, "auth.verify", errors.New("token empty"))
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(rawToken, claims, v.keyFunc(ctx))
	if err != nil {
		return Principal{}, classifyParseError(err)
	}

	return v.principalFromClaims(claims)
}

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, apierr.E(apierr.KindInvalidToken, "auth.keyfunc", errors.New("token header has no kid"))
		}

		key, err := v.keys.GetKey(ctx, kid)
		if errors.Is(err, ErrKeyNotFound) {
			if refreshErr := v.keys.Refresh(ctx); refreshErr != nil {
				v.logger.Error("jwks refresh for unknown kid failed", zap.String("kid", kid), zap.Error(refreshErr))
				return nil, apierr.E(apierr.KindUpstreamUnavailable, "auth.keyfunc", refreshErr)
			}
			key, err = v.keys.GetKey(ctx, kid)
			if errors.Is(err, ErrKeyNotFound) {
				return nil, apierr.E(apierr.KindUnknownKey, "auth.keyfunc", err)
			}
		}
		if err != nil {
			return nil, apierr.E(apierr.KindUpstreamUnavailable, "auth.keyfunc", err)
		}

		if key.Algorithm != "" && key.Algorithm != v.algorithm {
			return nil, apierr.E(apierr.KindInvalidToken, "auth.keyfunc",
				fmt.Errorf("key %s is bound to %s", kid, key.Algorithm))
		}
		return key.Key, nil
	}
}

func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apierr.E(apierr.KindTokenExpired, "auth.verify", err)
	}
	var classified *apierr.Error
	if errors.As(err, &classified) {
		return classified
	}
	return apierr.E(apierr.KindInvalidToken, "auth.verify", err)
}

func (v *Verifier) principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := ExtractClaimString(claims, "sub")
	if err != nil {
		return Principal{}, apierr.E(apierr.KindInvalidToken, "auth.claims", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Principal{}, apierr.E(apierr.KindInvalidToken, "auth.claims", errors.New("exp claim missing"))
	}

	email, _ := claims[v.emailClaim].(string)
	jti, _ := claims["jti"].(string)

	groups, err := ExtractGroups(claims, v.groupsClaim, v.groupsPath)
	if err != nil {
		// Groups are hints for the permission source; a malformed claim means none.
		v.logger.Debug("ignoring malformed groups claim", zap.String("subject", sub), zap.Error(err))
		groups = nil
	}

	return Principal{
		Subject:   sub,
		Email:     email,
		Groups:    normalizeGroups(groups),
		ExpiresAt: exp.Time,
		TokenID:   jti,
	}, nil
}
