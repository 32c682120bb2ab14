package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"lukechampine.com/blake3"

	"collateralx/services/lendingd/config"
)

// PrincipalKind distinguishes operator credentials from account-bound ones.
type PrincipalKind string

const (
	// PrincipalOperator may act for any account (API token or mTLS).
	PrincipalOperator PrincipalKind = "operator"
	// PrincipalAccount may only act for the address in its JWT subject.
	PrincipalAccount PrincipalKind = "account"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Kind    PrincipalKind
	Subject string
	Address common.Address
}

type principalContextKey struct{}

type authFailureContextKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the principal installed by the auth middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}

var errUnauthenticated = errors.New("authentication required")

type authenticator struct {
	tokens      map[string]struct{}
	commonNames map[string]struct{}
	jwtEnabled  bool
	secret      []byte
	parser      *jwt.Parser
}

func newAuthenticator(cfg config.AuthConfig, secret []byte) *authenticator {
	tokens := make(map[string]struct{})
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	commonNames := make(map[string]struct{})
	for _, name := range cfg.MTLS.AllowedCommonNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			commonNames[trimmed] = struct{}{}
		}
	}
	skew := cfg.JWT.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWT.Issuer))
	}
	if cfg.JWT.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWT.Audience))
	}
	return &authenticator{
		tokens:      tokens,
		commonNames: commonNames,
		jwtEnabled:  cfg.JWT.Enabled && len(secret) > 0,
		secret:      secret,
		parser:      jwt.NewParser(opts...),
	}
}

// identify installs the caller's principal when credentials are present.
// Invalid credentials are only recorded here so the rate limiter sees the
// request before rejectInvalidCredentials answers it; absent ones pass
// through so public reads stay open.
func (a *authenticator) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		switch {
		case err != nil:
			r = r.WithContext(context.WithValue(r.Context(), authFailureContextKey{}, err))
		case principal != nil:
			r = r.WithContext(withPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

func authFailure(ctx context.Context) error {
	err, _ := ctx.Value(authFailureContextKey{}).(error)
	return err
}

func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeJSONError(w, apiError{http.StatusUnauthorized, "unauthenticated", errUnauthenticated.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) authenticate(r *http.Request) (*Principal, error) {
	if p := a.authenticateByMTLS(r); p != nil {
		return p, nil
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-API-Token"))
	}
	if token == "" {
		return nil, nil
	}
	if _, ok := a.tokens[token]; ok {
		return &Principal{Kind: PrincipalOperator, Subject: tokenSubject(token)}, nil
	}
	if !a.jwtEnabled {
		return nil, fmt.Errorf("invalid token")
	}
	return a.authenticateJWT(token)
}

// tokenSubject names an API-token operator by a short digest of its token so
// each operator gets its own throttle bucket without the token being logged.
func tokenSubject(token string) string {
	sum := blake3.Sum256([]byte(token))
	return "api-token:" + hex.EncodeToString(sum[:6])
}

func (a *authenticator) authenticateJWT(raw string) (*Principal, error) {
	token, err := a.parser.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || !common.IsHexAddress(subject) {
		return nil, fmt.Errorf("token subject must be an account address")
	}
	addr := common.HexToAddress(subject)
	return &Principal{Kind: PrincipalAccount, Subject: addr.Hex(), Address: addr}, nil
}

func (a *authenticator) authenticateByMTLS(r *http.Request) *Principal {
	if len(a.commonNames) == 0 || r.TLS == nil {
		return nil
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		name := strings.TrimSpace(chain[0].Subject.CommonName)
		if _, ok := a.commonNames[name]; ok {
			return &Principal{Kind: PrincipalOperator, Subject: "mtls:" + name}
		}
	}
	return nil
}

// actingAs resolves the account a request acts for. Account principals may
// only name themselves; operators must name an account explicitly.
func actingAs(ctx context.Context, requested string) (common.Address, error) {
	principal, ok := PrincipalFrom(ctx)
	if !ok {
		return common.Address{}, errUnauthenticated
	}
	requested = strings.TrimSpace(requested)
	if principal.Kind == PrincipalAccount {
		if requested == "" {
			return principal.Address, nil
		}
		addr, err := parseAddress(requested)
		if err != nil {
			return common.Address{}, err
		}
		if addr != principal.Address {
			return common.Address{}, errForbidden
		}
		return addr, nil
	}
	if requested == "" {
		return common.Address{}, fmt.Errorf("%w: account required", errBadRequest)
	}
	return parseAddress(requested)
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, token, found := strings.Cut(trimmed, " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
