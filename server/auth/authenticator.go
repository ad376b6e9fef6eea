package auth

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrMissingToken is returned when the request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Authenticator resolves the Authorization header of a request to a user.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate validates an "Authorization: Bearer <token>" header value.
func (a *Authenticator) Authenticate(_ context.Context, authHeader string) (*UserClaims, error) {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return nil, ErrMissingToken
	}
	return ParseAccessToken(token, a.secret)
}

// ExtractBearerToken returns the token of a bearer Authorization header, or "".
func ExtractBearerToken(authHeader string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type contextKey int

const userClaimsContextKey contextKey = iota

// SetUserClaimsInContext stores the authenticated caller in ctx.
func SetUserClaimsInContext(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, userClaimsContextKey, claims)
}

// GetUserClaims returns the authenticated caller stored in ctx.
func GetUserClaims(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(userClaimsContextKey).(*UserClaims)
	return claims, ok && claims != nil
}
