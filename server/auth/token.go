// Package auth verifies the bearer tokens issued by the host application.
// User accounts live outside casechat; a token only asserts who the caller is.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	// Issuer is the issuer of access tokens.
	Issuer = "casechat"
	// KeyID is the key id used to sign access tokens.
	KeyID = "v1"
	// AccessTokenAudienceName is the audience name of access tokens.
	AccessTokenAudienceName = "user.access-token"
	// AccessTokenDuration is the default lifetime of a generated token.
	AccessTokenDuration = 7 * 24 * time.Hour
)

// ClaimsMessage is the JWT payload. Subject carries the user id.
type ClaimsMessage struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserClaims is what the rest of the server learns about an authenticated caller.
type UserClaims struct {
	UserID string
	Name   string
}

// GenerateAccessToken signs a token for userID that expires at expirationTime.
// A zero expirationTime produces a token without expiry.
func GenerateAccessToken(userID, name string, expirationTime time.Time, secret []byte) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	registeredClaims := jwt.RegisteredClaims{
		Issuer:   Issuer,
		Audience: jwt.ClaimStrings{AccessTokenAudienceName},
		IssuedAt: jwt.NewNumericDate(time.Now()),
		Subject:  userID,
	}
	if !expirationTime.IsZero() {
		registeredClaims.ExpiresAt = jwt.NewNumericDate(expirationTime)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &ClaimsMessage{
		Name:             name,
		RegisteredClaims: registeredClaims,
	})
	token.Header["kid"] = KeyID

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign access token")
	}
	return signed, nil
}

// ParseAccessToken validates the signature, issuer, audience and expiry of token.
func ParseAccessToken(token string, secret []byte) (*UserClaims, error) {
	claims := &ClaimsMessage{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); !ok || kid != KeyID {
			return nil, errors.Errorf("unexpected kid: %v", t.Header["kid"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AccessTokenAudienceName),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid access token")
	}
	if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}
	return &UserClaims{UserID: claims.Subject, Name: claims.Name}, nil
}
