package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a token to the username it may log in as.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthorizer admits a login only when it carries a valid HS256
// token whose username claim matches the requested name.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret)}
}

func (a *JWTAuthorizer) Authorize(_ context.Context, username, token string) error {
	if token == "" {
		return errors.New("token is required")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errors.New("token expired")
		}
		return fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return errors.New("invalid token claims")
	}
	if claims.Username != username {
		return fmt.Errorf("token is for %q, not %q", claims.Username, username)
	}
	return nil
}

// IssueToken mints a token for username, mainly for tooling and tests.
func (a *JWTAuthorizer) IssueToken(username string, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username:         username,
		RegisteredClaims: claims,
	})
	return token.SignedString(a.secret)
}
