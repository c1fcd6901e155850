package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("Authentication error")
	ErrMissingToken = fmt.Errorf("%w: token required", ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)
)

// Identity is what a verified credential says about its holder.
type Identity struct {
	Subject     string
	DisplayName string
}

// Verifier checks a bearer credential presented at handshake time.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

type JWTVerifier struct {
	secret  []byte
	timeout time.Duration
}

func NewJWTVerifier(secret []byte, timeout time.Duration) *JWTVerifier {
	return &JWTVerifier{
		secret:  secret,
		timeout: timeout,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingToken
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	type result struct {
		identity *Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := v.parse(credential)
		done <- result{identity, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, ctx.Err())
	case r := <-done:
		return r.identity, r.err
	}
}

func (v *JWTVerifier) parse(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Tokens carry the subject as "sub", "userId" or "id" depending on issuer.
	subject := firstString(*claims, "sub", "userId", "id")
	if subject == "" {
		return nil, fmt.Errorf("%w: token missing user id", ErrInvalidToken)
	}

	return &Identity{
		Subject:     subject,
		DisplayName: firstString(*claims, "username", "name"),
	}, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// BearerToken extracts the credential from an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
