package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenVerifier turns HS256 bearer tokens into callers. The token subject
// is the caller's account id.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret []byte, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: secret, issuer: issuer, now: time.Now}
}

// Verify parses and validates raw, returning ErrUnauthenticated on any failure.
func (v *TokenVerifier) Verify(raw string) (Caller, error) {
	if raw == "" {
		return Caller{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil || id == uuid.Nil {
		return Caller{}, fmt.Errorf("%w: subject %q is not an account id", ErrUnauthenticated, claims.Subject)
	}
	return Caller{ID: id}, nil
}

// VerifyHeader accepts an "Authorization: Bearer <token>" header value.
func (v *TokenVerifier) VerifyHeader(header string) (Caller, error) {
	raw, err := BearerToken(header)
	if err != nil {
		return Caller{}, err
	}
	return v.Verify(raw)
}

// Issue signs a token for caller valid for ttl.
func (v *TokenVerifier) Issue(caller Caller, ttl time.Duration) (string, error) {
	if caller.IsAnonymous() {
		return "", errors.New("cannot issue token for anonymous caller")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.ID.String(),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: expected bearer authorization", ErrUnauthenticated)
	}
	return strings.TrimSpace(token), nil
}

type callerKey struct{}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller stored by WithCaller, or the anonymous caller.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
