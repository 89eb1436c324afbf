package linkapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("linkapi: missing bearer token")
	ErrInvalidToken = errors.New("linkapi: invalid token")
)

const (
	minSecretBytes = 32
	clockLeeway    = 30 * time.Second
)

// Claims are the bearer token claims. The subject is the user uid.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UID   string
	Admin bool
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	admins map[string]struct{}
	now    func() time.Time
}

func NewAuthenticator(secret []byte, issuer string, adminSubjects []string) (*Authenticator, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("linkapi: jwt secret must be at least %d bytes", minSecretBytes)
	}
	admins := make(map[string]struct{}, len(adminSubjects))
	for _, s := range adminSubjects {
		if s = strings.TrimSpace(s); s != "" {
			admins[s] = struct{}{}
		}
	}
	return &Authenticator{secret: secret, issuer: issuer, admins: admins, now: time.Now}, nil
}

// Validate parses tokenString and returns the caller it names.
func (a *Authenticator) Validate(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	_, admin := a.admins[sub]
	return Principal{UID: sub, Admin: admin}, nil
}

// Authenticate validates the request's Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, ErrMissingToken
	}
	return a.Validate(strings.TrimSpace(raw))
}

// Mint signs a token for subject. Used by the CLI for local testing.
func (a *Authenticator) Mint(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the handler's auth wrapper.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
