package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when the request carries no usable identity.
var ErrUnauthenticated = errors.New("gateway: authentication required")

// Principal is the authenticated marketplace identity extracted from the
// bearer token. Subject carries the marketplace user id used as the caller on
// engine operations.
type Principal struct {
	Subject string
}

// Authenticator validates HS256 bearer tokens minted by the marketplace.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewAuthenticator constructs a JWT authenticator. Issuer and audience checks
// are skipped when the corresponding value is empty.
func NewAuthenticator(secret, issuer, audience string) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}
}

// Authenticate extracts and verifies the bearer token on the request.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if a == nil || len(a.secret) == 0 {
		return Principal{}, errors.New("gateway: authenticator not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Principal{}, ErrUnauthenticated
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	parsed, err := jwt.Parse(strings.TrimSpace(token), func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Principal{}, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}
	return Principal{Subject: subject}, nil
}
