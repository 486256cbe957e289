// Package auth verifies the bearer tokens presented by editing clients and decides
// whether an identity may join a document.
//
// Tokens are HS256 JWTs carrying the user's id as "sub" plus "email" and "name"
// claims. Access-control policy belongs to the surrounding application; the server
// only asks an Authorizer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

var (
	// ErrUnauthorized is returned for missing, expired or invalid tokens.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrForbidden is returned when a verified identity may not open a document.
	ErrForbidden = errors.New("auth: forbidden")
)

// Identity is the verified user behind a connection.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// DisplayName is the name shown to collaborators.
func (i *Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.Subject
	}
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Authorizer decides whether an identity may subscribe to a document.
type Authorizer interface {
	CanSubscribe(ctx context.Context, id *Identity, doc crdt.DocumentID) error
}

// Claims is the JWT payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// IssueToken signs a token for the identity that expires after ttl.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Anonymous accepts every connection. Each connection without a token gets a
// fresh subject; a non-empty token is taken as the subject itself. For local
// development only.
type Anonymous struct{}

func (Anonymous) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		token = "anonymous-" + strings.ToLower(ulid.Make().String())
	}
	return &Identity{Subject: token, Name: token}, nil
}

// AllowAll lets every verified identity open every document.
type AllowAll struct{}

func (AllowAll) CanSubscribe(context.Context, *Identity, crdt.DocumentID) error { return nil }

// TokenFromRequest returns the bearer token from the Authorization header, falling
// back to the "token" query parameter since browsers cannot set headers on
// websocket requests.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
