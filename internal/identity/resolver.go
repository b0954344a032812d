package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/inference-gateway/internal/core"
)

// Claims is the token shape the gateway accepts: standard registered
// claims plus the directory fields Entra-style issuers emit.
type Claims struct {
	jwt.RegisteredClaims
	OID    string   `json:"oid,omitempty"`
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// UserID prefers the directory object id over the token subject, so the
// same human keeps one budget key across reissued tokens.
func (c *Claims) UserID() string {
	if c.OID != "" {
		return c.OID
	}
	return c.Subject
}

// Resolver turns a bearer token into a Principal.
type Resolver struct {
	keys   KeySource
	issuer string
	mapper Mapper
}

func NewResolver(keys KeySource, issuer string, mapper Mapper) *Resolver {
	return &Resolver{keys: keys, issuer: issuer, mapper: mapper}
}

// Resolve verifies the token and maps its groups to projects and roles.
// A valid token whose groups map to nothing still resolves; entitlement
// checks happen downstream per project.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (*core.Principal, error) {
	raw, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, keyfunc(ctx, r.keys),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, core.Wrap(core.KindAuthInvalid, "Token validation failed.", err)
	}
	if !token.Valid {
		return nil, core.NewError(core.KindAuthInvalid, "Token validation failed.")
	}
	if claims.UserID() == "" {
		return nil, core.NewError(core.KindAuthInvalid, "Token carries no subject.")
	}

	projects, roles, err := r.mapper.Map(ctx, claims.Groups)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, "Identity mapping unavailable.", err)
	}

	return &core.Principal{
		UserID:      claims.UserID(),
		Email:       claims.Email,
		DisplayName: claims.Name,
		Groups:      claims.Groups,
		Projects:    projects,
		Roles:       roles,
	}, nil
}

// bearerToken extracts the credential from an Authorization header value.
func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", core.NewError(core.KindAuthMissing, "Not authenticated.")
	}
	scheme, raw, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", core.NewError(core.KindAuthMissing, "Not authenticated.")
	}
	return strings.TrimSpace(raw), nil
}

// IsAuthError reports whether err is a credential problem rather than an
// infrastructure one.
func IsAuthError(err error) bool {
	var ce *core.Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == core.KindAuthMissing || ce.Kind == core.KindAuthInvalid
}
