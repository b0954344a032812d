// Package authflow implements the OAuth 2.0 device authorization grant
// (RFC 8628) for CLI login, plus the gateway's own token minting. The
// gateway signs RS256 tokens with a local key and publishes the public
// half over JWKS, so the standard identity resolver verifies them like
// any issuer's.
package authflow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/identity"
)

// OAuth error codes the token endpoint returns while a grant is in
// flight. The transport layer maps these to the RFC 8628 error JSON.
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrExpiredToken         = errors.New("expired_token")
	ErrAccessDenied         = errors.New("access_denied")
	ErrUnknownDeviceCode    = errors.New("invalid_grant")
)

const (
	grantTTL     = 10 * time.Minute
	pollInterval = 5 * time.Second
	tokenTTL     = 12 * time.Hour

	// Letters unambiguous when read aloud over a call.
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
)

// DeviceAuthorization is the response to a device flow start.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Profile identifies the human who approved a grant.
type Profile struct {
	UserID string
	Email  string
	Name   string
	Groups []string
}

type grant struct {
	deviceCode string
	userCode   string
	expires    time.Time
	limiter    *rate.Limiter

	approved bool
	denied   bool
	profile  Profile
}

// Issuer runs device grants and signs gateway tokens.
type Issuer struct {
	issuer          string
	verificationURI string
	signKey         *rsa.PrivateKey
	kid             string

	mu       sync.Mutex
	byDevice map[string]*grant
	byUser   map[string]*grant

	now func() time.Time
}

// NewIssuer generates a fresh signing key. Tokens do not survive a
// restart, which is acceptable for a 12-hour credential.
func NewIssuer(issuerURL, verificationURI string) (*Issuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	kidBytes := make([]byte, 8)
	if _, err := rand.Read(kidBytes); err != nil {
		return nil, fmt.Errorf("generate kid: %w", err)
	}
	return &Issuer{
		issuer:          issuerURL,
		verificationURI: verificationURI,
		signKey:         key,
		kid:             "gw-" + base64.RawURLEncoding.EncodeToString(kidBytes),
		byDevice:        make(map[string]*grant),
		byUser:          make(map[string]*grant),
		now:             time.Now,
	}, nil
}

// IssuerURL returns the iss claim this issuer stamps on tokens.
func (i *Issuer) IssuerURL() string { return i.issuer }

// Start opens a device grant.
func (i *Issuer) Start(_ context.Context) (*DeviceAuthorization, error) {
	deviceCode, err := randomDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := randomUserCode()
	if err != nil {
		return nil, err
	}

	g := &grant{
		deviceCode: deviceCode,
		userCode:   userCode,
		expires:    i.now().Add(grantTTL),
		limiter:    rate.NewLimiter(rate.Every(pollInterval), 1),
	}

	i.mu.Lock()
	i.byDevice[deviceCode] = g
	i.byUser[userCode] = g
	i.mu.Unlock()

	return &DeviceAuthorization{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: i.verificationURI,
		ExpiresIn:       int(grantTTL.Seconds()),
		Interval:        int(pollInterval.Seconds()),
	}, nil
}

// Poll is the token endpoint: the CLI calls it repeatedly with its device
// code until the human approves or the grant dies.
func (i *Issuer) Poll(_ context.Context, deviceCode string) (string, error) {
	i.mu.Lock()
	g, ok := i.byDevice[deviceCode]
	if !ok {
		i.mu.Unlock()
		return "", ErrUnknownDeviceCode
	}

	if i.now().After(g.expires) {
		delete(i.byDevice, g.deviceCode)
		delete(i.byUser, g.userCode)
		i.mu.Unlock()
		return "", ErrExpiredToken
	}
	if !g.limiter.Allow() {
		i.mu.Unlock()
		return "", ErrSlowDown
	}
	if g.denied {
		delete(i.byDevice, g.deviceCode)
		delete(i.byUser, g.userCode)
		i.mu.Unlock()
		return "", ErrAccessDenied
	}
	if !g.approved {
		i.mu.Unlock()
		return "", ErrAuthorizationPending
	}

	// Approved: the grant is single use.
	delete(i.byDevice, g.deviceCode)
	delete(i.byUser, g.userCode)
	profile := g.profile
	i.mu.Unlock()

	return i.mint(profile)
}

// Approve binds an authenticated profile to the grant named by its user
// code.
func (i *Issuer) Approve(userCode string, profile Profile) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	g, ok := i.byUser[userCode]
	if !ok || i.now().After(g.expires) {
		return core.NewError(core.KindNotFound, "Unknown or expired user code.")
	}
	if g.approved || g.denied {
		return core.NewError(core.KindConflict, "Grant already decided.")
	}
	g.approved = true
	g.profile = profile
	return nil
}

// Deny rejects the grant named by its user code.
func (i *Issuer) Deny(userCode string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	g, ok := i.byUser[userCode]
	if !ok || i.now().After(g.expires) {
		return core.NewError(core.KindNotFound, "Unknown or expired user code.")
	}
	if g.approved || g.denied {
		return core.NewError(core.KindConflict, "Grant already decided.")
	}
	g.denied = true
	return nil
}

func (i *Issuer) mint(p Profile) (string, error) {
	now := i.now().UTC()
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		OID:    p.UserID,
		Email:  p.Email,
		Name:   p.Name,
		Groups: p.Groups,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = i.kid
	signed, err := token.SignedString(i.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// KeySet exposes the verification key for the in-process resolver.
func (i *Issuer) KeySet() identity.KeySource {
	return &identity.StaticKeySet{
		Keys: map[string]*rsa.PublicKey{i.kid: &i.signKey.PublicKey},
	}
}

// JWKS renders the public key set for the discovery endpoint.
func (i *Issuer) JWKS() ([]byte, error) {
	pub := i.signKey.PublicKey
	doc := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": i.kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	return json.Marshal(doc)
}

func randomDeviceCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomUserCode() (string, error) {
	letters := make([]byte, 8)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range letters {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		letters[i] = userCodeAlphabet[n.Int64()]
	}
	return string(letters[:4]) + "-" + string(letters[4:]), nil
}
