package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Resource is the kind of storage a link grants access to.
type Resource string

const (
	ResourceContainer Resource = "container"
	ResourceTable     Resource = "table"
	ResourceBlob      Resource = "blob"
)

// Permission is the access a link grants.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionWrite     Permission = "write"
	PermissionReadWrite Permission = "readwrite"
)

// ParsePermission accepts "read" or "write", case-insensitively.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionRead, PermissionWrite:
		return p, nil
	}
	return "", fmt.Errorf("permission must be either %q or %q", PermissionRead, PermissionWrite)
}

// LinkRequest describes a link to issue.
type LinkRequest struct {
	SessionName string
	Resource    Resource
	Path        string
	Permission  Permission
	TTL         time.Duration
}

// Linker issues time-limited access links.
type Linker interface {
	Link(ctx context.Context, req LinkRequest) (string, error)
}

// LinkClaims are the claims carried by a TokenLinker link.
type LinkClaims struct {
	Resource   Resource   `json:"res"`
	Path       string     `json:"path,omitempty"`
	Permission Permission `json:"perm"`
	jwt.RegisteredClaims
}

// TokenLinker signs links with an HMAC key.
type TokenLinker struct {
	baseURL string
	issuer  string
	secret  []byte
	now     func() time.Time
}

// NewTokenLinker creates a linker that builds links below baseURL.
func NewTokenLinker(baseURL, issuer string, secret []byte) (*TokenLinker, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid link base url %q", baseURL)
	}
	if len(secret) < 16 {
		return nil, errors.New("link secret must be at least 16 bytes")
	}
	return &TokenLinker{
		baseURL: strings.TrimRight(baseURL, "/"),
		issuer:  issuer,
		secret:  secret,
		now:     time.Now,
	}, nil
}

// Link implements Linker.
func (l *TokenLinker) Link(ctx context.Context, req LinkRequest) (string, error) {
	if req.SessionName == "" {
		return "", errors.New("link session name is required")
	}
	if req.TTL <= 0 {
		return "", errors.New("link ttl must be positive")
	}
	if req.Resource == ResourceBlob && req.Path == "" {
		return "", errors.New("blob link requires a path")
	}

	now := l.now()
	claims := LinkClaims{
		Resource:   req.Resource,
		Path:       req.Path,
		Permission: req.Permission,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    l.issuer,
			Subject:   req.SessionName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("sign link: %w", err)
	}

	u := l.baseURL + "/" + string(req.Resource) + "/" + url.PathEscape(req.SessionName)
	if req.Path != "" {
		u += "/" + strings.TrimLeft(req.Path, "/")
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

// Verify parses a link token and checks its signature and expiry.
func (l *TokenLinker) Verify(token string) (*LinkClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(l.now),
	}
	if l.issuer != "" {
		opts = append(opts, jwt.WithIssuer(l.issuer))
	}
	claims := &LinkClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return l.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
