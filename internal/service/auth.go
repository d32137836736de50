package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrNoSecret           = errors.New("admin jwt secret is not configured")
)

const tokenIssuer = "mcp-gateway"

// AdminPrincipal is the operator identity carried by an admin token.
type AdminPrincipal struct {
	Subject   string
	ExpiresAt time.Time
}

// AuthService issues and validates the bearer tokens that guard the admin
// API. Gateway callers never see these tokens; they authenticate with auth
// keys instead.
type AuthService struct {
	jwtSecret []byte
}

func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
	}
}

// Configured reports whether a signing secret is set. Without one every
// admin request is rejected.
func (s *AuthService) Configured() bool {
	return len(s.jwtSecret) > 0
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*AdminPrincipal, error) {
	if !s.Configured() {
		return nil, ErrNoSecret
	}
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}

	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	p := &AdminPrincipal{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueJWT creates a new signed JWT token for the given operator.
func (s *AuthService) IssueJWT(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	if !s.Configured() {
		return "", ErrNoSecret
	}
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	now := time.Now()
	claims := jwtClaims{
		Scope: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}
