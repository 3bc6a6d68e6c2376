package auth

import (
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the endpoint a credential was issued to.
type Claims struct {
	EndpointID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// TokenConfigFrom applies defaults to the auth section of the config.
func TokenConfigFrom(config models.AuthConfig) TokenConfig {
	cfg := TokenConfig{
		Secret: config.Secret,
		Expiry: time.Duration(config.TokenTTLSec) * time.Second,
		Issuer: config.Issuer,
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Duration(constants.DefaultTokenTTLSec) * time.Second
	}
	if cfg.Issuer == "" {
		cfg.Issuer = constants.DefaultTokenIssuer
	}
	return cfg
}

// Issuer creates and checks endpoint credentials.
type Issuer struct {
	cfg TokenConfig
	now func() time.Time
}

func NewIssuer(cfg TokenConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.NewConfigError("auth.secret", "missing secret")
	}
	if cfg.Expiry <= 0 {
		return nil, errors.NewConfigError("auth.token_ttl_sec", "invalid expiry")
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// Issue signs a fresh credential for endpointID.
func (i *Issuer) Issue(endpointID string) (*models.Credential, error) {
	if endpointID == "" {
		return nil, errors.NewValidationError("endpoint_id", "missing endpoint id")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return nil, err
	}

	now := i.now()
	expires := now.Add(i.cfg.Expiry)
	claims := Claims{
		EndpointID: endpointID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   endpointID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to sign credential")
	}
	return &models.Credential{Token: signed, EndpointID: endpointID, ExpiresAt: expires.UTC()}, nil
}

// Verify parses tokenString and returns its claims. Every failure is an
// authentication error.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.NewAuthError("missing token")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(i.cfg.Secret), nil
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		reason := "invalid token"
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, errors.NewAuthError(reason)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.EndpointID == "" {
		return nil, errors.NewAuthError("invalid token")
	}
	return claims, nil
}

// Refresh exchanges a still-valid token for a new one for the same endpoint.
func (i *Issuer) Refresh(tokenString string) (*models.Credential, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	return i.Issue(claims.EndpointID)
}
