package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pagechat/internal/domain"
)

const tokenIssuer = "pagechat-broker"

// ClientInfo identifies an authenticated panel connection.
type ClientInfo struct {
	PanelID   string
	ExpiresAt time.Time
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// panelClaims binds a token to one panel instance.
type panelClaims struct {
	PanelID string `json:"panel_id"`
	jwt.RegisteredClaims
}

// TokenAuth issues and verifies HMAC-signed panel tokens.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ Authenticator = (*TokenAuth)(nil)

// NewTokenAuth creates a TokenAuth. A non-positive ttl issues tokens valid
// for 24 hours.
func NewTokenAuth(secret string, ttl time.Duration) (*TokenAuth, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: gateway secret must be at least 16 bytes", domain.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuth{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for panelID.
func (a *TokenAuth) Issue(panelID string) (string, error) {
	if panelID == "" {
		return "", fmt.Errorf("%w: empty panel id", domain.ErrInvalidInput)
	}
	now := a.now()
	claims := panelClaims{
		PanelID: panelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   panelID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate verifies token and returns the panel it was issued to.
func (a *TokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	parsed, err := jwt.ParseWithClaims(token, &panelClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", domain.ErrGatewayAuthFailed)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	claims, ok := parsed.Claims.(*panelClaims)
	if !ok || !parsed.Valid || claims.PanelID == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	return &ClientInfo{PanelID: claims.PanelID, ExpiresAt: claims.ExpiresAt.Time}, nil
}
