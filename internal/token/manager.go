package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"auth-engine/internal/config"
)

var (
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenMalformed = errors.New("token malformed")
)

// SessionClaims binds a bearer token to a session row. The session row is
// authoritative for liveness; the token only locates it, so an expired
// token still decodes during refresh.
type SessionClaims struct {
	AccountID string `json:"aid"`
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

type Manager struct {
	signingKey []byte
	issuer     string
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		signingKey: []byte(cfg.Session.TokenSigningKey),
		issuer:     cfg.Session.TokenIssuer,
	}
}

// Issue signs a session token expiring alongside the session row.
func (m *Manager) Issue(accountID, sessionID, deviceID string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		AccountID: accountID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and claims. Expired tokens fail here; use
// ParseAllowExpired on the refresh path.
func (m *Manager) Parse(tokenString string) (*SessionClaims, error) {
	return m.parse(tokenString, false)
}

// ParseAllowExpired verifies the signature but tolerates an elapsed expiry
// claim. Refresh resolves the session row and applies its own policy.
func (m *Manager) ParseAllowExpired(tokenString string) (*SessionClaims, error) {
	return m.parse(tokenString, true)
}

func (m *Manager) parse(tokenString string, allowExpired bool) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(30 * time.Second),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrTokenMalformed
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.AccountID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
