// Package tokens issues and validates the subscriber tokens presented by
// real-time clients.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	issuer     = "inbox-relay"
	DefaultTTL = 24 * time.Hour
)

// Claims identify a subscriber within an environment.
type Claims struct {
	SubscriberID   string `json:"subscriberId"`
	EnvironmentID  string `json:"environmentId"`
	OrganizationID string `json:"organizationId,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies subscriber tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token for subscriberID in environmentID.
func (i *Issuer) Issue(subscriberID, environmentID, organizationID string) (string, error) {
	if subscriberID == "" || environmentID == "" {
		return "", fmt.Errorf("%w: subscriber id and environment id are required", ErrInvalidToken)
	}
	now := time.Now()
	claims := Claims{
		SubscriberID:   subscriberID,
		EnvironmentID:  environmentID,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subscriberID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses tokenString and returns its claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SubscriberID == "" || claims.EnvironmentID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
