// Package license gates bookrunner's CLI entry point behind a machine-bound
// token, so a production binary refuses to start on hardware it wasn't
// issued for.
package license

import (
	"fmt"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a license token to the machine it was issued for.
type Claims struct {
	Machine string `json:"machine"`
	jwt.RegisteredClaims
}

// Issue signs a token for machine, valid for ttl.
func Issue(secret, machine string, ttl time.Duration) (string, error) {
	claims := Claims{
		Machine: machine,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parse(secret, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// currentMachineID returns a stable per-host identifier used both to issue
// and to check license tokens.
func currentMachineID() (string, error) {
	return machineid.ID()
}

// Check verifies token was issued for the machine bookrunner is currently
// running on and hasn't expired.
func Check(secret, token string) error {
	mid, err := currentMachineID()
	if err != nil {
		return fmt.Errorf("read machine id: %w", err)
	}
	claims, err := parse(secret, token)
	if err != nil {
		return fmt.Errorf("parse license token: %w", err)
	}
	if claims.Machine != mid {
		return fmt.Errorf("license bound to a different machine")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("license expired at %s", claims.ExpiresAt.Time)
	}
	return nil
}
