// Package auth defines the closed set of login mechanisms an application can
// enable, plus JWT helpers for extracting and verifying user identity from
// session tokens.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Config enumerates the mechanisms an application accepts. A nil field means
// the mechanism is disabled. The core passes this opaquely through the
// coordinator registration handshake and never interprets it.
type Config struct {
	Anonymous *AnonymousConfig `json:"anonymous,omitempty"`
	Nickname  *NicknameConfig  `json:"nickname,omitempty"`
	Google    *GoogleConfig    `json:"google,omitempty"`
	Email     *EmailConfig     `json:"email,omitempty"`
}

// AnonymousConfig enables anonymous login. Separator joins the generated
// adjective/noun parts of the synthetic user name.
type AnonymousConfig struct {
	Separator string `json:"separator"`
}

// NicknameConfig enables self-chosen nickname login. It carries no options.
type NicknameConfig struct{}

// GoogleConfig enables Google identity login.
type GoogleConfig struct {
	ClientID string `json:"clientId"`
}

// EmailConfig enables email login backed by a third-party verification
// service.
type EmailConfig struct {
	SecretAPIKey string `json:"secretApiKey"`
}

// ErrNoIdentity is returned when a token carries no usable user identity.
var ErrNoIdentity = errors.New("auth: token carries no user identity")

// UserFromToken extracts the claims of a JWT without verifying its
// signature. Use it client-side to inspect the identity a trusted backend
// already issued; never use it to authenticate.
//
// Postcondition: returns claims containing a non-empty "id", or an error.
func UserFromToken(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if id, _ := claims["id"].(string); id == "" {
		return nil, ErrNoIdentity
	}
	return claims, nil
}

// VerifyJWT verifies an HMAC-signed token against secret and returns the
// user id held in userIDField ("id" when empty). The boolean is false for
// any invalid, expired, or identity-less token.
func VerifyJWT(token, secret, userIDField string) (string, bool) {
	if userIDField == "" {
		userIDField = "id"
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	// The "id" claim marks the token as a user session token regardless of
	// which field the caller reads the identity from.
	if id, _ := claims["id"].(string); id == "" {
		return "", false
	}
	userID, _ := claims[userIDField].(string)
	if userID == "" {
		return "", false
	}
	return userID, true
}
