package eda

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Token is one session token. Owned exclusively by the TokenManager and
// replaced whole on every re-authentication, never partially updated.
type Token struct {
	AccessToken string
	IssuedAt    time.Time
}

func (self *Token) AuthHeader() string {
	return fmt.Sprintf("Bearer %s", self.AccessToken)
}

// TokenClaims are the claims of interest from the access token. The token is
// not verified locally. The server is the authority; claims are used only for
// display and trace logging.
type TokenClaims struct {
	Username  string
	ExpiresAt time.Time
}

func ParseTokenClaimsUnverified(accessToken string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if username, ok := claims["preferred_username"].(string); ok {
		tokenClaims.Username = username
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tokenClaims.ExpiresAt = exp.Time
	}

	return tokenClaims, nil
}
