package eda

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func encodeTestJwt(claims map[string]any) string {
	header, _ := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	return fmt.Sprintf(
		"%s.%s.sig",
		base64.RawURLEncoding.EncodeToString(header),
		base64.RawURLEncoding.EncodeToString(payload),
	)
}

func TestParseTokenClaimsUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	accessToken := encodeTestJwt(map[string]any{
		"preferred_username": "user1",
		"exp":                exp,
	})

	claims, err := ParseTokenClaimsUnverified(accessToken)
	assert.Equal(t, nil, err)
	assert.Equal(t, "user1", claims.Username)
	assert.Equal(t, exp, claims.ExpiresAt.Unix())
}

func TestParseTokenClaimsBadToken(t *testing.T) {
	_, err := ParseTokenClaimsUnverified("not-a-jwt")
	assert.NotEqual(t, nil, err)
}

func TestTokenAuthHeader(t *testing.T) {
	token := &Token{AccessToken: "abc", IssuedAt: time.Now()}
	assert.Equal(t, "Bearer abc", token.AuthHeader())
}
