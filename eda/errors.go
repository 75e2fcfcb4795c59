package eda

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated is returned when a bearer header is requested before the
// first successful authentication.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError wraps a failure to obtain a token. Callers surface the message to
// the user; it never tears down the process.
type AuthError struct {
	Err error
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", self.Err)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

// StatusError carries a non-2xx HTTP status and the response body text.
type StatusError struct {
	Status int
	Body   string
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", self.Status, self.Body)
}

// isTokenExpired reports whether a response signals an expired bearer token,
// which is the only condition that triggers the single re-auth retry.
func isTokenExpired(status int, body string) bool {
	return status == 401 && strings.Contains(strings.ToLower(body), "expired")
}
