package eda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func writeJson(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func TestAuthenticateResolvesClientSecret(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var grantSecret atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		assert.Equal(t, "password", r.FormValue("grant_type"))
		assert.Equal(t, "admin-cli", r.FormValue("client_id"))
		assert.Equal(t, "admin", r.FormValue("username"))
		writeJson(w, `{"access_token":"admin-token","token_type":"bearer"}`)
	})
	mux.HandleFunc("/core/httpproxy/v1/keycloak/admin/realms/eda/clients", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		writeJson(w, `[{"id":"abc-123","clientId":"other"},{"id":"def-456","clientId":"eda"}]`)
	})
	mux.HandleFunc("/core/httpproxy/v1/keycloak/admin/realms/eda/clients/def-456/client-secret", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, `{"value":"s3cret"}`)
	})
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/eda/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		grantSecret.Store(r.FormValue("client_secret"))
		assert.Equal(t, "user1", r.FormValue("username"))
		writeJson(w, `{"access_token":"user-token","token_type":"bearer"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := NewTokenManager(ctx, &Config{
		BaseUrl:    server.URL,
		Username:   "user1",
		Password:   "pw",
		ClientId:   "eda",
		KcUsername: "admin",
		KcPassword: "adminpw",
		Realm:      "eda",
	}, NewNopLogger())
	defer tokens.Close()

	err := tokens.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "s3cret", grantSecret.Load())

	authHeader, err := tokens.AuthHeader()
	assert.Equal(t, nil, err)
	assert.Equal(t, "Bearer user-token", authHeader)
}

func TestAuthenticateSecretLookupFailureIsNonFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "admin login disabled", http.StatusForbidden)
	})
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/eda/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		// public client: no secret in the grant
		assert.Equal(t, "", r.FormValue("client_secret"))
		writeJson(w, `{"access_token":"user-token","token_type":"bearer"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := NewTokenManager(ctx, &Config{
		BaseUrl:  server.URL,
		Username: "user1",
		Password: "pw",
		ClientId: "eda",
		Realm:    "eda",
	}, NewNopLogger())
	defer tokens.Close()

	err := tokens.Authenticate(ctx)
	assert.Equal(t, nil, err)
}

func TestAuthenticateFailureIsAuthError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := NewTokenManager(ctx, &Config{
		BaseUrl:      server.URL,
		Username:     "user1",
		Password:     "bad",
		ClientId:     "eda",
		ClientSecret: "s3cret",
		Realm:        "eda",
	}, NewNopLogger())
	defer tokens.Close()

	err := tokens.Authenticate(ctx)
	assert.NotEqual(t, nil, err)

	var authErr *AuthError
	assert.Equal(t, true, errors.As(err, &authErr))

	_, err = tokens.AuthHeader()
	assert.Equal(t, ErrNotAuthenticated, err)
}

func TestAuthenticateCollapsesConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var grantCount int32

	mux := http.NewServeMux()
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/eda/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grantCount, 1)
		time.Sleep(100 * time.Millisecond)
		writeJson(w, `{"access_token":"user-token","token_type":"bearer"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := NewTokenManager(ctx, &Config{
		BaseUrl:      server.URL,
		Username:     "user1",
		Password:     "pw",
		ClientId:     "eda",
		ClientSecret: "s3cret",
		Realm:        "eda",
	}, NewNopLogger())
	defer tokens.Close()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tokens.Authenticate(ctx)
			assert.Equal(t, nil, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&grantCount))

	err := tokens.WaitUntilAuthenticated(ctx)
	assert.Equal(t, nil, err)
}
