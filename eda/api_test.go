package eda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newAuthedTestClients(t *testing.T, mux *http.ServeMux) (*httptest.Server, *TokenManager, *Api) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var grantCount int32
	mux.HandleFunc("/core/httpproxy/v1/keycloak/realms/eda/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&grantCount, 1)
		writeJson(w, fmt.Sprintf(`{"access_token":"tok%d","token_type":"bearer"}`, n))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	config := &Config{
		BaseUrl:      server.URL,
		Username:     "user1",
		Password:     "pw",
		ClientId:     "eda",
		ClientSecret: "s3cret",
		Realm:        "eda",
	}
	tokens := NewTokenManager(ctx, config, NewNopLogger())
	t.Cleanup(tokens.Close)

	err := tokens.Authenticate(ctx)
	assert.Equal(t, nil, err)

	api := NewApi(ctx, config, tokens, NewNopLogger())
	t.Cleanup(api.Close)

	return server, tokens, api
}

func TestGetJsonRetriesOnceOnExpiredToken(t *testing.T) {
	var resourceCount int32

	mux := http.NewServeMux()
	mux.HandleFunc("/core/thing/v1/things", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&resourceCount, 1)
		if r.Header.Get("Authorization") == "Bearer tok1" {
			http.Error(w, "token is expired", http.StatusUnauthorized)
			return
		}
		writeJson(w, `{"ok":true}`)
	})

	_, _, api := newAuthedTestClients(t, mux)

	var result struct {
		Ok bool `json:"ok"`
	}
	err := api.GetJson(context.Background(), "/core/thing/v1/things", &result)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, result.Ok)

	// one original request, one retry after the forced re-authentication
	assert.Equal(t, int32(2), atomic.LoadInt32(&resourceCount))

	authHeader, err := api.tokens.AuthHeader()
	assert.Equal(t, nil, err)
	assert.Equal(t, "Bearer tok2", authHeader)
}

func TestGetJsonDoesNotRetryPlainUnauthorized(t *testing.T) {
	var resourceCount int32

	mux := http.NewServeMux()
	mux.HandleFunc("/core/thing/v1/things", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&resourceCount, 1)
		http.Error(w, "forbidden for this user", http.StatusUnauthorized)
	})

	_, _, api := newAuthedTestClients(t, mux)

	err := api.GetJson(context.Background(), "/core/thing/v1/things", nil)
	assert.NotEqual(t, nil, err)

	var statusErr *StatusError
	assert.Equal(t, true, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)

	assert.Equal(t, int32(1), atomic.LoadInt32(&resourceCount))
}

func TestGetJsonSurfacesSecondFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/core/thing/v1/things", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token is expired", http.StatusUnauthorized)
	})

	_, _, api := newAuthedTestClients(t, mux)

	err := api.GetJson(context.Background(), "/core/thing/v1/things", nil)
	assert.NotEqual(t, nil, err)

	var statusErr *StatusError
	assert.Equal(t, true, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
}

func TestNamespacesTypedGetter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/core/access/v1/namespaces", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, `{"namespaces":[{"name":"ns1"},{"name":"ns2"}]}`)
	})

	_, _, api := newAuthedTestClients(t, mux)

	namespaces, err := api.Namespaces(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"ns1", "ns2"}, namespaces)
}

func TestParseNamespacesShapes(t *testing.T) {
	for _, body := range []string{
		`["ns1","ns2"]`,
		`{"namespaces":["ns1","ns2"]}`,
		`[{"name":"ns1"},{"name":"ns2"}]`,
		`{"namespaces":[{"name":"ns1"},{"name":"ns2"}]}`,
	} {
		namespaces, err := parseNamespaces(json.RawMessage(body))
		assert.Equal(t, nil, err)
		assert.Equal(t, []string{"ns1", "ns2"}, namespaces)
	}
}
