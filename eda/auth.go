package eda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const defaultAuthHttpTimeout = 15 * time.Second

// TokenManager owns the OAuth2 resource-owner-password flow against the
// Keycloak instance reachable through the platform's http proxy path.
//
// Expiry is detected reactively: there is no refresh timer. A 401 observed by
// the Api forces a fresh Authenticate, and all concurrent callers collapse
// into the same in-flight grant.
type TokenManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *Config
	httpClient *http.Client
	log        Logger

	mutex    sync.Mutex
	token    *Token
	inflight *authFlight

	ready     chan struct{}
	readyOnce sync.Once
}

type authFlight struct {
	done chan struct{}
	err  error
}

func NewTokenManager(ctx context.Context, config *Config, log Logger) *TokenManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TokenManager{
		ctx:        cancelCtx,
		cancel:     cancel,
		config:     config,
		httpClient: newHttpClient(config, defaultAuthHttpTimeout),
		log:        log,
		ready:      make(chan struct{}),
	}
}

// Authenticate performs (or joins) one password grant. Overlapping calls wait
// on the same in-flight grant rather than issuing duplicate requests, so it
// also serves as the forced re-authentication entry point.
func (self *TokenManager) Authenticate(ctx context.Context) error {
	self.mutex.Lock()
	flight := self.inflight
	if flight == nil {
		flight = &authFlight{
			done: make(chan struct{}),
		}
		self.inflight = flight
		go self.runAuth(flight)
	}
	self.mutex.Unlock()

	select {
	case <-flight.done:
		return flight.err
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *TokenManager) runAuth(flight *authFlight) {
	token, err := self.authenticate(self.ctx)

	self.mutex.Lock()
	if err == nil {
		self.token = token
	}
	self.inflight = nil
	self.mutex.Unlock()

	if err == nil {
		self.readyOnce.Do(func() {
			close(self.ready)
		})
	}

	flight.err = err
	close(flight.done)
}

func (self *TokenManager) authenticate(ctx context.Context) (*Token, error) {
	secret := self.config.ClientSecret
	if secret == "" {
		resolved, err := self.lookupClientSecret(ctx)
		if err != nil {
			// non fatal. public clients authenticate without a secret
			self.log.Infof("[auth]client secret lookup failed = %s", err)
		} else {
			secret = resolved
		}
	}

	token, err := self.passwordGrant(
		ctx,
		self.config.Realm,
		self.config.ClientId,
		secret,
		self.config.Username,
		self.config.Password,
		[]string{"openid"},
	)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	return token, nil
}

func (self *TokenManager) passwordGrant(
	ctx context.Context,
	realm string,
	clientId string,
	clientSecret string,
	username string,
	password string,
	scopes []string,
) (*Token, error) {
	conf := &oauth2.Config{
		ClientID:     clientId,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: self.tokenUrl(realm),
			// the server expects the client credentials form-encoded in the body
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	grantCtx := context.WithValue(ctx, oauth2.HTTPClient, self.httpClient)
	t, err := conf.PasswordCredentialsToken(grantCtx, username, password)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: t.AccessToken,
		IssuedAt:    time.Now(),
	}, nil
}

func (self *TokenManager) tokenUrl(realm string) string {
	return fmt.Sprintf(
		"%s/core/httpproxy/v1/keycloak/realms/%s/protocol/openid-connect/token",
		self.config.BaseUrl,
		realm,
	)
}

// lookupClientSecret resolves the configured oauth2 client's secret through
// the Keycloak admin API, using the separate admin-only credentials.
func (self *TokenManager) lookupClientSecret(ctx context.Context) (string, error) {
	adminToken, err := self.passwordGrant(
		ctx,
		"master",
		"admin-cli",
		"",
		self.config.KcUsername,
		self.config.KcPassword,
		nil,
	)
	if err != nil {
		return "", err
	}

	clientsUrl := fmt.Sprintf(
		"%s/core/httpproxy/v1/keycloak/admin/realms/%s/clients",
		self.config.BaseUrl,
		self.config.Realm,
	)

	var clients []struct {
		Id       string `json:"id"`
		ClientId string `json:"clientId"`
	}
	if err := self.getJson(ctx, clientsUrl, adminToken, &clients); err != nil {
		return "", err
	}

	for _, client := range clients {
		if client.ClientId == self.config.ClientId {
			var secret struct {
				Value string `json:"value"`
			}
			secretUrl := fmt.Sprintf("%s/%s/client-secret", clientsUrl, client.Id)
			if err := self.getJson(ctx, secretUrl, adminToken, &secret); err != nil {
				return "", err
			}
			return secret.Value, nil
		}
	}
	return "", fmt.Errorf("oauth2 client %q not found in realm %q", self.config.ClientId, self.config.Realm)
}

func (self *TokenManager) getJson(ctx context.Context, url string, token *Token, result any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", token.AuthHeader())

	r, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if r.StatusCode != http.StatusOK {
		return &StatusError{
			Status: r.StatusCode,
			Body:   strings.TrimSpace(string(bodyBytes)),
		}
	}
	return json.Unmarshal(bodyBytes, result)
}

// WaitUntilAuthenticated blocks until the first successful Authenticate.
func (self *TokenManager) WaitUntilAuthenticated(ctx context.Context) error {
	select {
	case <-self.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

// AuthHeader returns the bearer header for the current token.
func (self *TokenManager) AuthHeader() (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.token == nil {
		return "", ErrNotAuthenticated
	}
	return self.token.AuthHeader(), nil
}

// Claims returns the unverified claims of the current token.
func (self *TokenManager) Claims() (*TokenClaims, error) {
	self.mutex.Lock()
	token := self.token
	self.mutex.Unlock()
	if token == nil {
		return nil, ErrNotAuthenticated
	}
	return ParseTokenClaimsUnverified(token.AccessToken)
}

func (self *TokenManager) Close() {
	self.cancel()
}
