package eda

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joeshaw/envdecode"
)

const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// Config is the credentials bundle for one client instance. Immutable after
// construction; ClientSecret may be resolved lazily via the admin API when
// empty (see TokenManager).
type Config struct {
	BaseUrl  string `env:"EDA_BASE_URL,required"`
	Username string `env:"EDA_USERNAME"`
	Password string `env:"EDA_PASSWORD"`
	ClientId string `env:"EDA_CLIENT_ID,default=eda"`
	// optional. when empty it is looked up through the Keycloak admin API
	ClientSecret string `env:"EDA_CLIENT_SECRET"`
	// Keycloak admin credentials for the client secret lookup
	KcUsername string `env:"EDA_KC_USERNAME,default=admin"`
	KcPassword string `env:"EDA_KC_PASSWORD"`
	// realm the product clients live in
	Realm string `env:"EDA_REALM,default=eda"`

	SkipTlsVerify bool `env:"EDA_SKIP_TLS_VERIFY,default=false"`
}

// ConfigFromEnv populates a Config from EDA_* environment variables.
func ConfigFromEnv() (*Config, error) {
	config := &Config{}
	if err := envdecode.Decode(config); err != nil {
		return nil, err
	}
	config.BaseUrl = strings.TrimSuffix(config.BaseUrl, "/")
	return config, nil
}

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func newHttpClient(config *Config, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTlsVerify,
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// newStreamHttpClient has no overall timeout. Used for long lived per-stream
// subscription requests, which are bounded by their context instead.
func newStreamHttpClient(config *Config) *http.Client {
	return newHttpClient(config, 0)
}

func newWsDialer(config *Config, handshakeTimeout time.Duration) *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTlsVerify,
		},
	}
}

// EventsUrl converts the configured base url to the ws/wss url of the single
// multiplexed streaming endpoint.
func (self *Config) EventsUrl() string {
	u, err := url.Parse(self.BaseUrl)
	if err != nil {
		return self.BaseUrl + "/events"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	return u.String()
}
