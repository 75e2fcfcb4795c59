package eda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultApiHttpTimeout = 60 * time.Second

// Api issues authenticated JSON requests against the platform REST surface.
//
// A 401 whose body signals token expiry forces one re-authentication through
// the TokenManager and retries the request exactly once. Any other failure is
// surfaced immediately.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *Config
	tokens     *TokenManager
	httpClient *http.Client
	log        Logger
}

func NewApi(ctx context.Context, config *Config, tokens *TokenManager, log Logger) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:        cancelCtx,
		cancel:     cancel,
		config:     config,
		tokens:     tokens,
		httpClient: newHttpClient(config, defaultApiHttpTimeout),
		log:        log,
	}
}

// GetJson gets `path` (relative to the base url) and decodes the response
// into `result`.
func (self *Api) GetJson(ctx context.Context, path string, result any) error {
	if err := self.tokens.WaitUntilAuthenticated(ctx); err != nil {
		return err
	}

	url := self.config.BaseUrl + path

	status, body, err := self.getOnce(ctx, url)
	if err != nil {
		return err
	}

	if isTokenExpired(status, string(body)) {
		self.log.Debugf("[api]token expired, reauthenticating %s", path)
		if err := self.tokens.Authenticate(ctx); err != nil {
			return err
		}
		status, body, err = self.getOnce(ctx, url)
		if err != nil {
			return err
		}
	}

	if status != http.StatusOK {
		return &StatusError{
			Status: status,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(body, result)
}

func (self *Api) getOnce(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, nil, err
	}

	authHeader, err := self.tokens.AuthHeader()
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("Authorization", authHeader)
	req.Header.Add("Accept", "application/json")

	r, err := self.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, err
	}
	return r.StatusCode, body, nil
}

// for internal use
func getJson[R any](ctx context.Context, api *Api, path string) (R, error) {
	var result R
	err := api.GetJson(ctx, path, &result)
	return result, err
}

// Namespaces lists the accessible namespaces from the conventional access
// endpoint. The SpecManager seeds its namespace set through the discovered
// operation instead (paths can move across server versions).
func (self *Api) Namespaces(ctx context.Context) ([]string, error) {
	raw, err := getJson[json.RawMessage](ctx, self, "/core/access/v1/namespaces")
	if err != nil {
		return nil, err
	}
	return parseNamespaces(raw)
}

// TransactionSummary gets the current transaction result summary.
func (self *Api) TransactionSummary(ctx context.Context) (map[string]any, error) {
	return getJson[map[string]any](ctx, self, "/core/transaction/v1/resultsummary")
}

// Alarms lists the current alarms.
func (self *Api) Alarms(ctx context.Context) ([]map[string]any, error) {
	var result []map[string]any
	raw, err := getJson[json.RawMessage](ctx, self, "/core/alarm/v2/alarms")
	if err != nil {
		return nil, err
	}
	// some server versions wrap the list in an object
	if err := json.Unmarshal(raw, &result); err == nil {
		return result, nil
	}
	var wrapped struct {
		Alarms []map[string]any `json:"alarms"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Alarms, nil
}

// AppResource gets one named app resource instance.
func (self *Api) AppResource(
	ctx context.Context,
	group string,
	namespace string,
	plural string,
	name string,
) (map[string]any, error) {
	path := fmt.Sprintf("/apps/%s/v1/namespaces/%s/%s/%s", group, namespace, plural, name)
	return getJson[map[string]any](ctx, self, path)
}

// AppResourceList lists all instances of one app resource kind in a namespace.
func (self *Api) AppResourceList(
	ctx context.Context,
	group string,
	namespace string,
	plural string,
) ([]map[string]any, error) {
	path := fmt.Sprintf("/apps/%s/v1/namespaces/%s/%s", group, namespace, plural)
	return getJson[[]map[string]any](ctx, self, path)
}

func (self *Api) Close() {
	self.cancel()
}

// parseNamespaces tolerates the namespace list shapes seen across server
// versions: a bare array, an object with a `namespaces` array, and elements
// that are either strings or objects with a `name` field.
func parseNamespaces(raw json.RawMessage) ([]string, error) {
	var wrapped struct {
		Namespaces json.RawMessage `json:"namespaces"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Namespaces != nil {
		raw = wrapped.Namespaces
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}

	var items []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	return names, nil
}
