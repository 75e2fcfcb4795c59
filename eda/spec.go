package eda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const namespacesOperationId = "accessGetNamespaces"
const versionOperationId = "versionGet"

// the two query parameters whose presence marks a GET operation as a
// subscribable stream
const eventClientParameter = "eventclient"
const streamParameter = "stream"

// StreamEndpoint names one subscribable resource collection: the untemplated
// url of its GET operation and its logical stream name.
type StreamEndpoint struct {
	Path   string `json:"path"`
	Stream string `json:"stream"`
}

// Category is the first path segment, used to group endpoints for display.
func (self *StreamEndpoint) Category() string {
	return pathSegments(self.Path)[0]
}

type rootDescriptor struct {
	Paths map[string]rootEntry `json:"paths"`
}

type rootEntry struct {
	ServerRelativeURL string `json:"serverRelativeURL"`
}

type apiDescriptor struct {
	Paths map[string]apiPathItem `json:"paths"`
}

type apiPathItem struct {
	Get *apiOperation `json:"get"`
}

type apiOperation struct {
	OperationId string         `json:"operationId"`
	Parameters  []apiParameter `json:"parameters"`
}

type apiParameter struct {
	Name string `json:"name"`
	In   string `json:"in"`
}

// operationType is the per-operation entry of the companion type-description
// artifact written next to each cached descriptor.
type operationType struct {
	OperationId string `json:"operationId"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Streamable  bool   `json:"streamable"`
}

// SpecManager walks the server's self-describing document tree at startup:
// it locates the core operations by operation id (paths move across server
// versions), derives the version cache key, discovers the streamable
// endpoints, and seeds the namespace set.
//
// Discovery failures leave the manager in a degraded state with an empty
// endpoint list. Dependents treat that as "not yet known", not as an error.
type SpecManager struct {
	api   *Api
	cache *SpecCache
	log   Logger

	mutex      sync.Mutex
	version    string
	endpoints  []*StreamEndpoint
	namespaces []string
}

func NewSpecManager(api *Api, cache *SpecCache, log Logger) *SpecManager {
	return &SpecManager{
		api:   api,
		cache: cache,
		log:   log,
	}
}

// Initialize runs discovery. It never returns an error: failures are logged
// and the manager stays degraded until the next Initialize.
func (self *SpecManager) Initialize(ctx context.Context) {
	if err := self.initialize(ctx); err != nil {
		self.log.Infof("[spec]discovery failed, continuing degraded = %s", err)
	}
}

func (self *SpecManager) initialize(ctx context.Context) error {
	root, err := getJson[rootDescriptor](ctx, self.api, "/openapi/v3")
	if err != nil {
		return fmt.Errorf("root descriptor: %w", err)
	}

	coreUrl := ""
	for apiPath, entry := range root.Paths {
		if pathSegments(apiPath)[0] == "core" {
			coreUrl = entry.ServerRelativeURL
			break
		}
	}
	if coreUrl == "" {
		return fmt.Errorf("root descriptor has no core api")
	}

	coreDoc, err := getJson[apiDescriptor](ctx, self.api, coreUrl)
	if err != nil {
		return fmt.Errorf("core descriptor: %w", err)
	}

	namespacesPath, ok := findOperation(&coreDoc, namespacesOperationId)
	if !ok {
		return fmt.Errorf("core descriptor has no %s operation", namespacesOperationId)
	}
	versionPath, ok := findOperation(&coreDoc, versionOperationId)
	if !ok {
		return fmt.Errorf("core descriptor has no %s operation", versionOperationId)
	}

	var versionResult struct {
		Eda struct {
			Version string `json:"version"`
		} `json:"eda"`
	}
	if err := self.api.GetJson(ctx, versionPath, &versionResult); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	// everything before the first hyphen partitions the cache
	version, _, _ := strings.Cut(versionResult.Eda.Version, "-")
	if version == "" {
		return fmt.Errorf("empty server version")
	}

	endpoints, cached := self.cache.LoadStreamEndpoints(version)
	if !cached {
		endpoints = self.discover(ctx, &root, version)
		self.cache.WriteStreamEndpoints(version, endpoints)
	}

	namespacesRaw, err := getJson[json.RawMessage](ctx, self.api, namespacesPath)
	if err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}
	namespaces, err := parseNamespaces(namespacesRaw)
	if err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}

	self.mutex.Lock()
	self.version = version
	self.endpoints = endpoints
	self.namespaces = namespaces
	self.mutex.Unlock()

	self.log.Infof("[spec]discovered version=%s endpoints=%d namespaces=%d", version, len(endpoints), len(namespaces))
	return nil
}

// discover fetches every sub-api descriptor fresh, writes the raw document
// and its companion type descriptions to the cache, and aggregates the
// derived stream endpoints. A failing sub-api is skipped; the rest still
// contribute.
func (self *SpecManager) discover(ctx context.Context, root *rootDescriptor, version string) []*StreamEndpoint {
	endpoints := []*StreamEndpoint{}

	apiPaths := maps.Keys(root.Paths)
	slices.Sort(apiPaths)

	for _, apiPath := range apiPaths {
		raw, err := getJson[json.RawMessage](ctx, self.api, root.Paths[apiPath].ServerRelativeURL)
		if err != nil {
			self.log.Infof("[spec]descriptor %s = %s", apiPath, err)
			continue
		}
		var doc apiDescriptor
		if err := json.Unmarshal(raw, &doc); err != nil {
			self.log.Infof("[spec]descriptor %s = %s", apiPath, err)
			continue
		}

		category, name := categoryName(apiPath)
		self.cache.WriteDescriptor(version, category, name, raw)
		self.cache.WriteTypes(version, category, name, operationTypes(&doc))

		endpoints = append(endpoints, deriveStreamEndpoints(&doc)...)
	}

	slices.SortFunc(endpoints, func(a *StreamEndpoint, b *StreamEndpoint) int {
		return strings.Compare(a.Stream, b.Stream)
	})
	return endpoints
}

func (self *SpecManager) Version() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.version
}

func (self *SpecManager) StreamEndpoints() []*StreamEndpoint {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.endpoints)
}

func (self *SpecManager) EndpointForStream(stream string) (*StreamEndpoint, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, endpoint := range self.endpoints {
		if endpoint.Stream == stream {
			return endpoint, true
		}
	}
	return nil, false
}

// StreamGroups groups the discovered endpoints by category for display.
func (self *SpecManager) StreamGroups() map[string][]*StreamEndpoint {
	groups := map[string][]*StreamEndpoint{}
	for _, endpoint := range self.StreamEndpoints() {
		category := endpoint.Category()
		groups[category] = append(groups[category], endpoint)
	}
	return groups
}

func (self *SpecManager) CachedNamespaces() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.namespaces)
}

func (self *SpecManager) SetCachedNamespaces(namespaces []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.namespaces = slices.Clone(namespaces)
}

// deriveStreamEndpoints scans a descriptor for GET operations that declare
// both the event client id and stream name query parameters. Templated paths
// are excluded: a parameterized collection cannot be subscribed as a whole.
func deriveStreamEndpoints(doc *apiDescriptor) []*StreamEndpoint {
	endpoints := []*StreamEndpoint{}
	for path, item := range doc.Paths {
		if item.Get == nil {
			continue
		}
		if strings.Contains(path, "{") {
			continue
		}
		if !hasParameter(item.Get, eventClientParameter) || !hasParameter(item.Get, streamParameter) {
			continue
		}
		segments := pathSegments(path)
		endpoints = append(endpoints, &StreamEndpoint{
			Path:   path,
			Stream: segments[len(segments)-1],
		})
	}
	return endpoints
}

func hasParameter(op *apiOperation, name string) bool {
	for _, parameter := range op.Parameters {
		if parameter.Name == name {
			return true
		}
	}
	return false
}

func findOperation(doc *apiDescriptor, operationId string) (string, bool) {
	for path, item := range doc.Paths {
		if item.Get != nil && item.Get.OperationId == operationId {
			return path, true
		}
	}
	return "", false
}

// categoryName derives the cache (category, name) pair from a sub-api path:
// the first segment is the category; for the apps category the name is the
// second segment up to its first dot, otherwise the category itself.
func categoryName(apiPath string) (string, string) {
	segments := pathSegments(apiPath)
	category := segments[0]
	name := category
	if category == "apps" && 1 < len(segments) {
		name, _, _ = strings.Cut(segments[1], ".")
	}
	return category, name
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{""}
	}
	return strings.Split(trimmed, "/")
}
