package eda

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

const namespacesStream = "namespaces"

// Client composes the Auth, Api, Spec, and Stream sub-clients. Everything is
// constructed once here and passed explicitly; there is no global registry.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	config *Config
	log    Logger

	auth   *TokenManager
	api    *Api
	spec   *SpecManager
	stream *StreamClient

	projector *Projector
}

func NewClientWithDefaults(ctx context.Context, config *Config) *Client {
	return NewClient(ctx, config, DefaultStreamSettings(), NewGlogLogger())
}

func NewClient(ctx context.Context, config *Config, settings *StreamSettings, log Logger) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	auth := NewTokenManager(cancelCtx, config, log)
	api := NewApi(cancelCtx, config, auth, log)
	spec := NewSpecManager(api, NewSpecCache(log), log)
	stream := NewStreamClient(cancelCtx, config, auth, spec, log, settings)

	return &Client{
		ctx:       cancelCtx,
		cancel:    cancel,
		config:    config,
		log:       log,
		auth:      auth,
		api:       api,
		spec:      spec,
		stream:    stream,
		projector: NewProjector(log),
	}
}

// Connect authenticates, runs descriptor discovery, starts the stream
// reconnect loop, and keeps the namespace set current from its stream.
// Only the authentication failure is fatal; discovery degrades silently.
func (self *Client) Connect(ctx context.Context) error {
	if err := self.auth.Authenticate(ctx); err != nil {
		return err
	}
	self.spec.Initialize(ctx)
	self.stream.Connect()
	self.watchNamespaces()
	return nil
}

// watchNamespaces projects the namespaces stream into the spec manager's
// namespace set, keeping the REST-seeded set current.
func (self *Client) watchNamespaces() {
	collection := Collection{}
	var mutex sync.Mutex

	self.stream.Subscribe(namespacesStream, func(frame *Frame) {
		if frame.Kind != FrameUpdate {
			return
		}
		mutex.Lock()
		self.projector.ApplyFrame(collection, namespacesStream, frame)
		names := collectionNames(collection, namespacesStream)
		mutex.Unlock()

		self.spec.SetCachedNamespaces(names)
	})
}

// collectionNames unions the entity names of one stream across all namespace
// buckets. Namespace entities key themselves under their own name.
func collectionNames(collection Collection, streamKey string) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, entities := range collection[streamKey] {
		for name := range entities {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names
}

func (self *Client) Auth() *TokenManager {
	return self.auth
}

func (self *Client) Api() *Api {
	return self.api
}

func (self *Client) Spec() *SpecManager {
	return self.spec
}

func (self *Client) Stream() *StreamClient {
	return self.stream
}

// Namespaces returns the cached namespace set, seeding it over REST when
// discovery has not filled it yet.
func (self *Client) Namespaces(ctx context.Context) ([]string, error) {
	if namespaces := self.spec.CachedNamespaces(); 0 < len(namespaces) {
		return namespaces, nil
	}
	namespaces, err := self.api.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	self.spec.SetCachedNamespaces(namespaces)
	return namespaces, nil
}

func (self *Client) Close() {
	self.stream.Close()
	self.api.Close()
	self.auth.Close()
	self.cancel()
}
