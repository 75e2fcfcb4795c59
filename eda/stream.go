package eda

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const streamSendBufferSize = 1

// query streams are served by the eql endpoint with a generated stream name
const queryStreamPath = "/core/query/v1/eql"

// StreamState names one state of the reconnect state machine.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamRegistering
	StreamActive
	StreamClosing
	StreamErroring
)

func (self StreamState) String() string {
	switch self {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamRegistering:
		return "registering"
	case StreamActive:
		return "active"
	case StreamClosing:
		return "closing"
	case StreamErroring:
		return "erroring"
	default:
		return "invalid"
	}
}

type streamEvent int

const (
	eventConnect streamEvent = iota
	eventTransportOpen
	eventRegistered
	eventTransportError
	eventTransportClosed
	eventClose
)

// nextStreamState is the single transition function of the reconnect state
// machine: Disconnected -> Connecting -> Registering -> Active ->
// (Closing|Erroring) -> Disconnected.
func nextStreamState(state StreamState, event streamEvent) StreamState {
	switch event {
	case eventConnect:
		if state == StreamDisconnected {
			return StreamConnecting
		}
	case eventTransportOpen:
		if state == StreamConnecting {
			return StreamRegistering
		}
	case eventRegistered:
		if state == StreamRegistering {
			return StreamActive
		}
	case eventTransportError:
		switch state {
		case StreamConnecting, StreamRegistering, StreamActive:
			return StreamErroring
		}
	case eventClose:
		switch state {
		case StreamConnecting, StreamRegistering, StreamActive:
			return StreamClosing
		}
	case eventTransportClosed:
		return StreamDisconnected
	}
	return state
}

type StreamSettings struct {
	KeepAliveInterval  time.Duration
	ReconnectTimeout   time.Duration
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		KeepAliveInterval:  500 * time.Millisecond,
		ReconnectTimeout:   2 * time.Second,
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// StreamHandler receives the parsed frames of one logical stream, strictly in
// arrival order for frames carried on one connection.
type StreamHandler func(frame *Frame)

type subscription struct {
	handler StreamHandler
	// query streams carry their own path and query text. resource streams
	// resolve the path from the spec manager at handshake time.
	path  string
	query string
	// cancels the in-flight per-stream request, nil when none
	cancel context.CancelFunc
}

// StreamClient multiplexes every logical subscription over one websocket to
// the events endpoint.
//
// On connect the server's first frame is a register envelope carrying the
// session client id; only then are the per-stream subscription handshakes
// issued, one long lived http request per stream correlated by that id.
// Inbound frames are demultiplexed by stream name. A keep-alive "next"
// message is sent per active stream every KeepAliveInterval.
//
// Any transport error discards the session id and reconnects after a fixed
// ReconnectTimeout. The subscription set is not cleared: every member is
// re-subscribed once a new session id is obtained, so subscribers observe at
// most a brief gap, never a silent permanent unsubscription.
type StreamClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *Config
	tokens   *TokenManager
	spec     *SpecManager
	settings *StreamSettings
	log      Logger

	httpClient *http.Client
	wsDialer   *websocket.Dialer

	mutex         sync.Mutex
	state         StreamState
	clientId      string
	connCtx       context.Context
	subscriptions map[string]*subscription
	running       bool
	closed        bool
}

func NewStreamClientWithDefaults(
	ctx context.Context,
	config *Config,
	tokens *TokenManager,
	spec *SpecManager,
	log Logger,
) *StreamClient {
	return NewStreamClient(ctx, config, tokens, spec, log, DefaultStreamSettings())
}

func NewStreamClient(
	ctx context.Context,
	config *Config,
	tokens *TokenManager,
	spec *SpecManager,
	log Logger,
	settings *StreamSettings,
) *StreamClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		config:        config,
		tokens:        tokens,
		spec:          spec,
		settings:      settings,
		log:           log,
		httpClient:    newStreamHttpClient(config),
		wsDialer:      newWsDialer(config, settings.WsHandshakeTimeout),
		state:         StreamDisconnected,
		subscriptions: map[string]*subscription{},
	}
}

// Connect starts the reconnect loop. Calling it again while the loop is
// running, or after Close, has no effect.
func (self *StreamClient) Connect() {
	self.mutex.Lock()
	if self.running || self.closed {
		self.mutex.Unlock()
		return
	}
	self.running = true
	self.mutex.Unlock()

	go self.run()
}

func (self *StreamClient) run() {
	defer self.cancel()

	for {
		self.transition(eventConnect)

		err := self.runConnection()
		if err != nil {
			self.log.Infof("[stream]connection error = %s", err)
			self.transition(eventTransportError)
		} else {
			self.transition(eventClose)
		}
		self.transition(eventTransportClosed)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// runConnection runs one websocket connection to completion. A nil return
// means the connection ended by cancellation rather than a transport error.
func (self *StreamClient) runConnection() error {
	if err := self.tokens.WaitUntilAuthenticated(self.ctx); err != nil {
		return err
	}
	authHeader, err := self.tokens.AuthHeader()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Add("Authorization", authHeader)
	ws, _, err := self.wsDialer.DialContext(self.ctx, self.config.EventsUrl(), header)
	if err != nil {
		return err
	}
	defer ws.Close()

	self.transition(eventTransportOpen)

	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()

	self.mutex.Lock()
	self.connCtx = connCtx
	self.mutex.Unlock()

	defer func() {
		// the session id is not reusable across connections
		self.mutex.Lock()
		self.clientId = ""
		self.connCtx = nil
		for _, sub := range self.subscriptions {
			sub.cancel = nil
		}
		self.mutex.Unlock()
	}()

	// unblock the read loop when anything cancels the connection
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	send := make(chan []byte, streamSendBufferSize)

	go func() {
		defer connCancel()

		for {
			select {
			case <-connCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					self.log.Debugf("[stream]-> error = %s", err)
					return
				}
			}
		}
	}()

	go self.runKeepAlive(connCtx, send)

	for {
		select {
		case <-connCtx.Done():
			return nil
		default:
		}

		_, message, err := ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() != nil || connCtx.Err() != nil {
				return nil
			}
			return err
		}
		self.handleMessage(connCtx, message)
	}
}

// runKeepAlive tells the server the consumer is still reading: one
// `{"type":"next","stream":<name>}` per subscribed stream per interval.
// Unsubscribed streams stop receiving keep-alives immediately.
func (self *StreamClient) runKeepAlive(connCtx context.Context, send chan []byte) {
	defer func() {
		if r := recover(); r != nil {
			self.log.Errorf("[stream]keepalive panic = %s", r)
		}
	}()

	ticker := time.NewTicker(self.settings.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
		}

		if self.State() != StreamActive {
			continue
		}

		for _, name := range self.SubscribedStreams() {
			message, err := gojson.Marshal(map[string]string{
				"type":   "next",
				"stream": name,
			})
			if err != nil {
				continue
			}
			select {
			case <-connCtx.Done():
				return
			case send <- message:
			}
		}
	}
}

func (self *StreamClient) handleMessage(connCtx context.Context, message []byte) {
	frame, err := ParseFrame(message)
	if err != nil {
		// one bad frame must not tear down the connection
		self.log.Debugf("[stream]drop malformed frame = %s", err)
		return
	}

	if frame.Kind == FrameRegister {
		self.mutex.Lock()
		self.clientId = frame.ClientId
		subscriptions := maps.Clone(self.subscriptions)
		self.mutex.Unlock()

		self.transition(eventRegistered)
		self.log.Debugf("[stream]registered client=%s", frame.ClientId)

		for name, sub := range subscriptions {
			self.openStream(connCtx, name, sub)
		}
		return
	}

	self.dispatch(frame)
}

func (self *StreamClient) dispatch(frame *Frame) {
	if frame.Stream == "" {
		self.log.Debugf("[stream]drop %s frame without stream name", frame.Kind)
		return
	}

	self.mutex.Lock()
	sub := self.subscriptions[frame.Stream]
	self.mutex.Unlock()

	if sub == nil {
		self.log.Debugf("[stream]drop frame for inactive stream %s", frame.Stream)
		return
	}
	sub.handler(frame)
}

// openStream issues the per-stream subscription handshake: a long lived GET
// correlated by the session client id, whose body is a newline-delimited
// sequence of frames.
func (self *StreamClient) openStream(connCtx context.Context, name string, sub *subscription) {
	path := sub.path
	if path == "" {
		endpoint, ok := self.spec.EndpointForStream(name)
		if !ok {
			self.log.Infof("[stream]no endpoint for %s, retrying on next connect", name)
			return
		}
		path = endpoint.Path
	}

	self.mutex.Lock()
	clientId := self.clientId
	if clientId == "" || sub.cancel != nil {
		// not registered yet, or a handshake is already in flight.
		// the register handler opens the full set after registration.
		self.mutex.Unlock()
		return
	}
	streamCtx, streamCancel := context.WithCancel(connCtx)
	sub.cancel = streamCancel
	self.mutex.Unlock()

	go func() {
		defer streamCancel()
		err := self.runSubscription(streamCtx, clientId, name, path, sub.query)
		if err != nil && streamCtx.Err() == nil {
			self.log.Infof("[stream]%s subscription ended = %s", name, err)
		}
	}()
}

func (self *StreamClient) runSubscription(
	ctx context.Context,
	clientId string,
	name string,
	path string,
	query string,
) error {
	subscribeUrl := fmt.Sprintf(
		"%s%s?%s=%s&%s=%s",
		self.config.BaseUrl,
		path,
		eventClientParameter,
		url.QueryEscape(clientId),
		streamParameter,
		url.QueryEscape(name),
	)
	if query != "" {
		subscribeUrl += "&query=" + url.QueryEscape(query)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", subscribeUrl, nil)
	if err != nil {
		return err
	}
	authHeader, err := self.tokens.AuthHeader()
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", authHeader)
	req.Header.Add("Accept", "text/event-stream")

	r, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
		return &StatusError{
			Status: r.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, err := ParseFrame(line)
		if err != nil {
			self.log.Debugf("[stream]%s drop malformed frame = %s", name, err)
			continue
		}
		if frame.Stream == "" {
			frame.Stream = name
		}
		self.dispatch(frame)
	}
	return scanner.Err()
}

// Subscribe adds the stream to the subscription set and, when a session is
// active, issues the handshake immediately. The set survives reconnects.
func (self *StreamClient) Subscribe(name string, handler StreamHandler) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	sub := &subscription{
		handler: handler,
	}
	self.subscriptions[name] = sub
	connCtx := self.connCtx
	self.mutex.Unlock()

	if connCtx != nil {
		self.openStream(connCtx, name, sub)
	}
}

// SubscribeQuery opens a query stream. Each execution gets a generated
// unique stream name so concurrent queries do not collide. The returned name
// must be passed to Unsubscribe when the consumer is done, which also
// signals the server to stop producing results.
func (self *StreamClient) SubscribeQuery(query string, handler StreamHandler) string {
	name := fmt.Sprintf("eql-%s", strings.ToLower(ulid.Make().String()))

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return name
	}
	sub := &subscription{
		handler: handler,
		path:    queryStreamPath,
		query:   query,
	}
	self.subscriptions[name] = sub
	connCtx := self.connCtx
	self.mutex.Unlock()

	if connCtx != nil {
		self.openStream(connCtx, name, sub)
	}
	return name
}

// Unsubscribe removes the stream from the set and tears down its in-flight
// request. Other active streams on the same connection are unaffected.
// Inbound frames for the name are dropped afterward.
func (self *StreamClient) Unsubscribe(name string) {
	self.mutex.Lock()
	sub := self.subscriptions[name]
	delete(self.subscriptions, name)
	self.mutex.Unlock()

	if sub != nil && sub.cancel != nil {
		sub.cancel()
	}
}

// SubscribedStreams returns the sorted names in the subscription set.
func (self *StreamClient) SubscribedStreams() []string {
	self.mutex.Lock()
	names := maps.Keys(self.subscriptions)
	self.mutex.Unlock()
	slices.Sort(names)
	return names
}

func (self *StreamClient) State() StreamState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// ClientId returns the current session client id, empty outside Active.
func (self *StreamClient) ClientId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clientId
}

func (self *StreamClient) transition(event streamEvent) StreamState {
	self.mutex.Lock()
	prev := self.state
	self.state = nextStreamState(prev, event)
	state := self.state
	self.mutex.Unlock()

	if prev != state {
		self.log.Debugf("[stream]%s -> %s", prev, state)
	}
	return state
}

// Close stops the keep-alive timer, closes the transport, and disables
// reconnect. The client is unusable afterward.
func (self *StreamClient) Close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()

	self.transition(eventClose)
	self.cancel()
}
