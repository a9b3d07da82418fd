// Package client implements the realtime synchronization core: a persistent
// websocket connector with request/response semantics layered over pub/sub,
// an idempotent room presence manager, and the quiz session state machine
// that keeps every participant's view of the active question in agreement.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

// Status is the connector's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Handler receives the raw payload of a subscribed event. Handlers run
// serially on the connector's read loop; a panicking handler is recovered
// and logged so one bad payload cannot stall the whole synchronization loop.
type Handler func(payload json.RawMessage)

// RoomBinding records which room and local identity this connection has
// successfully joined. It is the idempotency anchor for JoinRoom.
type RoomBinding struct {
	RoomCode string
	UserID   domain.UserID
}

// ResponseError is a server-declined command: the correlated error event
// arrived before the success event.
type ResponseError struct {
	Event   string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// Options configures a Connector.
type Options struct {
	// URL is the websocket endpoint of the session server.
	URL string
	// ConnectTimeout bounds a single connection attempt. Defaults to 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every request/response command. Defaults to 10s.
	RequestTimeout time.Duration
	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Connector owns one logical connection per client. Connect is idempotent,
// commands that need a result go through Request, and unsolicited broadcasts
// are delivered to Subscribe handlers.
type Connector struct {
	opts Options

	connectSF singleflight.Group

	mu          sync.Mutex
	status      Status
	conn        *websocket.Conn
	done        chan struct{}
	deliberate  bool
	handlers    map[string]map[int]Handler
	nextHandler int
	binding     *RoomBinding
	downFns     map[int]func()
	nextDownFn  int

	writeMu sync.Mutex
}

// NewConnector builds a disconnected Connector.
func NewConnector(opts Options) *Connector {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Connector{
		opts:     opts,
		status:   StatusDisconnected,
		handlers: make(map[string]map[int]Handler),
		downFns:  make(map[int]func()),
	}
}

// Status returns the current connection state.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the websocket if needed. Calling it while already
// connected resolves immediately; calling it while an attempt is in flight
// joins that attempt instead of dialing a second socket. On failure internal
// state is reset so a later call can retry cleanly.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.connectSF.Do("connect", func() (any, error) {
		return nil, c.dial(ctx)
	})
	return err
}

func (c *Connector) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(dialCtx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("connect %s: %w", c.opts.URL, domain.ErrConnectionTimeout)
		}
		return fmt.Errorf("connect %s: %w", c.opts.URL, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.done = done
	c.mu.Unlock()

	go c.readPump(conn, done)
	return nil
}

// readPump is the single dispatcher of incoming events. Handlers run on this
// goroutine, so delivery within one connection is serialized.
func (c *Connector) readPump(conn *websocket.Conn, done chan struct{}) {
	defer c.closeConn(conn, done)
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == "" {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connector) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	registered := c.handlers[env.Type]
	snapshot := make([]Handler, 0, len(registered))
	for _, h := range registered {
		snapshot = append(snapshot, h)
	}
	c.mu.Unlock()

	for _, h := range snapshot {
		c.invoke(env.Type, env.Payload, h)
	}
}

func (c *Connector) invoke(eventType string, payload json.RawMessage, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("handler for %s panicked: %v", eventType, r)
		}
	}()
	h(payload)
}

// Disconnect closes the underlying socket on purpose: disconnect observers
// do not fire. In-flight requests resolve with ErrConnectionClosed rather
// than hanging until their timeout.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.deliberate = true
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close tears the connection down and removes every registered handler,
// including ones the caller forgot to unsubscribe. The room binding is
// cleared so a fresh session can start from scratch.
func (c *Connector) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.handlers = make(map[string]map[int]Handler)
	c.downFns = make(map[int]func())
	c.binding = nil
	c.mu.Unlock()
}

func (c *Connector) closeConn(conn *websocket.Conn, done chan struct{}) {
	conn.Close()
	c.mu.Lock()
	dropped := false
	if c.conn == conn {
		c.conn = nil
		c.status = StatusDisconnected
		dropped = !c.deliberate
		c.deliberate = false
	}
	var observers []func()
	if dropped {
		observers = make([]func(), 0, len(c.downFns))
		for _, f := range c.downFns {
			observers = append(observers, f)
		}
	}
	c.mu.Unlock()
	close(done)
	for _, f := range observers {
		go f()
	}
}

// NotifyDisconnect registers an observer that runs whenever the connection
// drops without Disconnect or Close having been called. Returns the
// observer's cancel func.
func (c *Connector) NotifyDisconnect(f func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextDownFn
	c.nextDownFn++
	c.downFns[id] = f
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.downFns, id)
	}
}

// Publish fires a command without waiting for any response.
func (c *Connector) Publish(eventType string, payload any) error {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe registers a handler for an event and returns its cancel func.
func (c *Connector) Subscribe(eventType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]Handler)
	}
	id := c.nextHandler
	c.nextHandler++
	c.handlers[eventType][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handlers[eventType]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(c.handlers, eventType)
			}
		}
	}
}

// Unsubscribe drops every handler registered for an event.
func (c *Connector) Unsubscribe(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, eventType)
}

// Request emits a command and races two one-shot listeners, the command's
// success event and its error event, against the request timeout. Whichever
// fires first wins; both listeners are always unregistered afterwards so a
// later identical command cannot be answered by a stale listener.
func (c *Connector) Request(ctx context.Context, cmdType string, payload any, successEvent, errorEvent string) (json.RawMessage, error) {
	respCh := make(chan json.RawMessage, 1)
	failCh := make(chan string, 1)

	cancelOK := c.Subscribe(successEvent, func(p json.RawMessage) {
		select {
		case respCh <- p:
		default:
		}
	})
	defer cancelOK()
	cancelFail := c.Subscribe(errorEvent, func(p json.RawMessage) {
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(p, &ep)
		select {
		case failCh <- ep.Message:
		default:
		}
	})
	defer cancelFail()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if err := c.Publish(cmdType, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case p := <-respCh:
		return p, nil
	case msg := <-failCh:
		return nil, &ResponseError{Event: errorEvent, Message: msg}
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", cmdType, domain.ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("%s: %w", cmdType, domain.ErrConnectionClosed)
	}
}

// BindRoom records the joined room. Presence uses it to suppress duplicate
// join commands from repeated mounts of the same screen.
func (c *Connector) BindRoom(roomCode string, userID domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binding = &RoomBinding{RoomCode: roomCode, UserID: userID}
}

// Binding returns the current room binding, if any.
func (c *Connector) Binding() (RoomBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return RoomBinding{}, false
	}
	return *c.binding, true
}

// ClearBinding drops the room binding. Called on leave, join failure, and
// join timeout; the binding is never left dangling.
func (c *Connector) ClearBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binding = nil
}
