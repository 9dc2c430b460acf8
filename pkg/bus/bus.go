// Package bus owns the broker connection used to hand packaged artifacts to
// downstream consumers. It keeps a single NATS connection alive across broker
// restarts: the library's own reconnection is disabled and the client runs an
// explicit disconnected -> connected state machine driven by the close handler
// and a periodic health check, so the service always knows which state it is
// in and never has two reconnect attempts in flight.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultHealthInterval = 30 * time.Second

// Config carries the broker endpoint and client identity.
type Config struct {
	URL            string
	ClientID       string
	HealthInterval time.Duration
}

// Client is a reconnecting publisher with at-least-once delivery semantics.
// Publish calls on one instance are serialized; publishing while disconnected
// is a logged no-op rather than an error, and nothing is buffered for later
// delivery (callers that need a guarantee must check IsConnected first).
type Client struct {
	cfg    Config
	logger *log.Logger

	mu   sync.Mutex // serializes connect/close/publish on the live handle
	conn *nats.Conn
	js   jsContext
	subs map[*subEntry]struct{}

	connected    atomic.Bool
	reconnecting atomic.Bool
	stopped      atomic.Bool

	dial func() (*nats.Conn, error)
}

// jsContext is the slice of the JetStream API the client uses. A thin
// interface here lets tests exercise the subscription bookkeeping without a
// live broker.
type jsContext interface {
	Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	Subscribe(subject string, cb nats.MsgHandler, opts ...nats.SubOpt) (natsSub, error)
}

type natsSub interface {
	Drain() error
}

// jetStream adapts nats.JetStreamContext to jsContext.
type jetStream struct {
	js nats.JetStreamContext
}

func (j jetStream) Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return j.js.Publish(subject, data, opts...)
}

func (j jetStream) Subscribe(subject string, cb nats.MsgHandler, opts ...nats.SubOpt) (natsSub, error) {
	return j.js.Subscribe(subject, cb, opts...)
}

// subEntry is the declared intent to consume a subject. A nats.Subscription
// is bound to the connection it was created on and dies with it, so entries
// are kept independently and re-established after every successful connect.
type subEntry struct {
	subject string
	durable string
	fn      func(Message)
	sub     natsSub
}

// New creates a client for the given broker. No connection is made until
// Start is called.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	c := &Client{cfg: cfg, logger: logger, subs: make(map[*subEntry]struct{})}
	c.dial = func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL,
			nats.Name(cfg.ClientID),
			nats.NoReconnect(),
			nats.ClosedHandler(func(*nats.Conn) {
				c.connected.Store(false)
				c.logger.Printf("WARN broker connection lost, scheduling reconnect")
				go c.tryReconnect()
			}),
		)
	}
	return c
}

// Start attempts the initial connection and launches the health-check loop.
// A failed first connect is logged, not fatal: the loop keeps retrying until
// the broker becomes reachable or ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	if err := c.connect(); err != nil {
		c.logger.Printf("WARN initial broker connect failed: %v", err)
	}
	go c.healthLoop(ctx)
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish marshals msg as JSON and publishes it to subject, waiting for the
// JetStream ack. When disconnected it logs a warning and returns nil.
func (c *Client) Publish(subject string, msg Message) error {
	if !c.IsConnected() {
		c.logger.Printf("WARN dropping %s message for task %s: broker disconnected", msg.Type, msg.TaskID)
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js == nil {
		c.logger.Printf("WARN dropping %s message for task %s: broker disconnected", msg.Type, msg.TaskID)
		return nil
	}
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %q: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable consumer on the given subject and invokes fn
// for each decoded envelope. The registration outlives the underlying
// connection: it is established (or re-established) after every successful
// connect, so an initially unreachable broker or a broker restart only delays
// delivery. The subscription is removed when ctx is cancelled or the returned
// handle is closed.
func (c *Client) Subscribe(ctx context.Context, subject, durable string, fn func(Message)) (io.Closer, error) {
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	e := &subEntry{subject: subject, durable: durable, fn: fn}

	c.mu.Lock()
	c.subs[e] = struct{}{}
	if c.js != nil {
		if err := c.startSub(e); err != nil {
			delete(c.subs, e)
			c.mu.Unlock()
			return nil, err
		}
	} else {
		c.logger.Printf("WARN broker disconnected, deferring subscription to %s", subject)
	}
	c.mu.Unlock()

	s := &subscription{c: c, entry: e}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

// startSub opens the consumer on the live connection. c.mu must be held.
func (c *Client) startSub(e *subEntry) error {
	handler := func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			c.logger.Printf("WARN discarding undecodable message on %s: %v", e.subject, err)
			_ = natsMsg.Ack()
			return
		}
		e.fn(msg)
		_ = natsMsg.Ack()
	}

	sub, err := c.js.Subscribe(e.subject, handler, nats.Durable(e.durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", e.subject, err)
	}
	e.sub = sub
	return nil
}

// resubscribe re-establishes every registered subscription on the current
// connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := range c.subs {
		if err := c.startSub(e); err != nil {
			c.logger.Printf("WARN restore subscription to %s: %v", e.subject, err)
		}
	}
}

// Close shuts down the connection for good; no further reconnects are
// attempted. Pending published messages are flushed.
func (c *Client) Close() {
	c.stopped.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected.Store(false)
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("connect to %q: %w", c.cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = jetStream{js}
	c.mu.Unlock()
	c.connected.Store(true)
	c.resubscribe()
	c.logger.Printf("INFO connected to broker at %s", c.cfg.URL)
	return nil
}

func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			if !c.IsConnected() {
				c.tryReconnect()
			}
		}
	}
}

// tryReconnect is invoked from both the close handler and the health-check
// tick; the CAS guard ensures at most one attempt runs at a time.
func (c *Client) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	if c.IsConnected() || c.stopped.Load() {
		return
	}
	if err := c.connect(); err != nil {
		c.logger.Printf("WARN broker reconnect failed: %v", err)
	}
}

type subscription struct {
	c      *Client
	entry  *subEntry
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.c.mu.Lock()
	delete(s.c.subs, s.entry)
	sub := s.entry.sub
	s.c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Drain()
}
