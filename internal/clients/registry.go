// Package clients tracks registered API clients and their per-session
// event queues. A client is created by /register, fed by scan jobs and
// drained by /event long-polls until /unregister closes it.
package clients

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrAlreadyRegistered reports a token collision on Add. The original
// client keeps its slot.
var ErrAlreadyRegistered = errors.New("clients: token already registered")

// ErrNotRegistered reports an unknown token on Get or Remove.
var ErrNotRegistered = errors.New("clients: token not registered")

// Client owns one bounded event queue. Push never blocks: when the
// queue is full the oldest event is dropped to make room, so a slow
// poller sees the newest window of events rather than stalling a scan.
type Client struct {
	token string

	mu     sync.Mutex
	closed bool
	events chan api.Event
}

// NewClient builds a client with a queue holding up to queueSize events.
func NewClient(token string, queueSize int) *Client {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Client{
		token:  token,
		events: make(chan api.Event, queueSize),
	}
}

// Token returns the session token this client was registered under.
func (c *Client) Token() string {
	return c.token
}

// Push enqueues an event, evicting the oldest entry when the queue is
// full. It returns false once the client is closed.
func (c *Client) Push(ev api.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.events <- ev:
			return true
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// Pop waits for the next event. It returns false when the context is
// canceled, the expire channel fires, or the queue is closed and drained.
func (c *Client) Pop(ctx context.Context, expire <-chan time.Time) (api.Event, bool) {
	select {
	case ev, ok := <-c.events:
		return ev, ok
	case <-ctx.Done():
		return api.Event{}, false
	case <-expire:
		return api.Event{}, false
	}
}

// Close marks the client closed and releases any blocked Pop. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Registry is the token-keyed client table. All operations are safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	logger  pslog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger pslog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		logger:  svcfields.WithSubsystem(logger, "clients"),
	}
}

// Add inserts a client under its token. An existing registration under
// the same token is never overwritten.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.token]; ok {
		r.logger.Warn("error adding client to the clients table", "token", c.token)
		return ErrAlreadyRegistered
	}
	r.clients[c.token] = c
	return nil
}

// Get looks up the client for a token.
func (r *Registry) Get(token string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[token]
	if !ok {
		return nil, ErrNotRegistered
	}
	return c, nil
}

// Remove deletes the registration and closes the client's queue.
func (r *Registry) Remove(token string) error {
	r.mu.Lock()
	c, ok := r.clients[token]
	if ok {
		delete(r.clients, token)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("client is not registered", "token", token)
		return ErrNotRegistered
	}
	c.Close()
	return nil
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close removes and closes every registered client. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
