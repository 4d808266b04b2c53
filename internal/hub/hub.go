// Package hub tracks live push connections and their entity subscriptions and
// fans events out to them.
//
// Every registered connection owns a bounded send queue drained by its own
// writer goroutine. Publish and Broadcast snapshot their targets under a read
// lock, encode the event once and enqueue without blocking, so one slow or
// dead connection never delays the others. A connection whose queue is full or
// whose write fails is deregistered; the event is not retried.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// Conn is the transport side of one connection.
type Conn interface {
	// WriteMessage sends one encoded event. It is only called from the
	// connection's writer goroutine.
	WriteMessage(data []byte) error
	// Ping sends a liveness probe; the answer is reported through Hub.Touch.
	Ping() error
	Close() error
}

// Hub errors
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrForbidden         = errors.New("not permitted to subscribe to this entity")
)

// Authorizer reports whether a connection may subscribe to entityID.
type Authorizer func(entityID string) bool

// AllowAll permits every subscription.
func AllowAll(string) bool { return true }

type client struct {
	id        string
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
	authorize Authorizer

	// guarded by Hub.mu
	entity string
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub is the subscription and broadcast hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	sendBuffer   int
	pingInterval time.Duration
	log          zerolog.Logger
}

// New creates an empty hub.
func New(cfg config.HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*client),
		sendBuffer:   cfg.SendBuffer,
		pingInterval: cfg.PingInterval,
		log:          logger.WithComponent("hub"),
	}
}

// RegisterOption configures a connection at registration.
type RegisterOption func(*client)

// WithAuthorizer scopes the connection to the entities allow accepts.
func WithAuthorizer(allow Authorizer) RegisterOption {
	return func(c *client) {
		if allow != nil {
			c.authorize = allow
		}
	}
}

// Register adds conn with no subscription, starts its writer and queues a
// welcome event. It returns the connection id.
func (h *Hub) Register(conn Conn, opts ...RegisterOption) string {
	c := &client{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, h.sendBuffer),
		done:      make(chan struct{}),
		authorize: AllowAll,
	}
	c.alive.Store(true)
	for _, opt := range opts {
		opt(c)
	}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.HubConnections.Set(float64(n))
	go h.writeLoop(c)

	h.log.Debug().Str("connection_id", c.id).Int("connections", n).Msg("connection registered")

	_ = h.Send(c.id, models.NewEvent(models.WelcomeData{
		ConnectionID: c.id,
		Message:      "connected",
	}))
	return c.id
}

// Subscribe points the connection at entityID, replacing any prior subscription.
func (h *Hub) Subscribe(connID, entityID string) error {
	if entityID == "" {
		return errs.Validation("hub.subscribe", errors.New("entity id is required"))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if !c.authorize(entityID) {
		return ErrForbidden
	}
	c.entity = entityID
	return nil
}

// Unsubscribe clears the subscription and returns the entity it pointed at.
// It is a no-op for a connection without one.
func (h *Hub) Unsubscribe(connID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	prev := c.entity
	c.entity = ""
	return prev, nil
}

// Subscription returns the entity the connection is subscribed to, if any.
func (h *Hub) Subscription(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok || c.entity == "" {
		return "", false
	}
	return c.entity, true
}

// Deregister removes the connection and closes it. Safe to call more than once.
func (h *Hub) Deregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	metrics.HubConnections.Set(float64(n))
	h.log.Debug().Str("connection_id", connID).Int("connections", n).Msg("connection deregistered")
}

// Publish delivers ev to every connection subscribed to entityID.
func (h *Hub) Publish(entityID string, ev models.Event) {
	h.mu.RLock()
	targets := make([]*client, 0, 4)
	for _, c := range h.clients {
		if c.entity != "" && c.entity == entityID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// Broadcast delivers ev to every registered connection.
func (h *Hub) Broadcast(ev models.Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// Send delivers ev to a single connection.
func (h *Hub) Send(connID string, ev models.Event) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.enqueue(c, data); err != nil {
		h.drop(c, "queue_full", err)
		return err
	}
	metrics.HubEventsSentTotal.WithLabelValues(string(ev.Type())).Inc()
	return nil
}

func (h *Hub) deliver(targets []*client, ev models.Event) {
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(ev.Type())).Msg("failed to encode event")
		return
	}

	sent := 0
	for _, c := range targets {
		if err := h.enqueue(c, data); err != nil {
			h.drop(c, "queue_full", err)
			continue
		}
		sent++
	}
	metrics.HubEventsSentTotal.WithLabelValues(string(ev.Type())).Add(float64(sent))
}

func (h *Hub) enqueue(c *client, data []byte) error {
	select {
	case <-c.done:
		return errs.Delivery("hub.enqueue", errors.New("connection closed"))
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errs.Delivery("hub.enqueue", errors.New("send queue full"))
	}
}

func (h *Hub) drop(c *client, reason string, err error) {
	metrics.HubDeliveryFailuresTotal.WithLabelValues(reason).Inc()
	h.log.Warn().Err(err).Str("connection_id", c.id).Str("reason", reason).Msg("dropping connection")
	h.Deregister(c.id)
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				h.drop(c, "write_error", errs.Delivery("hub.write", err))
				return
			}
		}
	}
}

// Touch records that the connection answered a probe or sent a message.
func (h *Hub) Touch(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		c.alive.Store(true)
	}
}

// Sweep runs one liveness cycle: connections that did not answer since the
// previous sweep are closed, the rest are probed again.
func (h *Hub) Sweep() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		if !c.alive.Swap(false) {
			h.drop(c, "ping_timeout", errs.Delivery("hub.sweep", errors.New("no answer to previous probe")))
			continue
		}
		if err := c.conn.Ping(); err != nil {
			h.drop(c, "write_error", errs.Delivery("hub.ping", err))
		}
	}
}

// Run sweeps on the ping interval until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	h.log.Info().Dur("ping_interval", h.pingInterval).Msg("hub liveness sweep started")

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Close deregisters every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Deregister(id)
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int            `json:"connections"`
	Subscribed  int            `json:"subscribed"`
	PerEntity   map[string]int `json:"per_entity"`
}

// Stats returns the connection and subscription counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{Connections: len(h.clients), PerEntity: make(map[string]int)}
	for _, c := range h.clients {
		if c.entity != "" {
			s.Subscribed++
			s.PerEntity[c.entity]++
		}
	}
	return s
}
