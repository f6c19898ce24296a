// Package notify pushes live change notifications to connected clients.
// Delivery is best-effort by design: no durable cursor, no replay after
// reconnect. Clients that need consistency reconcile against the projections
// instead.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ripple/internal/event"
)

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripple_notify_connections",
		Help: "Currently registered notification connections",
	})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_notify_delivered_total",
		Help: "Notifications handed to connection buffers, by topic",
	}, []string{"topic"})

	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripple_notify_dropped_total",
		Help: "Notifications dropped because a connection buffer was full",
	})
)

// Notification is the outbound frame pushed to clients.
type Notification struct {
	Topic     string       `json:"topic"`
	Operation string       `json:"operation"`
	Payload   event.Fields `json:"payload"`
}

// Subscription is one client's ephemeral view: its topic filter plus the
// buffered channel its writer goroutine drains. It exists from connect to
// disconnect and is never persisted.
type Subscription struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	topics map[string]struct{}
	send   chan Notification
}

// C is the channel the connection's writer drains.
func (s *Subscription) C() <-chan Notification { return s.send }

// Subscribe adds topics to the filter.
func (s *Subscription) Subscribe(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
}

// Unsubscribe removes topics from the filter.
func (s *Subscription) Unsubscribe(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// offer enqueues without ever blocking: when the buffer is full the oldest
// pending notification for this connection is dropped to make room, so one
// slow client cannot stall the dispatch loop or its peers.
func (s *Subscription) offer(n Notification) {
	for {
		select {
		case s.send <- n:
			return
		default:
		}
		select {
		case <-s.send:
			notificationsDropped.Inc()
		default:
		}
	}
}

// Hub is the concurrency-safe registry of live subscriptions, keyed by
// connection ID and mutated only through Register, Unregister and Publish.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-connection outbound buffer size. Values below one
// are ignored: offer needs a buffered channel to make room by dropping the
// oldest entry.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: make(map[string]*Subscription), buffer: 64}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register creates the subscription for a new connection.
func (h *Hub) Register(connID string) *Subscription {
	sub := &Subscription{
		id:     connID,
		hub:    h,
		topics: make(map[string]struct{}),
		send:   make(chan Notification, h.buffer),
	}
	h.mu.Lock()
	h.subs[connID] = sub
	h.mu.Unlock()
	liveConnections.Inc()
	return sub
}

// Unregister discards a connection's subscription. Idempotent.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	_, ok := h.subs[connID]
	delete(h.subs, connID)
	h.mu.Unlock()
	if ok {
		liveConnections.Dec()
	}
}

// Publish fans a notification out to every subscription whose filter matches
// its topic. Never blocks on any single connection.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	matched := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(n.Topic) {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		sub.offer(n)
		notificationsSent.WithLabelValues(n.Topic).Inc()
	}
}

// Connections reports how many subscriptions are registered.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
