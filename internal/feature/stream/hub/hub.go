// Package hub owns the set of live client sessions and routes outbound
// events to them by topic. All topic-membership mutation goes through the
// hub; no other component touches a session's subscription set.
package hub

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const hubShards = 8

// Topic is a broadcast channel a session can subscribe to: an asset group
// or one specific symbol. Group and symbol subscriptions are additive.
type Topic string

// GroupTopic returns the topic for an asset group subscription.
func GroupTopic(group string) Topic { return Topic("group:" + group) }

// SymbolTopic returns the topic for a single-symbol subscription.
func SymbolTopic(symbol string) Topic { return Topic("symbol:" + symbol) }

// Conn is the subset of *websocket.Conn the hub needs, extracted so tests
// can stand in a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config sizes the per-session outbound queues.
type Config struct {
	PriceQueueDepth   int           // droppable price updates
	ControlQueueDepth int           // trades/alerts/chat; overflow disconnects
	WriteTimeout      time.Duration // per-frame write deadline
}

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Session is one live client connection with its subscription set and its
// two outbound queues. It is created on connect and destroyed on
// disconnect; a reconnect is a brand-new session.
type Session struct {
	ID     string
	UserID uint

	conn Conn

	mu     sync.Mutex
	topics map[Topic]struct{}

	priceCh   chan []byte // bounded, oldest dropped when full
	controlCh chan []byte // bounded, overflow forces disconnect
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) subscribed(topic Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// Topics returns a copy of the session's current subscription set.
func (s *Session) Topics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Hub is the session registry. The session map is partitioned into shards
// so sessions on different shards never contend on one lock.
type Hub struct {
	cfg    Config
	shards [hubShards]hubShard
}

type hubShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a hub with the given queue configuration.
func New(cfg Config) *Hub {
	if cfg.PriceQueueDepth <= 0 {
		cfg.PriceQueueDepth = 64
	}
	if cfg.ControlQueueDepth <= 0 {
		cfg.ControlQueueDepth = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &Hub{cfg: cfg}
	for i := range h.shards {
		h.shards[i].sessions = make(map[string]*Session)
	}
	return h
}

func (h *Hub) shard(id string) *hubShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return &h.shards[f.Sum32()%hubShards]
}

// Connect registers a new session and starts its writer goroutine. If a
// session with the same id already exists it is closed first: a reconnect
// never resumes the old session.
func (h *Hub) Connect(id string, userID uint, conn Conn) *Session {
	s := &Session{
		ID:        id,
		UserID:    userID,
		conn:      conn,
		topics:    make(map[Topic]struct{}),
		priceCh:   make(chan []byte, h.cfg.PriceQueueDepth),
		controlCh: make(chan []byte, h.cfg.ControlQueueDepth),
		done:      make(chan struct{}),
	}

	sh := h.shard(id)
	sh.mu.Lock()
	old := sh.sessions[id]
	sh.sessions[id] = s
	sh.mu.Unlock()

	if old != nil {
		h.closeSession(old)
	}

	go h.writePump(s)
	slog.Info("session connected", "session_id", id, "user_id", userID)
	return s
}

// Disconnect removes the session from the registry and every topic, and
// releases its queues. Subsequent broadcasts can never reach it.
func (h *Hub) Disconnect(id string) {
	sh := h.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	h.closeSession(s)
	slog.Info("session disconnected", "session_id", id)
}

func (h *Hub) closeSession(s *Session) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Subscribe adds a topic to the session's subscription set.
func (h *Hub) Subscribe(id string, topic Topic) error {
	s, ok := h.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes a topic from the session's subscription set.
func (h *Hub) Unsubscribe(id string, topic Topic) error {
	s, ok := h.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	return nil
}

// Send queues a non-droppable message to one session. If the control queue
// is saturated the session is forcibly disconnected: one broken consumer
// must not back up the rest of the system.
func (h *Hub) Send(id string, payload []byte) error {
	s, ok := h.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	h.enqueueControl(s, payload)
	return nil
}

// Broadcast queues a droppable price message to every session subscribed to
// topic. It never waits on a slow consumer: when a session's price queue is
// full its oldest queued update is dropped, because a stale price is better
// than a stalled producer.
func (h *Hub) Broadcast(topic Topic, payload []byte) {
	h.each(func(s *Session) {
		if s.subscribed(topic) {
			enqueuePrice(s, payload)
		}
	})
}

// BroadcastControl queues a non-droppable message to every session
// subscribed to topic (connection-state changes, alert fan-out).
func (h *Hub) BroadcastControl(topic Topic, payload []byte) {
	h.each(func(s *Session) {
		if s.subscribed(topic) {
			h.enqueueControl(s, payload)
		}
	})
}

// BroadcastAll queues a non-droppable message to every connected session.
func (h *Hub) BroadcastAll(payload []byte) {
	h.each(func(s *Session) {
		h.enqueueControl(s, payload)
	})
}

// Owner returns the user id of a live session, if one exists. Connect
// handlers use it to stop one user from taking over another user's
// session id.
func (h *Hub) Owner(id string) (uint, bool) {
	s, ok := h.get(id)
	if !ok {
		return 0, false
	}
	return s.UserID, true
}

// ActiveSessions returns the number of connected sessions.
func (h *Hub) ActiveSessions() int {
	n := 0
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (h *Hub) get(id string) (*Session, bool) {
	sh := h.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

func (h *Hub) each(fn func(*Session)) {
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}

// enqueuePrice pushes onto the bounded price queue, dropping the oldest
// queued update when full. Never blocks.
func enqueuePrice(s *Session, payload []byte) {
	select {
	case s.priceCh <- payload:
		return
	default:
	}
	// Full: evict one, then retry once. A concurrent writer may have made
	// room already, in which case the eviction is skipped.
	select {
	case <-s.priceCh:
	default:
	}
	select {
	case s.priceCh <- payload:
	default:
	}
}

// enqueueControl pushes onto the control queue; saturation means the
// consumer has effectively stopped draining and the session is cut loose.
func (h *Hub) enqueueControl(s *Session, payload []byte) {
	select {
	case s.controlCh <- payload:
	default:
		slog.Warn("session control queue overflow, forcing disconnect", "session_id", s.ID)
		go h.Disconnect(s.ID)
	}
}

// writePump is the session's single writer goroutine: it alone touches the
// socket, draining the control queue with priority over price updates.
func (h *Hub) writePump(s *Session) {
	for {
		// Control messages first.
		select {
		case msg := <-s.controlCh:
			if !h.write(s, msg) {
				return
			}
			continue
		default:
		}

		select {
		case msg := <-s.controlCh:
			if !h.write(s, msg) {
				return
			}
		case msg := <-s.priceCh:
			if !h.write(s, msg) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (h *Hub) write(s *Session, payload []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Warn("session write failed", "session_id", s.ID, "error", err)
		go h.Disconnect(s.ID)
		return false
	}
	return true
}
