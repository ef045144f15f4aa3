// Package hub is the realtime delivery core: the connection registry, the
// per-chat broadcast router and the session state machine that admits a
// socket into a chat.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/metrics"
)

// ErrRegistryClosed is returned by Register after Shutdown.
var ErrRegistryClosed = errors.New("registry is shut down")

// Transport is the send side of one socket, implemented by the transport
// adapter.
type Transport interface {
	ID() string
	// Enqueue hands a frame to the connection's send buffer without
	// blocking. It reports false when the buffer is full or closed.
	Enqueue(payload []byte) bool
	// Close terminates the transport. Calling it more than once is safe.
	Close(code int, reason string)
}

// Conn is a live connection handle: a transport bound to an authenticated
// user and one chat.
type Conn interface {
	Transport
	UserID() string
	ChatID() uuid.UUID
}

type bucket struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
	// dead is set once the bucket has been unlinked from the registry.
	dead bool
}

// Registry maps chat ids to the handles subscribed to them. Each chat has
// its own lock; the top-level lock only guards the map of buckets.
type Registry struct {
	mu     sync.RWMutex
	chats  map[uuid.UUID]*bucket
	closed bool
	count  atomic.Int64
	log    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		chats: make(map[uuid.UUID]*bucket),
		log:   log,
	}
}

func (r *Registry) bucketFor(chatID uuid.UUID) (*bucket, error) {
	r.mu.RLock()
	b, ok := r.chats[chatID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if b, ok = r.chats[chatID]; !ok {
		b = &bucket{conns: make(map[Conn]struct{})}
		r.chats[chatID] = b
	}
	return b, nil
}

func (r *Registry) lookup(chatID uuid.UUID) *bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chats[chatID]
}

// Register subscribes conn to chatID.
func (r *Registry) Register(chatID uuid.UUID, conn Conn) error {
	for {
		b, err := r.bucketFor(chatID)
		if err != nil {
			return err
		}

		b.mu.Lock()
		if b.dead {
			// Pruned between lookup and lock; fetch the live bucket.
			b.mu.Unlock()
			continue
		}
		_, exists := b.conns[conn]
		b.conns[conn] = struct{}{}
		size := len(b.conns)
		b.mu.Unlock()

		if !exists {
			r.count.Add(1)
			metrics.ConnectionsActive.Inc()
		}
		r.log.Debug().
			Str("chat_id", chatID.String()).
			Str("conn_id", conn.ID()).
			Int("chat_conns", size).
			Msg("connection registered")
		return nil
	}
}

// Deregister removes conn from chatID and reports whether it was present.
// Repeated calls are no-ops.
func (r *Registry) Deregister(chatID uuid.UUID, conn Conn) bool {
	b := r.lookup(chatID)
	if b == nil {
		return false
	}

	b.mu.Lock()
	_, ok := b.conns[conn]
	delete(b.conns, conn)
	empty := len(b.conns) == 0 && !b.dead
	b.mu.Unlock()

	if ok {
		r.count.Add(-1)
		metrics.ConnectionsActive.Dec()
		r.log.Debug().
			Str("chat_id", chatID.String()).
			Str("conn_id", conn.ID()).
			Msg("connection deregistered")
	}
	if empty {
		r.prune(chatID, b)
	}
	return ok
}

func (r *Registry) prune(chatID uuid.UUID, b *bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 && r.chats[chatID] == b {
		delete(r.chats, chatID)
		b.dead = true
	}
}

// MembersOf returns a snapshot of the handles subscribed to chatID. An
// unknown chat yields an empty slice.
func (r *Registry) MembersOf(chatID uuid.UUID) []Conn {
	b := r.lookup(chatID)
	if b == nil {
		return []Conn{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// ConnsForUser returns the handles of userID subscribed to chatID.
func (r *Registry) ConnsForUser(chatID uuid.UUID, userID string) []Conn {
	var out []Conn
	for _, c := range r.MembersOf(chatID) {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

// withMembers runs fn with the chat's lock held, so concurrent calls for one
// chat never interleave. fn must not block or call back into the registry.
func (r *Registry) withMembers(chatID uuid.UUID, fn func(conns map[Conn]struct{})) {
	b := r.lookup(chatID)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.conns)
}

// Count returns the number of registered handles across all chats.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// ChatCount returns the number of chats with at least one handle.
func (r *Registry) ChatCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

// Shutdown deregisters and closes every handle. Later Register calls fail
// with ErrRegistryClosed. It returns the number of handles closed.
func (r *Registry) Shutdown(code int, reason string) int {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	r.closed = true
	chats := r.chats
	r.chats = make(map[uuid.UUID]*bucket)
	r.mu.Unlock()

	var conns []Conn
	for _, b := range chats {
		b.mu.Lock()
		for c := range b.conns {
			conns = append(conns, c)
		}
		b.conns = make(map[Conn]struct{})
		b.dead = true
		b.mu.Unlock()
	}

	r.count.Add(-int64(len(conns)))
	metrics.ConnectionsActive.Sub(float64(len(conns)))

	for _, c := range conns {
		c.Close(code, reason)
	}
	r.log.Info().Int("closed", len(conns)).Int("chats", len(chats)).Msg("registry shut down")
	return len(conns)
}
