package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var transportSeq atomic.Int64

// fakeTransport records frames instead of writing to a socket. A capacity
// of zero means unbounded.
type fakeTransport struct {
	id       string
	capacity int

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
	closeCalls  int
}

func newTransport(capacity int) *fakeTransport {
	return &fakeTransport{
		id:       fmt.Sprintf("conn-%d", transportSeq.Add(1)),
		capacity: capacity,
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Enqueue(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (f.capacity > 0 && len(f.frames) >= f.capacity) {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeTransport) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

// fakeConn is a registry handle without a session behind it.
type fakeConn struct {
	*fakeTransport
	user string
	chat uuid.UUID
}

func newConn(chat uuid.UUID, user string, capacity int) *fakeConn {
	return &fakeConn{fakeTransport: newTransport(capacity), user: user, chat: chat}
}

func (c *fakeConn) UserID() string    { return c.user }
func (c *fakeConn) ChatID() uuid.UUID { return c.chat }

// decodeFrames parses every recorded frame into a generic map.
func decodeFrames(t *testing.T, f *fakeTransport) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range f.Frames() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}
