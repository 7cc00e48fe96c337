package wshub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	failNext bool
	readCh   chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 8)}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return assertErr
	}
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.readCh
	if !ok {
		return 0, nil, assertErr
	}
	return 1, data, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	close(f.readCh)
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

var assertErr = &fakeError{"fake conn error"}

type fakeError struct{ s string }

func (e *fakeError) Error() string { return e.s }

func TestConnectSendsWelcomeFrame(t *testing.T) {
	h := New()
	conn := newFakeConn()
	id := h.Connect(conn)
	require.NotEmpty(t, id)

	frames := conn.snapshot()
	require.Len(t, frames, 1)
	var f Frame
	require.NoError(t, json.Unmarshal(frames[0], &f))
	require.Equal(t, "connection", f.Type)
}

func TestBroadcastToSubscribedTopicOnly(t *testing.T) {
	h := New()
	subConn := newFakeConn()
	otherConn := newFakeConn()
	subID := h.Connect(subConn)
	_ = h.Connect(otherConn)

	h.Subscribe(subID, []string{"jobs"})

	h.Broadcast("job", "jobs", map[string]string{"job_id": "abc"})

	require.Len(t, subConn.snapshot(), 2) // welcome + broadcast
	require.Len(t, otherConn.snapshot(), 1) // welcome only
}

func TestBroadcastToWildcardSubscriber(t *testing.T) {
	h := New()
	conn := newFakeConn()
	id := h.Connect(conn)
	h.Subscribe(id, []string{TopicAll})

	h.Broadcast("notification", "notifications", map[string]string{"id": "n1"})

	require.Len(t, conn.snapshot(), 2)
}

func TestBroadcastWithNoTopicReachesEveryone(t *testing.T) {
	h := New()
	c1 := newFakeConn()
	c2 := newFakeConn()
	h.Connect(c1)
	h.Connect(c2)

	h.Broadcast("job", "", nil)

	require.Len(t, c1.snapshot(), 2)
	require.Len(t, c2.snapshot(), 2)
}

func TestDisconnectRemovesClientAndClosesConn(t *testing.T) {
	h := New()
	conn := newFakeConn()
	id := h.Connect(conn)
	require.Equal(t, 1, h.ClientCount())

	h.Disconnect(id)
	require.Equal(t, 0, h.ClientCount())

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	require.True(t, closed)
}

func TestBroadcastWriteFailureDisconnectsClient(t *testing.T) {
	h := New()
	conn := newFakeConn()
	id := h.Connect(conn)
	h.Subscribe(id, []string{TopicAll})

	conn.mu.Lock()
	conn.failNext = true
	conn.mu.Unlock()

	h.Broadcast("job", "jobs", nil)

	require.Eventually(t, func() bool {
		return h.ClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentSubscribeDuringBroadcastDoesNotDeadlock(t *testing.T) {
	h := New()
	var conns []*fakeConn
	var ids []string
	for i := 0; i < 20; i++ {
		c := newFakeConn()
		id := h.Connect(c)
		conns = append(conns, c)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					h.Subscribe(ids[i], []string{"jobs"})
					h.Unsubscribe(ids[i], []string{"jobs"})
				}
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		h.Broadcast("job", "jobs", nil)
	}
	close(done)
	wg.Wait()
}
