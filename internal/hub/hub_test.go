package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
)

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func recv(t *testing.T, c *Conn) models.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "queue closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func assertEmpty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func progress(n int) models.Event {
	return models.Event{Type: models.EventTaskProgress, Data: n}
}

func TestPublishToUserPreservesOrder(t *testing.T) {
	h := startHub(t, Options{QueueSize: 1000})
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	for i := range 200 {
		h.PublishToUser("alice", progress(i))
	}
	for i := range 200 {
		assert.Equal(t, i, recv(t, c).Data)
	}
}

func TestEveryConnectionOfUserReceives(t *testing.T) {
	h := startHub(t, Options{})
	a1, err := h.Connect("alice", false)
	require.NoError(t, err)
	a2, err := h.Connect("alice", false)
	require.NoError(t, err)
	b, err := h.Connect("bob", false)
	require.NoError(t, err)

	h.PublishToUser("alice", models.Event{Type: models.EventDM, Data: "hi"})

	assert.Equal(t, "hi", recv(t, a1).Data)
	assert.Equal(t, "hi", recv(t, a2).Data)
	assertEmpty(t, b)
}

func TestBroadcastAndAdmins(t *testing.T) {
	h := startHub(t, Options{})
	user, err := h.Connect("alice", false)
	require.NoError(t, err)
	admin, err := h.Connect("root", true)
	require.NoError(t, err)

	h.Broadcast(models.Event{Type: models.EventNewPost, Data: 1})
	assert.Equal(t, models.EventNewPost, recv(t, user).Type)
	assert.Equal(t, models.EventNewPost, recv(t, admin).Type)

	h.PublishToAdmins(models.Event{Type: models.EventSettingsUpdated})
	assert.Equal(t, models.EventSettingsUpdated, recv(t, admin).Type)
	assertEmpty(t, user)
}

func TestPublishFromWorkerRoutesSystemTasksToAdmins(t *testing.T) {
	h := startHub(t, Options{})
	user, err := h.Connect("alice", false)
	require.NoError(t, err)
	admin, err := h.Connect("root", true)
	require.NoError(t, err)

	h.PublishFromWorker("", progress(5))
	assert.Equal(t, 5, recv(t, admin).Data)
	assertEmpty(t, user)

	h.PublishFromWorker("alice", progress(6))
	assert.Equal(t, 6, recv(t, user).Data)
}

func TestFullQueueDropsOldest(t *testing.T) {
	h := startHub(t, Options{QueueSize: 3})
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	for i := range 5 {
		h.PublishToUser("alice", progress(i))
	}
	// Commands run in order, so Count returning means all publishes landed.
	require.Equal(t, 1, h.Count())

	assert.Equal(t, 2, recv(t, c).Data)
	assert.Equal(t, 3, recv(t, c).Data)
	assert.Equal(t, 4, recv(t, c).Data)
	assert.EqualValues(t, 2, c.Dropped())
}

func TestDisconnectClosesQueue(t *testing.T) {
	h := startHub(t, Options{})
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	h.Disconnect("alice", c.ID)
	h.Disconnect("alice", "unknown")
	require.Equal(t, 0, h.Count())

	_, ok := <-c.Events()
	assert.False(t, ok)

	// Publishing to a user without connections is a no-op.
	h.PublishToUser("alice", progress(1))
	assert.Equal(t, 0, h.Count())
}

func TestConnectAfterStop(t *testing.T) {
	h := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	cancel()
	<-done

	_, ok := <-c.Events()
	assert.False(t, ok, "stop closes open queues")

	_, err = h.Connect("bob", false)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	h := startHub(t, Options{QueueSize: 10_000})
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	const publishers, perPublisher = 4, 250
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPublisher {
				h.PublishFromWorker("alice", models.Event{Type: models.EventTaskLog, Data: fmt.Sprintf("%d:%d", p, i)})
			}
		}()
	}
	wg.Wait()

	last := map[string]int{}
	for range publishers * perPublisher {
		var p string
		var i int
		_, err := fmt.Sscanf(strings.Replace(recv(t, c).Data.(string), ":", " ", 1), "%s %d", &p, &i)
		require.NoError(t, err)
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev)
		}
		last[p] = i
	}
}

type memRelay struct {
	mu   sync.Mutex
	subs []func(envelope)
}

func (r *memRelay) Publish(_ context.Context, env envelope) error {
	r.mu.Lock()
	subs := append([]func(envelope){}, r.subs...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (r *memRelay) Subscribe(ctx context.Context, fn func(envelope)) error {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (r *memRelay) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func TestRelayDeliversAcrossHubs(t *testing.T) {
	relay := &memRelay{}
	h1 := startHub(t, Options{Relay: relay})
	h2 := startHub(t, Options{Relay: relay})
	require.Eventually(t, func() bool { return relay.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	local, err := h1.Connect("alice", false)
	require.NoError(t, err)
	remote, err := h2.Connect("alice", false)
	require.NoError(t, err)

	h1.PublishToUser("alice", progress(42))

	assert.Equal(t, 42, recv(t, local).Data)
	assert.Equal(t, 42, recv(t, remote).Data)
	assertEmpty(t, local)
}

func TestWebSocketSession(t *testing.T) {
	h := startHub(t, Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "alice", false)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "chat", "text": "ignored"}))
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))

	var ev models.Event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, models.EventPong, ev.Type)

	h.PublishToUser("alice", models.Event{Type: models.EventNewComment, Data: "c1"})
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, models.EventNewComment, ev.Type)
	assert.Equal(t, "c1", ev.Data)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeliveryPanicClosesOnlyThatConnection(t *testing.T) {
	h := startHub(t, Options{})
	broken, err := h.Connect("alice", false)
	require.NoError(t, err)
	healthy, err := h.Connect("alice", false)
	require.NoError(t, err)
	require.Equal(t, 2, h.Count())

	// A queue closed behind the hub's back makes the next send panic.
	close(broken.out)

	h.PublishToUser("alice", progress(1))
	assert.Equal(t, 1, recv(t, healthy).Data)
	assert.Equal(t, 1, h.Count())

	h.PublishToUser("alice", progress(2))
	assert.Equal(t, 2, recv(t, healthy).Data)
}

// stalledRelay never completes a publish before its context ends.
type stalledRelay struct {
	memRelay
	expired chan error
}

func (r *stalledRelay) Publish(ctx context.Context, _ envelope) error {
	<-ctx.Done()
	r.expired <- ctx.Err()
	return ctx.Err()
}

func TestStalledRelayDoesNotBlockPublishers(t *testing.T) {
	relay := &stalledRelay{expired: make(chan error, 16)}
	h := startHub(t, Options{Relay: relay, RelayTimeout: 500 * time.Millisecond})
	c, err := h.Connect("alice", false)
	require.NoError(t, err)

	start := time.Now()
	for i := range 3 {
		h.PublishFromWorker("alice", progress(i))
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	for i := range 3 {
		assert.Equal(t, i, recv(t, c).Data)
	}

	select {
	case err := <-relay.expired:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("relay publish was not bounded")
	}
}

func TestRelayConcurrentPublishers(t *testing.T) {
	relay := &memRelay{}
	h1 := startHub(t, Options{Relay: relay, QueueSize: 1000})
	h2 := startHub(t, Options{Relay: relay, QueueSize: 1000})
	require.Eventually(t, func() bool { return relay.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	remote, err := h2.Connect("alice", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				h1.PublishToUser("alice", progress(p*100+i))
			}
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for range 100 {
		seen[recv(t, remote).Data.(int)] = true
	}
	assert.Len(t, seen, 100)
}
