// Package hub fans realtime events out to connected websocket clients.
//
// A single goroutine (Run) owns the connection registry. Every operation is
// posted to it as a command over one FIFO channel, so events published from
// one goroutine reach each connection in publication order.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/flowhub/internal/metrics"
	"github.com/raphaelgruber/flowhub/internal/models"
)

// ErrStopped is returned by Connect once the hub loop has exited.
var ErrStopped = errors.New("hub stopped")

// Conn is one registered client connection.
type Conn struct {
	ID     string
	UserID string
	Admin  bool

	out     chan models.Event
	dropped atomic.Int64
	closed  bool // owned by the loop
}

// Events returns the outbound queue. It is closed on disconnect.
func (c *Conn) Events() <-chan models.Event {
	return c.out
}

// Dropped returns how many events were discarded because the queue was full.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Options configures a Hub.
type Options struct {
	// QueueSize bounds each connection's outbound queue (default 256).
	QueueSize int
	// CommandBuffer bounds pending commands for the loop (default 1024).
	CommandBuffer int
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	// Relay forwards published events to other processes (optional).
	Relay Relay
	// RelayTimeout bounds each relay publish (default 5s).
	RelayTimeout time.Duration
}

// Hub is the notification hub.
type Hub struct {
	cmds      chan func()
	done      chan struct{}
	stopped   atomic.Bool
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Collector
	relay     Relay
	origin    string

	// relayOut feeds the relay goroutine so publishers never wait on it.
	relayOut     chan envelope
	relayTimeout time.Duration

	// owned by the loop goroutine
	conns map[string]map[string]*Conn
}

// New creates a hub. Call Run to start delivering.
func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 5 * time.Second
	}
	h := &Hub{
		cmds:      make(chan func(), opts.CommandBuffer),
		done:      make(chan struct{}),
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		relay:     opts.Relay,
		origin:    uuid.NewString(),
		conns:     make(map[string]map[string]*Conn),

		relayTimeout: opts.RelayTimeout,
	}
	if opts.Relay != nil {
		h.relayOut = make(chan envelope, opts.CommandBuffer)
	}
	return h
}

// Run executes commands until ctx is cancelled, then closes every
// connection queue.
func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go h.consumeRelay(ctx)
		go h.forwardRelay(ctx)
	}
	defer func() {
		h.stopped.Store(true)
		close(h.done)
		for _, byID := range h.conns {
			for _, c := range byID {
				closeQueue(c)
				h.metrics.HubConnections(-1)
			}
		}
		h.conns = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.cmds:
			h.safely(cmd)
		}
	}
}

// safely runs cmd and keeps the loop alive if it panics. Panics while
// delivering to a connection are handled in enqueue, which closes that
// connection; anything caught here has no single connection to blame.
func (h *Hub) safely(cmd func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub command panicked", "panic", r)
		}
	}()
	cmd()
}

// post hands cmd to the loop. It blocks while the command buffer is full
// and gives up once the hub has stopped.
func (h *Hub) post(cmd func()) bool {
	if h.stopped.Load() {
		return false
	}
	select {
	case h.cmds <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Connect registers a connection for userID.
func (h *Hub) Connect(userID string, admin bool) (*Conn, error) {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		Admin:  admin,
		out:    make(chan models.Event, h.queueSize),
	}
	registered := make(chan struct{})
	ok := h.post(func() {
		byID := h.conns[userID]
		if byID == nil {
			byID = make(map[string]*Conn)
			h.conns[userID] = byID
		}
		byID[c.ID] = c
		h.metrics.HubConnections(1)
		close(registered)
	})
	if !ok {
		return nil, ErrStopped
	}
	select {
	case <-registered:
		h.logger.Debug("hub connection opened", "user_id", userID, "conn_id", c.ID, "admin", admin)
		return c, nil
	case <-h.done:
		return nil, ErrStopped
	}
}

// Disconnect unregisters a connection and closes its queue. Unknown ids
// are ignored.
func (h *Hub) Disconnect(userID, connID string) {
	h.post(func() {
		if c, ok := h.conns[userID][connID]; ok {
			h.drop(c)
			h.logger.Debug("hub connection closed", "user_id", userID, "conn_id", connID, "dropped", c.Dropped())
		}
	})
}

// drop unregisters c and closes its queue. Runs on the loop goroutine.
func (h *Hub) drop(c *Conn) {
	byID := h.conns[c.UserID]
	if byID[c.ID] != c {
		return
	}
	delete(byID, c.ID)
	if len(byID) == 0 {
		delete(h.conns, c.UserID)
	}
	h.metrics.HubConnections(-1)
	closeQueue(c)
}

// closeQueue closes c's queue once, tolerating a queue already closed
// elsewhere.
func closeQueue(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	defer func() { _ = recover() }()
	close(c.out)
}

// PublishToUser delivers ev to every connection of userID.
func (h *Hub) PublishToUser(userID string, ev models.Event) {
	h.publish(envelope{Target: targetUser, UserID: userID, Event: ev}, true)
}

// Broadcast delivers ev to every connection.
func (h *Hub) Broadcast(ev models.Event) {
	h.publish(envelope{Target: targetAll, Event: ev}, true)
}

// PublishToAdmins delivers ev to connections flagged admin.
func (h *Hub) PublishToAdmins(ev models.Event) {
	h.publish(envelope{Target: targetAdmins, Event: ev}, true)
}

// PublishFromWorker is the entry point for task workers. Events for an
// empty userID (system tasks) go to admins. It never calls back into the
// worker and only blocks while the command buffer is full.
func (h *Hub) PublishFromWorker(userID string, ev models.Event) {
	if userID == "" {
		h.PublishToAdmins(ev)
		return
	}
	h.PublishToUser(userID, ev)
}

func (h *Hub) publish(env envelope, forward bool) {
	local := env
	h.post(func() { h.deliver(local) })
	if !forward || h.relayOut == nil || h.stopped.Load() {
		return
	}
	remote := env
	remote.Origin = h.origin
	select {
	case h.relayOut <- remote:
	default:
		h.logger.Warn("hub relay queue full, event not forwarded", "type", env.Event.Type)
	}
}

// forwardRelay publishes queued envelopes to the relay in order, each
// bounded by the relay timeout.
func (h *Hub) forwardRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.relayOut:
			pctx, cancel := context.WithTimeout(ctx, h.relayTimeout)
			err := h.relay.Publish(pctx, env)
			cancel()
			if err != nil {
				h.logger.Warn("hub relay publish failed", "error", err, "type", env.Event.Type)
			}
		}
	}
}

// deliver runs on the loop goroutine.
func (h *Hub) deliver(env envelope) {
	switch env.Target {
	case targetUser:
		for _, c := range h.conns[env.UserID] {
			h.enqueue(c, env.Event)
		}
	case targetAll:
		for _, byID := range h.conns {
			for _, c := range byID {
				h.enqueue(c, env.Event)
			}
		}
	case targetAdmins:
		for _, byID := range h.conns {
			for _, c := range byID {
				if c.Admin {
					h.enqueue(c, env.Event)
				}
			}
		}
	}
}

// enqueue adds ev to c's queue, discarding the oldest queued event when
// full. Only the loop sends on c.out, so the second send cannot block.
// A panic while delivering closes c; the loop carries on.
func (h *Hub) enqueue(c *Conn, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub delivery panicked, closing connection", "user_id", c.UserID, "conn_id", c.ID, "panic", r)
			h.drop(c)
		}
	}()
	select {
	case c.out <- ev:
		return
	default:
	}
	select {
	case <-c.out:
		c.dropped.Add(1)
		h.metrics.HubDropped()
	default:
	}
	select {
	case c.out <- ev:
	default:
		c.dropped.Add(1)
		h.metrics.HubDropped()
	}
}

// sendTo queues ev for a single connection if it is still registered.
func (h *Hub) sendTo(c *Conn, ev models.Event) {
	h.post(func() {
		if _, ok := h.conns[c.UserID][c.ID]; ok {
			h.enqueue(c, ev)
		}
	})
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	result := make(chan int, 1)
	if !h.post(func() {
		n := 0
		for _, byID := range h.conns {
			n += len(byID)
		}
		result <- n
	}) {
		return 0
	}
	select {
	case n := <-result:
		return n
	case <-h.done:
		return 0
	}
}
