package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/config"
)

// Event represents a telemetry event with SSE formatting.
type Event struct {
	ID   int64                  `json:"id,omitempty"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
	Pump string                 `json:"pump,omitempty"`
}

// SnapshotFunc supplies the payload of the ready event sent on subscribe.
type SnapshotFunc func() map[string]interface{}

type client struct {
	id     string
	w      http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	pump   string
	events chan Event
	mu     sync.Mutex // guards w
}

// Hub manages SSE telemetry distribution.
//
// Lock order: h.mu before EventBuffer.mu. Client writers have their own
// mutex and are never taken while h.mu is held.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	nextID atomic.Int64
	buffer *EventBuffer

	cfg      config.TelemetryConfig
	snapshot SnapshotFunc
	logger   *zap.Logger

	heartbeatStop chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a new telemetry hub.
func NewHub(cfg config.TelemetryConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 50
	}
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = 100
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Hub{
		clients: make(map[string]*client),
		buffer:  NewEventBuffer(cfg.EventBufferSize),
		cfg:     cfg,
		logger:  logger.Named("telemetry"),
		done:    make(chan struct{}),
	}
}

// SetSnapshot installs the ready event payload provider.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe streams events to w until ctx is done or the hub stops. The
// optional ?pump= query parameter filters pump-scoped events; a Last-Event-ID
// header replays buffered events newer than that id.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     uuid.NewString(),
		w:      w,
		ctx:    clientCtx,
		cancel: cancel,
		pump:   r.URL.Query().Get("pump"),
		events: make(chan Event, h.cfg.ClientBufferSize),
	}

	var lastEventID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastEventID = id
		}
	}

	select {
	case <-h.done:
		cancel()
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	h.mu.Lock()
	h.clients[c.id] = c
	if h.heartbeatStop == nil {
		h.startHeartbeatLocked()
	}
	snapshot := h.snapshot
	h.mu.Unlock()
	defer h.unregister(c.id)

	ready := Event{Type: EventReady, Data: map[string]interface{}{}}
	if snapshot != nil {
		ready.Data["snapshot"] = snapshot()
	}
	if err := h.write(c, ready); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	// sent tracks the newest id written so events both replayed and queued
	// after registration are delivered once.
	sent := lastEventID
	if lastEventID > 0 {
		for _, e := range h.buffer.GetEventsAfter(lastEventID) {
			if !c.accepts(e) {
				continue
			}
			if err := h.write(c, e); err != nil {
				return fmt.Errorf("failed to replay events: %w", err)
			}
			sent = e.ID
		}
	}

	h.logger.Debug("client subscribed", zap.String("client", c.id), zap.String("pump", c.pump))
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-h.done:
			return nil
		case e := <-c.events:
			if e.ID > 0 && e.ID <= sent {
				continue
			}
			if e.ID > 0 {
				sent = e.ID
			}
			if err := h.write(c, e); err != nil {
				h.logger.Debug("client write failed", zap.String("client", c.id), zap.Error(err))
				return nil
			}
		}
	}
}

// Publish assigns the next event id, buffers the event for replay and
// delivers it to every matching client. Slow clients drop events rather
// than block the publisher.
func (h *Hub) Publish(e Event) {
	select {
	case <-h.done:
		return
	default:
	}

	if e.ID == 0 && e.Type != EventHeartbeat {
		e.ID = h.nextID.Add(1)
	}
	if e.Type != EventHeartbeat {
		h.buffer.AddEvent(e)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.accepts(e) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.events <- e:
		case <-c.ctx.Done():
		default:
			h.logger.Debug("dropping event for slow client", zap.String("client", c.id), zap.String("type", e.Type))
		}
	}
}

// PublishPump publishes an event scoped to pumpID.
func (h *Hub) PublishPump(pumpID string, e Event) {
	e.Pump = pumpID
	h.Publish(e)
}

// ClientCount returns the number of attached subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LastEventID returns the id of the most recent published event.
func (h *Hub) LastEventID() int64 {
	return h.nextID.Load()
}

// Stop disconnects every client and stops the heartbeat. It is idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, c := range h.clients {
			c.cancel()
		}
		if h.heartbeatStop != nil {
			close(h.heartbeatStop)
			h.heartbeatStop = nil
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

func (c *client) accepts(e Event) bool {
	return c.pump == "" || e.Pump == "" || e.Pump == c.pump
}

// write renders e as one SSE frame.
func (h *Hub) write(c *client, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ID > 0 {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", e.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	c.cancel()
	delete(h.clients, id)
	h.logger.Debug("client unsubscribed", zap.String("client", id))

	if len(h.clients) == 0 && h.heartbeatStop != nil {
		close(h.heartbeatStop)
		h.heartbeatStop = nil
	}
}

// startHeartbeatLocked starts the heartbeat loop. Caller holds h.mu.
func (h *Hub) startHeartbeatLocked() {
	stop := make(chan struct{})
	h.heartbeatStop = stop

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		timer := time.NewTimer(h.nextHeartbeat())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
				timer.Reset(h.nextHeartbeat())
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// nextHeartbeat spreads heartbeats by up to ±jitter around the interval.
func (h *Hub) nextHeartbeat() time.Duration {
	d := h.cfg.HeartbeatInterval
	if j := h.cfg.HeartbeatJitter; j > 0 {
		d += time.Duration(rand.Int64N(int64(2*j)+1)) - j
	}
	return d
}

// EventBuffer is a bounded FIFO of recent events used for replay.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a new event buffer with the specified capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// AddEvent appends e, evicting the oldest event when full.
func (b *EventBuffer) AddEvent(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// GetEventsAfter returns buffered events with an id greater than lastID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.events {
		if e.ID > lastID {
			result = append(result, e)
		}
	}
	return result
}

// GetCapacity returns the buffer capacity.
func (b *EventBuffer) GetCapacity() int {
	return b.capacity
}

// GetSize returns the current buffer size.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
