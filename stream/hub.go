package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultClientBuffer = 256
	terminalSendTimeout = time.Second
	keepaliveInterval   = 15 * time.Second
)

// Hub fans bus events out to the SSE clients connected to this process,
// keyed by channel. It is the Handler a subscribing process hands its bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	buffer  int
	logger  *zap.Logger
	metrics Metrics

	// attachMu keeps a channel's client count and its bus subscription
	// changing together.
	attachMu sync.Mutex
}

func NewHub(logger *zap.Logger, buffer int, metrics Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Hub{
		clients: map[string]map[*Client]struct{}{},
		buffer:  buffer,
		logger:  logger.With(zap.String("component", "sse-hub")),
		metrics: metrics,
	}
}

// Client is one live connection waiting on a channel's events.
type Client struct {
	channel string
	events  chan Event
}

func (c *Client) Channel() string { return c.channel }

// Events yields the events routed to this client.
func (c *Client) Events() <-chan Event { return c.events }

// Register adds a client for channel.
func (h *Hub) Register(channel string) *Client {
	c := &Client{channel: channel, events: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[channel]
	if !ok {
		set = map[*Client]struct{}{}
		h.clients[channel] = set
	}
	set[c] = struct{}{}
	return c
}

// Unregister removes c and reports whether channel has no clients left.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.channel]
	if !ok {
		return true
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.channel)
		return true
	}
	return false
}

// Attach registers a client for channel and makes sure sub delivers the
// channel to this hub. Pair it with Detach.
func (h *Hub) Attach(ctx context.Context, sub Subscriber, channel string) (*Client, error) {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	c := h.Register(channel)
	if err := sub.Subscribe(ctx, channel); err != nil {
		h.Unregister(c)
		return nil, err
	}
	return c, nil
}

// Detach removes c and unsubscribes its channel once no client is left. A
// concurrent Attach on the same channel waits until the unsubscribe is done.
func (h *Hub) Detach(ctx context.Context, sub Subscriber, c *Client) error {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	if !h.Unregister(c) {
		return nil
	}
	return sub.Unsubscribe(ctx, c.channel)
}

// Clients returns the number of clients registered for channel.
func (h *Hub) Clients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// forward never blocks the bus. A full client loses non-terminal events; a
// terminal event for a full client is handed to deliverTerminal.
func (h *Hub) forward(e Event) {
	var full []*Client
	h.mu.RLock()
	for c := range h.clients[e.Channel] {
		select {
		case c.events <- e:
			continue
		default:
		}
		if e.Kind.Terminal() {
			full = append(full, c)
			continue
		}
		h.metrics.EventDropped(e.Kind)
		h.logger.Debug("client buffer full, dropping event", zap.String("channel", e.Channel), zap.String("kind", string(e.Kind)))
	}
	h.mu.RUnlock()
	for _, c := range full {
		go h.deliverTerminal(c, e)
	}
}

// deliverTerminal waits up to terminalSendTimeout for room in c's buffer.
func (h *Hub) deliverTerminal(c *Client, e Event) {
	timer := time.NewTimer(terminalSendTimeout)
	defer timer.Stop()
	select {
	case c.events <- e:
	case <-timer.C:
		h.metrics.EventDropped(e.Kind)
		h.logger.Warn("client too slow for terminal event", zap.String("channel", e.Channel), zap.String("kind", string(e.Kind)))
	}
}

func (h *Hub) OnStart(e Event)           { h.forward(e) }
func (h *Hub) OnToken(e Event)           { h.forward(e) }
func (h *Hub) OnSourceDocuments(e Event) { h.forward(e) }
func (h *Hub) OnArtifacts(e Event)       { h.forward(e) }
func (h *Hub) OnUsedTools(e Event)       { h.forward(e) }
func (h *Hub) OnFileAnnotations(e Event) { h.forward(e) }
func (h *Hub) OnTool(e Event)            { h.forward(e) }
func (h *Hub) OnAgentReasoning(e Event)  { h.forward(e) }
func (h *Hub) OnNextAgent(e Event)       { h.forward(e) }
func (h *Hub) OnAction(e Event)          { h.forward(e) }
func (h *Hub) OnAbort(e Event)           { h.forward(e) }
func (h *Hub) OnError(e Event)           { h.forward(e) }
func (h *Hub) OnMetadata(e Event)        { h.forward(e) }
func (h *Hub) OnEnd(e Event)             { h.forward(e) }

var _ Handler = (*Hub)(nil)

type frame struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WriteSSE writes e as one server-sent-events frame.
func WriteSSE(w io.Writer, e Event) error {
	payload, err := json.Marshal(frame{Event: e.Kind, Data: e.Data})
	if err != nil {
		return fmt.Errorf("failed to encode sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, payload); err != nil {
		return err
	}
	return nil
}

// PrepareSSE sets the streaming headers and returns the flusher.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// Serve writes the client's events to w until a terminal event is written,
// ctx is done, or fallback yields an event. A fallback event is written only
// when the stream has not already terminated, which covers a worker whose
// events were lost in transit.
func (c *Client) Serve(ctx context.Context, w io.Writer, flusher http.Flusher, fallback <-chan Event) (Kind, error) {
	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	write := func(e Event) error {
		if err := WriteSSE(w, e); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ping.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return "", err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case e := <-c.events:
			if err := write(e); err != nil {
				return "", err
			}
			if e.Kind.Terminal() {
				return e.Kind, nil
			}
		case e, ok := <-fallback:
			if !ok {
				fallback = nil
				continue
			}
			// Drain anything that raced the fallback before giving up on the bus.
			for {
				select {
				case queued := <-c.events:
					if err := write(queued); err != nil {
						return "", err
					}
					if queued.Kind.Terminal() {
						return queued.Kind, nil
					}
					continue
				default:
				}
				break
			}
			if err := write(e); err != nil {
				return "", err
			}
			return e.Kind, nil
		}
	}
}
