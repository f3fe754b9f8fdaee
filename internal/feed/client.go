package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
)

// Client maintains the upstream websocket connection. Received frames
// are buffered in a bounded queue and drained by the engine loop;
// the read goroutine never touches domain state.
type Client struct {
	cfg config.FeedConfig
	bus *bus.Bus

	mu       sync.Mutex
	conn     *websocket.Conn
	queue    [][]byte // oldest first
	overflow int      // frames dropped since last drain

	subs *Subscriptions

	connected     atomic.Bool
	exhausted     atomic.Bool
	framesRecv    atomic.Int64
	framesDropped atomic.Int64
	reconnects    atomic.Int64
}

// NewClient creates a feed client. The returned client owns a
// Subscriptions controller reachable via Subs().
func NewClient(cfg config.FeedConfig, b *bus.Bus) *Client {
	c := &Client{
		cfg:   cfg,
		bus:   b,
		queue: make([][]byte, 0, cfg.QueueSize),
	}
	c.subs = NewSubscriptions(c)
	return c
}

// Subs returns the subscription controller bound to this transport.
func (c *Client) Subs() *Subscriptions { return c.subs }

// Start runs the connect/read loop until ctx is cancelled or the
// retry budget is exhausted.
func (c *Client) Start(ctx context.Context) {
	go c.runLoop(ctx)
}

func (c *Client) runLoop(ctx context.Context) {
	reconnectDelay := time.Duration(c.cfg.ReconnectMs) * time.Millisecond
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			attempts++
			log.Warn().Err(err).Int("attempt", attempts).Msg("feed: connection failed")

			if attempts >= c.cfg.MaxRetries {
				c.exhausted.Store(true)
				log.Error().Int("attempts", attempts).Msg("feed: retry budget exhausted, giving up")
				c.bus.Publish(bus.TopicMaxRetriesExceeded, bus.MaxRetriesExceeded{
					BaseEvent: bus.NewBaseEvent("feed"),
					Attempts:  attempts,
				})
				return
			}

			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		c.subs.OnConnected()

		// Blocks until the connection drops.
		c.readLoop(ctx)

		c.connected.Store(false)
		c.subs.OnDisconnected()
		c.reconnects.Add(1)

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			c.disconnect()
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	log.Info().Str("url", c.cfg.URL).Msg("feed: connected")
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) readLoop(ctx context.Context) {
	pingInterval := time.Duration(c.cfg.PingIntervalS) * time.Second
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("feed: ping failed")
					return
				}
			}
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("feed: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("feed: read error, reconnecting")
			}
			return
		}

		c.framesRecv.Add(1)
		c.enqueue(message)
	}
}

// enqueue buffers a raw frame, dropping the oldest entries when the
// queue is full. Overflow is reported on the next drain.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.cfg.QueueSize {
		drop := len(c.queue) - c.cfg.QueueSize + 1
		c.queue = c.queue[drop:]
		c.overflow += drop
		c.framesDropped.Add(int64(drop))
	}
	c.queue = append(c.queue, frame)
}

// Drain hands every queued frame to handler in arrival order. It is
// called from the engine loop so that domain mutation stays on one
// logical thread. Emits queueOverflow if frames were dropped since
// the previous drain.
func (c *Client) Drain(handler func(frame []byte)) {
	c.mu.Lock()
	frames := c.queue
	c.queue = make([][]byte, 0, c.cfg.QueueSize)
	dropped := c.overflow
	c.overflow = 0
	c.mu.Unlock()

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("feed: queue overflow")
		c.bus.Publish(bus.TopicQueueOverflow, bus.QueueOverflow{
			BaseEvent: bus.NewBaseEvent("feed"),
			Dropped:   dropped,
		})
	}

	for _, f := range frames {
		handler(f)
	}
}

// SendControl transmits an outbound control frame. Implements Sender.
func (c *Client) SendControl(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("feed: write control frame: %w", err)
	}
	return nil
}

// Connected reports transport health.
func (c *Client) Connected() bool { return c.connected.Load() }

// Exhausted reports whether the retry budget ran out.
func (c *Client) Exhausted() bool { return c.exhausted.Load() }

// ClientStats returns transport counters.
type ClientStats struct {
	Connected     bool  `json:"connected"`
	FramesRecv    int64 `json:"frames_recv"`
	FramesDropped int64 `json:"frames_dropped"`
	Reconnects    int64 `json:"reconnects"`
	QueueDepth    int   `json:"queue_depth"`
}

func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	depth := len(c.queue)
	c.mu.Unlock()

	return ClientStats{
		Connected:     c.connected.Load(),
		FramesRecv:    c.framesRecv.Load(),
		FramesDropped: c.framesDropped.Load(),
		Reconnects:    c.reconnects.Load(),
		QueueDepth:    depth,
	}
}
