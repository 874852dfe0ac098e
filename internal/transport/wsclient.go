package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// frame is one message on the channel service connection. The service
// multiplexes every channel over a single socket; Topic routes events,
// Ref correlates replies to commands.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Service-defined event names.
const (
	eventJoin      = "channel_join"
	eventLeave     = "channel_leave"
	eventHeartbeat = "heartbeat"
	eventReply     = "reply"
	eventChange    = "change"
	eventClose     = "channel_close"
	eventError     = "channel_error"
)

// replyPayload is the payload of a reply frame.
type replyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// changePayload is the payload of a change frame.
type changePayload struct {
	Kind   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// WSClient implements Transport over a single WebSocket connection to the
// managed channel service. It multiplexes command/reply and channel events
// on one connection.
type WSClient struct {
	url            string
	commandTimeout time.Duration
	pingInterval   time.Duration
	logger         zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[string]chan frame
	pendingMu sync.Mutex
	refSeq    int64

	channels   map[string]*wsChannel
	channelsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WSConfig holds WSClient settings.
type WSConfig struct {
	URL            string
	CommandTimeout time.Duration
	PingInterval   time.Duration
}

// NewWSClient creates a client for the given channel service endpoint.
func NewWSClient(cfg WSConfig, logger zerolog.Logger) *WSClient {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		url:            cfg.URL,
		commandTimeout: cfg.CommandTimeout,
		pingInterval:   cfg.PingInterval,
		logger:         logger.With().Str("component", "ws-transport").Logger(),
		pending:        make(map[string]chan frame),
		channels:       make(map[string]*wsChannel),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Dial establishes the connection and starts the reader and ping loops.
func (c *WSClient) Dial(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to channel service: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("channel service connected")
	c.wg.Add(1)
	go c.readLoop()
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

// Connected reports whether the socket is established.
func (c *WSClient) Connected() bool {
	c.connMu.RLock()
	ok := c.conn != nil
	c.connMu.RUnlock()
	return ok
}

// Ping implements Transport with one heartbeat round trip.
func (c *WSClient) Ping(ctx context.Context) error {
	if !c.Connected() {
		if err := c.Dial(ctx); err != nil {
			return err
		}
	}
	_, err := c.command(ctx, frame{Event: eventHeartbeat})
	return err
}

// Channel implements Transport.
func (c *WSClient) Channel(topic string, cb ChannelCallbacks) (Channel, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &wsChannel{client: c, topic: topic, cb: cb}, nil
}

// Close tears down the connection and every pending command.
func (c *WSClient) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[string]chan frame)
	c.pendingMu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("channel service disconnected")
	return nil
}

// command writes a frame with a fresh ref and waits for the matching reply.
func (c *WSClient) command(ctx context.Context, f frame) (frame, error) {
	ref := strconv.FormatInt(atomic.AddInt64(&c.refSeq, 1), 10)
	f.Ref = ref

	respChan := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[ref] = respChan
	c.pendingMu.Unlock()

	clear := func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}

	if err := c.write(f); err != nil {
		clear()
		return frame{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return frame{}, fmt.Errorf("connection closed")
		}
		var reply replyPayload
		if len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &reply); err != nil {
				return frame{}, fmt.Errorf("failed to parse reply: %w", err)
			}
		}
		if reply.Status != "" && reply.Status != "ok" {
			return frame{}, fmt.Errorf("channel service error: %s", reply.Reason)
		}
		return resp, nil
	case <-ctx.Done():
		clear()
		return frame{}, ctx.Err()
	}
}

func (c *WSClient) write(f frame) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("channel service not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("failed to send frame: %w", writeErr)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn().Err(err).Msg("read failed, closing channels")
				for _, ch := range c.dropConnection(conn) {
					if ch.cb.OnStatus != nil {
						ch.cb.OnStatus(StatusError, err)
					}
				}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		c.route(f)
	}
}

func (c *WSClient) route(f frame) {
	if f.Event == eventReply && f.Ref != "" {
		c.pendingMu.Lock()
		respChan, ok := c.pending[f.Ref]
		if ok {
			delete(c.pending, f.Ref)
		}
		c.pendingMu.Unlock()
		if ok {
			respChan <- f
		}
		return
	}

	c.channelsMu.RLock()
	ch := c.channels[f.Topic]
	c.channelsMu.RUnlock()
	if ch == nil {
		return
	}

	switch f.Event {
	case eventChange:
		var payload changePayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Str("topic", f.Topic).Msg("failed to parse change payload")
			return
		}
		if ch.cb.OnChange != nil {
			ch.cb.OnChange(ChangeEvent{
				Topic:  f.Topic,
				Kind:   ChangeKind(payload.Kind),
				Record: payload.Record,
			})
		}
	case eventClose:
		if ch.cb.OnStatus != nil {
			ch.cb.OnStatus(StatusClosed, nil)
		}
	case eventError:
		var reply replyPayload
		_ = json.Unmarshal(f.Payload, &reply)
		if ch.cb.OnStatus != nil {
			ch.cb.OnStatus(StatusError, fmt.Errorf("channel error: %s", reply.Reason))
		}
	}
}

// dropConnection clears the dead socket so the next Dial reconnects, fails
// every pending command, and detaches the joined channels. It returns the
// detached channels so the caller can report the failure; the registry
// rejoins them on a fresh socket.
func (c *WSClient) dropConnection(conn *websocket.Conn) []*wsChannel {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.pendingMu.Unlock()

	c.channelsMu.Lock()
	dropped := make([]*wsChannel, 0, len(c.channels))
	for topic, ch := range c.channels {
		ch.mu.Lock()
		ch.joined = false
		ch.mu.Unlock()
		delete(c.channels, topic)
		dropped = append(dropped, ch)
	}
	c.channelsMu.Unlock()
	return dropped
}

func (c *WSClient) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

// wsChannel is one channel handle on a WSClient.
type wsChannel struct {
	client *WSClient
	topic  string
	cb     ChannelCallbacks

	mu     sync.Mutex
	joined bool
}

// Join implements Channel.
func (ch *wsChannel) Join(ctx context.Context) error {
	ch.mu.Lock()
	if ch.joined {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	if !ch.client.Connected() {
		if err := ch.client.Dial(ctx); err != nil {
			return err
		}
	}

	// Register before the join command so no event between the reply and
	// registration is lost.
	ch.client.channelsMu.Lock()
	ch.client.channels[ch.topic] = ch
	ch.client.channelsMu.Unlock()

	if _, err := ch.client.command(ctx, frame{Topic: ch.topic, Event: eventJoin}); err != nil {
		ch.client.channelsMu.Lock()
		delete(ch.client.channels, ch.topic)
		ch.client.channelsMu.Unlock()
		return fmt.Errorf("failed to join %q: %w", ch.topic, err)
	}

	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()

	if ch.cb.OnStatus != nil {
		ch.cb.OnStatus(StatusSubscribed, nil)
	}
	return nil
}

// Leave implements Channel.
func (ch *wsChannel) Leave() error {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return nil
	}
	ch.joined = false
	ch.mu.Unlock()

	ch.client.channelsMu.Lock()
	delete(ch.client.channels, ch.topic)
	ch.client.channelsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ch.client.commandTimeout)
	defer cancel()
	if _, err := ch.client.command(ctx, frame{Topic: ch.topic, Event: eventLeave}); err != nil {
		// The registry treats leave as best effort; a dead socket already
		// dropped the server-side subscription.
		ch.client.logger.Debug().Err(err).Str("topic", ch.topic).Msg("leave command failed")
	}
	return nil
}
