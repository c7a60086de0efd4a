// Package websocket is the push transport: it holds a connection to the
// subscription endpoint and hands every delivered message to a listener.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

var ErrStopped = errors.New("websocket: client stopped")

// ErrEndpointGone means the server answered the handshake with 404 or 410.
// Run returns it instead of reconnecting.
var ErrEndpointGone = errors.New("websocket: endpoint gone")

// Config holds the transport configuration.
type Config struct {
	Endpoint string
	Header   http.Header
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

// Message is one push delivery. Body is the raw payload exactly as the
// sender supplied it and may be empty or malformed.
type Message struct {
	ID   string
	Body []byte
}

type envelope struct {
	Type    string  `json:"type,omitempty"`
	ID      string  `json:"id"`
	Payload *string `json:"payload,omitempty"`
}

// Listener receives push messages. Calls are sequential.
type Listener func(Message)

// Client manages the connection to the push endpoint.
type Client struct {
	config   Config
	listener Listener

	conn   *websocket.Conn
	connMu sync.RWMutex

	sendChan chan []byte
	done     chan struct{}
	stopOnce sync.Once

	connected   chan struct{}
	connectOnce sync.Once
}

// New creates a client that delivers messages to listener.
func New(cfg Config, listener Listener) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		config:    cfg,
		listener:  listener,
		sendChan:  make(chan []byte, 64),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Run connects and keeps reconnecting with jittered backoff until ctx is
// done or Stop is called. It returns ErrEndpointGone if the endpoint no
// longer exists.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialBackoff,
		RandomizationFactor: jitterFactor,
		Multiplier:          backoffFactor,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrEndpointGone) {
				return err
			}
			delay := b.NextBackOff()
			log.Warn("push connection failed", "endpoint", c.config.Endpoint, "retryIn", delay, logging.KeyError, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		b.Reset()
		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump(ctx)
		close(pumpDone)
		c.closeConn()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Connected is closed after the first successful connection.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Stop closes the connection and ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		log.Info("push transport stopped")
	})
}

func (c *Client) connect(ctx context.Context) error {
	wsURL, err := toWSURL(c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("build push url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, c.config.Header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound, http.StatusGone:
				return fmt.Errorf("dial %s: status %d: %w", wsURL, resp.StatusCode, ErrEndpointGone)
			}
			return fmt.Errorf("dial %s: status %d: %w", wsURL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connectOnce.Do(func() { close(c.connected) })
	log.Info("push transport connected", "endpoint", c.config.Endpoint)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func toWSURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (c *Client) readPump(ctx context.Context) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		msg := decodeFrame(frame)
		c.deliver(msg)
		if msg.ID != "" {
			c.ack(msg.ID)
		}
	}
}

// decodeFrame unwraps the delivery envelope. A frame that is not an
// envelope is delivered whole so the listener sees what was sent.
func decodeFrame(frame []byte) Message {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Payload == nil {
		return Message{Body: frame}
	}
	return Message{ID: env.ID, Body: []byte(*env.Payload)}
}

func (c *Client) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("push listener panicked", "panic", r, "messageId", msg.ID)
		}
	}()
	c.listener(msg)
}

func (c *Client) ack(id string) {
	data, _ := json.Marshal(envelope{Type: "ack", ID: id})
	if err := c.Send(data); err != nil {
		log.Debug("ack dropped", "messageId", id, logging.KeyError, err)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a text frame without blocking.
func (c *Client) Send(data []byte) error {
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return fmt.Errorf("send channel is full")
	}
}
