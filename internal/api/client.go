// internal/api/client.go

package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Maximum number of queued frames per client
	maxQueuedFrames = 256
)

// Client is one realtime websocket connection and its subscriptions
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	limiter *rate.Limiter

	mu     sync.Mutex
	subs   map[string]store.Subscription
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, limiter *rate.Limiter) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, maxQueuedFrames),
		userID:  userID,
		limiter: limiter,
		subs:    make(map[string]store.Subscription),
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			realtimeFramesLimited.Inc()
			c.reply(store.Frame{Type: store.FrameError, Error: "rate limit exceeded", Code: "rate_limited"})
			continue
		}

		c.processFrame(ctx, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processFrame(ctx context.Context, data []byte) {
	var frame store.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.reply(store.Frame{Type: store.FrameError, Error: "malformed frame", Code: "invalid_input"})
		return
	}

	switch frame.Type {
	case store.FrameSubscribe:
		c.subscribe(ctx, frame)
	case store.FrameUnsubscribe:
		c.unsubscribe(frame.Ref)
		c.reply(store.Frame{Type: store.FrameUnsubscribed, Ref: frame.Ref})
	default:
		c.reply(store.Frame{Type: store.FrameError, Ref: frame.Ref, Error: "unknown frame type", Code: "invalid_input"})
	}
}

func (c *Client) subscribe(ctx context.Context, frame store.Frame) {
	if frame.Ref == "" || frame.Filter == nil {
		c.reply(store.Frame{Type: store.FrameError, Ref: frame.Ref, Error: "subscribe needs ref and filter", Code: "invalid_input"})
		return
	}
	if err := c.hub.policy.Subscribe(ctx, *frame.Filter); err != nil {
		c.reply(store.Frame{Type: store.FrameError, Ref: frame.Ref, Error: err.Error(), Code: store.CodeOf(err)})
		return
	}

	ref := frame.Ref
	sub, err := c.hub.realtime.Subscribe(ctx, frame.Channel, *frame.Filter, func(ev store.Event) {
		c.reply(store.Frame{Type: store.FrameEvent, Ref: ref, Event: &ev})
		realtimeEventsSent.Inc()
	})
	if err != nil {
		c.reply(store.Frame{Type: store.FrameError, Ref: ref, Error: err.Error(), Code: store.CodeOf(err)})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	if old, ok := c.subs[ref]; ok {
		old.Unsubscribe()
	}
	c.subs[ref] = sub
	c.mu.Unlock()

	c.reply(store.Frame{Type: store.FrameSubscribed, Ref: ref})
}

func (c *Client) unsubscribe(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// reply queues a frame, dropping it when the client is not keeping up
func (c *Client) reply(frame store.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.log.Error("failed to encode frame", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("realtime client is behind, dropping frame", "user_id", c.userID, "type", frame.Type)
	}
}

// close drops every subscription and stops the write pump
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
