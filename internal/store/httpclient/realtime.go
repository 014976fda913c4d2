package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eugeniagram/eugeniagram/internal/common/retry"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

const (
	writeWait  = 10 * time.Second
	ackTimeout = 10 * time.Second

	reconnectAttempts = 8
)

type subscription struct {
	rt      *realtimeConn
	ref     string
	channel string
	filter  store.EventFilter
	handler func(store.Event)
}

func (s *subscription) Unsubscribe() error {
	return s.rt.unsubscribe(s.ref)
}

// realtimeConn multiplexes every subscription of one session over a websocket and
// resubscribes after reconnecting
type realtimeConn struct {
	client *Client
	url    string
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subscription
	acks    map[string]chan error
	nextRef int
	closed  bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func realtimeURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad base url: %v", store.ErrInvalidInput, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (c *Client) realtime(ctx context.Context) (*realtimeConn, error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if c.rt != nil && !c.rt.isClosed() {
		return c.rt, nil
	}

	token := c.token()
	if token == "" {
		return nil, store.ErrUnauthorized
	}
	target, err := realtimeURL(c.baseURL, token)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	rt := &realtimeConn{
		client: c,
		url:    target,
		log:    c.log,
		subs:   make(map[string]*subscription),
		acks:   make(map[string]chan error),
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := rt.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	rt.conn = conn
	go rt.readLoop()

	c.rt = rt
	return rt, nil
}

// Subscribe attaches handler to insert events matching filter and waits for the server to
// accept the subscription. Handlers run on the connection's read goroutine.
func (c *Client) Subscribe(ctx context.Context, channel string, filter store.EventFilter, handler func(store.Event)) (store.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	rt, err := c.realtime(ctx)
	if err != nil {
		return nil, err
	}
	return rt.subscribe(ctx, channel, filter, handler)
}

func (r *realtimeConn) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &store.Error{Op: "realtime dial", Err: store.ErrUnauthorized}
		}
		return nil, &store.Error{Op: "realtime dial", Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	return conn, nil
}

func (r *realtimeConn) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *realtimeConn) write(frame store.Frame) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return store.ErrUnavailable
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (r *realtimeConn) subscribe(ctx context.Context, channel string, filter store.EventFilter, handler func(store.Event)) (store.Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	r.nextRef++
	ref := strconv.Itoa(r.nextRef)
	sub := &subscription{rt: r, ref: ref, channel: channel, filter: filter, handler: handler}
	ack := make(chan error, 1)
	r.subs[ref] = sub
	r.acks[ref] = ack
	r.mu.Unlock()

	f := filter
	err := r.write(store.Frame{Type: store.FrameSubscribe, Ref: ref, Channel: channel, Filter: &f})
	if err == nil {
		select {
		case err = <-ack:
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(ackTimeout):
			err = fmt.Errorf("%w: subscription was not acknowledged", store.ErrUnavailable)
		}
	}
	if err != nil {
		r.mu.Lock()
		delete(r.subs, ref)
		delete(r.acks, ref)
		r.mu.Unlock()
		return nil, &store.Error{Op: "realtime subscribe", Err: err}
	}

	r.log.Debug("realtime subscribed", "channel", channel, "table", filter.Table, "filter", filter.Filter)
	return sub, nil
}

func (r *realtimeConn) unsubscribe(ref string) error {
	r.mu.Lock()
	_, ok := r.subs[ref]
	delete(r.subs, ref)
	closed := r.closed
	r.mu.Unlock()
	if !ok || closed {
		return nil
	}
	if err := r.write(store.Frame{Type: store.FrameUnsubscribe, Ref: ref}); err != nil {
		// the server drops subscriptions with the connection
		if errors.Is(err, store.ErrUnavailable) {
			return nil
		}
		return err
	}
	return nil
}

func (r *realtimeConn) readLoop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		var frame store.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if r.isClosed() {
				return
			}
			r.log.Warn("realtime connection lost", "error", err)
			r.failPending(fmt.Errorf("%w: connection lost", store.ErrUnavailable))
			if err := r.reconnect(); err != nil {
				r.log.Error("realtime reconnect gave up", "error", err)
				r.shutdown()
				return
			}
			continue
		}
		r.handle(frame)
	}
}

func (r *realtimeConn) handle(frame store.Frame) {
	switch frame.Type {
	case store.FrameSubscribed:
		r.ack(frame.Ref, nil)
	case store.FrameError:
		err := fmt.Errorf("%s", frame.Error)
		if sentinel := store.FromCode(frame.Code); sentinel != nil {
			err = fmt.Errorf("%w: %s", sentinel, frame.Error)
		}
		if !r.ack(frame.Ref, err) {
			r.log.Warn("realtime error frame", "ref", frame.Ref, "code", frame.Code, "error", frame.Error)
		}
	case store.FrameEvent:
		r.mu.Lock()
		sub, ok := r.subs[frame.Ref]
		r.mu.Unlock()
		if ok && frame.Event != nil {
			sub.handler(*frame.Event)
		}
	case store.FrameUnsubscribed:
	default:
		r.log.Debug("ignoring realtime frame", "type", frame.Type)
	}
}

// ack resolves a pending subscribe and reports whether one was waiting
func (r *realtimeConn) ack(ref string, err error) bool {
	r.mu.Lock()
	ch, ok := r.acks[ref]
	delete(r.acks, ref)
	if err != nil && ok {
		delete(r.subs, ref)
	}
	r.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (r *realtimeConn) failPending(err error) {
	r.mu.Lock()
	acks := r.acks
	r.acks = make(map[string]chan error)
	for ref := range acks {
		delete(r.subs, ref)
	}
	r.mu.Unlock()
	for _, ch := range acks {
		ch <- err
	}
}

// reconnect redials with backoff and replays every live subscription
func (r *realtimeConn) reconnect() error {
	cfg := r.client.retry
	cfg.MaxRetries = reconnectAttempts

	var conn *websocket.Conn
	err := retry.Do(r.ctx, r.log, "realtime reconnect", func() error {
		c, err := r.dial(r.ctx)
		if err != nil {
			if errors.Is(err, store.ErrUnauthorized) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return errors.New("closed while reconnecting")
	}
	old := r.conn
	r.conn = conn
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	for _, s := range subs {
		f := s.filter
		if err := r.write(store.Frame{Type: store.FrameSubscribe, Ref: s.ref, Channel: s.channel, Filter: &f}); err != nil {
			return err
		}
	}
	r.log.Info("realtime reconnected", "subscriptions", len(subs))
	return nil
}

func (r *realtimeConn) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		r.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		conn.Close()
	}
}

func (r *realtimeConn) close() {
	r.shutdown()
	<-r.done
}
