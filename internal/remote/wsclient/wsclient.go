// Package wsclient implements remote.Store over a store server websocket.
// One socket multiplexes request/reply pairs and any number of
// subscriptions; replies are correlated by id, events by subscription id.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"talkline/internal/remote"
	"talkline/internal/remote/stream"
	"talkline/internal/remote/wsproto"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("wsclient: connection closed")

const writeTimeout = 10 * time.Second

// Error is a failure reported by the server.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "wsclient: server error " + e.Code
	}
	return fmt.Sprintf("wsclient: %s: %s", e.Code, e.Detail)
}

// Options configures Dial.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Token authenticates the socket at dial time. Empty is allowed; the
	// socket may then only drive the verification flow until Authenticate
	// or a sign-in succeeds.
	Token string
	// HTTPClient overrides the dialer's HTTP client.
	HTTPClient *http.Client
}

// Client is a remote.Store talking to a store server.
type Client struct {
	sock *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan wsproto.Message
	// subPending holds the deliver callback of an in-flight subscribe,
	// keyed by request id; readLoop moves it into subs before routing any
	// event, so an event arriving right behind the reply is never dropped.
	subPending map[int64]func(wsproto.Message)
	subs       map[int64]func(wsproto.Message)
	closed     bool

	done chan struct{}
}

// Dial connects to a store server.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	dialOpts := &websocket.DialOptions{HTTPClient: opts.HTTPClient}
	if opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + opts.Token}}
	}
	sock, _, err := websocket.Dial(ctx, opts.URL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", opts.URL, err)
	}
	c := &Client{
		sock:       sock,
		pending:    make(map[int64]chan wsproto.Message),
		subPending: make(map[int64]func(wsproto.Message)),
		subs:       make(map[int64]func(wsproto.Message)),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. Pending calls fail with ErrClosed and
// subscription channels close.
func (c *Client) Close() {
	c.teardown()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	pending := c.pending
	c.pending = nil
	subPending := c.subPending
	c.subPending = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, deliver := range subPending {
		deliver(wsproto.Message{Event: wsproto.EventEnd})
	}
	for _, deliver := range subs {
		deliver(wsproto.Message{Event: wsproto.EventEnd})
	}
}

func (c *Client) readLoop() {
	defer c.teardown()
	for {
		var msg wsproto.Message
		if err := wsjson.Read(context.Background(), c.sock, &msg); err != nil {
			return
		}
		switch {
		case msg.Event != "":
			c.mu.Lock()
			deliver := c.subs[msg.Sub]
			if msg.Event == wsproto.EventEnd {
				delete(c.subs, msg.Sub)
			}
			c.mu.Unlock()
			if deliver != nil {
				deliver(msg)
			}
		case msg.ID != 0:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			if deliver, ok := c.subPending[msg.ID]; ok {
				delete(c.subPending, msg.ID)
				if msg.Error == nil && msg.Sub != 0 {
					c.subs[msg.Sub] = deliver
				}
			}
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
				close(ch)
			}
		}
	}
}

// call sends one request and waits for its reply. Server-reported failures
// come back as *Error.
func (c *Client) call(ctx context.Context, req wsproto.Request) (wsproto.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wsproto.Message{}, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan wsproto.Message, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wsproto.Message{}, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return wsproto.Message{}, ErrClosed
		}
		if msg.Error != nil {
			return wsproto.Message{}, &Error{Code: msg.Error.Code, Detail: msg.Error.Detail}
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wsproto.Message{}, ctx.Err()
	case <-c.done:
		return wsproto.Message{}, ErrClosed
	}
}

func (c *Client) write(ctx context.Context, req wsproto.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.sock, req); err != nil {
		return fmt.Errorf("wsclient: write %s: %w", req.Op, err)
	}
	return nil
}

// Authenticate presents an identity token on an already open socket and
// returns the authenticated identity.
func (c *Client) Authenticate(ctx context.Context, token string) (userID, phoneNumber string, err error) {
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpAuth, Token: token})
	if err != nil {
		return "", "", err
	}
	if msg.Auth == nil {
		return "", "", fmt.Errorf("wsclient: empty auth reply")
	}
	return msg.Auth.UserID, msg.Auth.PhoneNumber, nil
}

// Read implements remote.Store.
func (c *Client) Read(ctx context.Context, path string) (remote.Snapshot, error) {
	segments, err := remote.Split(path)
	if err != nil {
		return remote.Empty(""), err
	}
	key := segments[len(segments)-1]
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpRead, Path: path})
	if err != nil {
		return remote.Empty(key), err
	}
	return decodeSnapshot(key, msg.Value)
}

// Write implements remote.Store.
func (c *Client) Write(ctx context.Context, path string, value any) error {
	if _, err := remote.Split(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("wsclient: encode value: %w", err)
	}
	_, err = c.call(ctx, wsproto.Request{Op: wsproto.OpWrite, Path: path, Value: raw})
	return err
}

// SubscribeValue implements remote.Store.
func (c *Client) SubscribeValue(ctx context.Context, path string, filter *remote.Filter) (remote.ValueSubscription, error) {
	var f *wsproto.Filter
	if filter != nil {
		f = &wsproto.Filter{Field: filter.Field, Equals: filter.Equals}
	}
	queue := stream.NewQueue[remote.Snapshot]()
	id, err := c.subscribe(ctx, wsproto.Request{Op: wsproto.OpSubscribeValue, Path: path, Filter: f},
		func(msg wsproto.Message) {
			if msg.Event == wsproto.EventEnd {
				queue.Close()
				return
			}
			if snap, err := decodeSnapshot(msg.Key, msg.Value); err == nil {
				queue.Push(snap)
			}
		})
	if err != nil {
		queue.Close()
		return nil, err
	}
	return &valueStream{clientSub[remote.Snapshot]{client: c, id: id, queue: queue}}, nil
}

// SubscribeChildAdded implements remote.Store.
func (c *Client) SubscribeChildAdded(ctx context.Context, path string) (remote.ChildSubscription, error) {
	queue := stream.NewQueue[remote.Child]()
	id, err := c.subscribe(ctx, wsproto.Request{Op: wsproto.OpSubscribeChild, Path: path},
		func(msg wsproto.Message) {
			if msg.Event == wsproto.EventEnd {
				queue.Close()
				return
			}
			if snap, err := decodeSnapshot(msg.Key, msg.Value); err == nil {
				queue.Push(remote.Child{Key: msg.Key, Snapshot: snap})
			}
		})
	if err != nil {
		queue.Close()
		return nil, err
	}
	return &childStream{clientSub[remote.Child]{client: c, id: id, queue: queue}}, nil
}

// subscribe opens a server-side subscription and registers deliver for its
// events. deliver goes into subPending before the request is written; readLoop
// promotes it to subs when the reply arrives, inside the same critical section
// that routes event frames, so the initial snapshot cannot slip past an
// unregistered handler.
func (c *Client) subscribe(ctx context.Context, req wsproto.Request, deliver func(wsproto.Message)) (int64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan wsproto.Message, 1)
	c.pending[req.ID] = ch
	c.subPending[req.ID] = deliver
	c.mu.Unlock()

	if err := c.write(ctx, req); err != nil {
		c.abandonSubscribe(req.ID, ch)
		return 0, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return 0, ErrClosed
		}
		if msg.Error != nil {
			return 0, &Error{Code: msg.Error.Code, Detail: msg.Error.Detail}
		}
		return msg.Sub, nil
	case <-ctx.Done():
		c.abandonSubscribe(req.ID, ch)
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrClosed
	}
}

// abandonSubscribe undoes an in-flight subscribe whose caller gave up. If the
// reply raced in and readLoop already promoted the handler, the reply sits in
// ch and the promoted registration is removed by sub id.
func (c *Client) abandonSubscribe(id int64, ch chan wsproto.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	delete(c.subPending, id)
	c.mu.Unlock()

	select {
	case msg, ok := <-ch:
		if ok && msg.Error == nil && msg.Sub != 0 {
			c.mu.Lock()
			if c.subs != nil {
				delete(c.subs, msg.Sub)
			}
			c.mu.Unlock()
		}
	default:
	}
}

type clientSub[T any] struct {
	client *Client
	id     int64

	closeOnce sync.Once
	queue     *stream.Queue[T]
}

func (s *clientSub[T]) Close() {
	s.closeOnce.Do(func() {
		s.client.mu.Lock()
		closed := s.client.closed
		if !closed {
			delete(s.client.subs, s.id)
		}
		s.client.mu.Unlock()
		if !closed {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			_, _ = s.client.call(ctx, wsproto.Request{Op: wsproto.OpUnsubscribe, Sub: s.id})
		}
		s.queue.Close()
	})
}

type valueStream struct {
	clientSub[remote.Snapshot]
}

func (s *valueStream) Snapshots() <-chan remote.Snapshot { return s.queue.Out() }

type childStream struct {
	clientSub[remote.Child]
}

func (s *childStream) Children() <-chan remote.Child { return s.queue.Out() }

// decodeSnapshot rebuilds a snapshot from its wire value, keeping numbers as
// json.Number.
func decodeSnapshot(key string, raw json.RawMessage) (remote.Snapshot, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return remote.Empty(key), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return remote.Empty(key), fmt.Errorf("wsclient: decode snapshot: %w", err)
	}
	return remote.FromValue(key, v), nil
}
