package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"talkline/internal/remote"
	"talkline/internal/remote/wsproto"
	"talkline/internal/rules"
	"talkline/internal/telemetry"
	"talkline/internal/verification"
)

const writeTimeout = 10 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	c := &conn{
		server: s,
		sock:   sock,
		subs:   make(map[int64]subCloser),
	}
	defer c.shutdown()

	if token := bearerToken(r); token != "" {
		if !c.authenticate(token) {
			_ = sock.Close(websocket.StatusPolicyViolation, "invalid token")
			return
		}
	}
	c.serve(r.Context())
}

// bearerToken extracts an identity token from the Authorization header or
// the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type subCloser interface{ Close() }

// conn is one websocket session. uid is empty until the socket
// authenticates; unauthenticated sessions may only drive verification ops.
type conn struct {
	server *Server
	sock   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	uid     string
	phone   string
	nextSub int64
	subs    map[int64]subCloser
}

func (c *conn) serve(ctx context.Context) {
	for {
		var req wsproto.Request
		if err := wsjson.Read(ctx, c.sock, &req); err != nil {
			return
		}
		c.handle(ctx, req)
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

func (c *conn) handle(ctx context.Context, req wsproto.Request) {
	switch req.Op {
	case wsproto.OpAuth:
		c.handleAuth(ctx, req)
	case wsproto.OpRead:
		c.handleRead(ctx, req)
	case wsproto.OpWrite:
		c.handleWrite(ctx, req)
	case wsproto.OpSubscribeValue:
		c.handleSubscribeValue(ctx, req)
	case wsproto.OpSubscribeChild:
		c.handleSubscribeChild(ctx, req)
	case wsproto.OpUnsubscribe:
		c.handleUnsubscribe(ctx, req)
	case wsproto.OpRequestCode:
		go c.handleRequestCode(ctx, req)
	case wsproto.OpResendCode:
		go c.handleResendCode(ctx, req)
	case wsproto.OpSignIn:
		go c.handleSignIn(ctx, req)
	default:
		c.fail(ctx, req.ID, wsproto.CodeInvalid, "unknown op "+req.Op)
	}
}

func (c *conn) handleAuth(ctx context.Context, req wsproto.Request) {
	if !c.authenticate(req.Token) {
		c.fail(ctx, req.ID, wsproto.CodeUnauthorized, "invalid token")
		return
	}
	c.mu.Lock()
	auth := &wsproto.Auth{UserID: c.uid, PhoneNumber: c.phone}
	c.mu.Unlock()
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Auth: auth})
}

func (c *conn) authenticate(token string) bool {
	if c.server.tokens == nil {
		return false
	}
	uid, phone, err := c.server.tokens.ValidateIdentity(token)
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.uid = uid
	c.phone = phone
	c.mu.Unlock()
	return true
}

func (c *conn) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// requireAuth reports whether the socket is authenticated, failing the
// request if not.
func (c *conn) requireAuth(ctx context.Context, id int64) bool {
	if c.userID() == "" {
		c.fail(ctx, id, wsproto.CodeUnauthorized, "sign in first")
		return false
	}
	return true
}

func (c *conn) handleRead(ctx context.Context, req wsproto.Request) {
	if !c.requireAuth(ctx, req.ID) {
		return
	}
	ctx, span := c.server.tracer.Start(ctx, "store.read")
	defer span.End()
	snap, err := c.server.store.Read(ctx, req.Path)
	c.server.countOp(ctx, "read", err)
	if err != nil {
		span.RecordError(err)
		c.fail(ctx, req.ID, wsproto.CodeInvalid, err.Error())
		return
	}
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Key: snap.Key(), Value: encodeSnapshot(snap)})
}

func (c *conn) handleWrite(ctx context.Context, req wsproto.Request) {
	if !c.requireAuth(ctx, req.ID) {
		return
	}
	segments, err := remote.Split(req.Path)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, err.Error())
		return
	}
	value, err := decodeValue(req.Value)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, "malformed value: "+err.Error())
		return
	}

	ctx, span := c.server.tracer.Start(ctx, "store.write")
	defer span.End()
	if c.server.rules != nil {
		allowed, err := c.server.rules.Allow(ctx, rules.Input{UID: c.userID(), Path: segments, Value: value})
		if err != nil {
			span.RecordError(err)
			c.fail(ctx, req.ID, wsproto.CodeInternal, "rules evaluation failed")
			return
		}
		if !allowed {
			c.server.denied.Add(ctx, 1)
			c.fail(ctx, req.ID, wsproto.CodeDenied, "write not permitted at "+req.Path)
			return
		}
	}
	err = c.server.store.Write(ctx, req.Path, value)
	c.server.countOp(ctx, "write", err)
	if err != nil {
		span.RecordError(err)
		c.fail(ctx, req.ID, wsproto.CodeInternal, err.Error())
		return
	}
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true})
}

func (c *conn) handleSubscribeValue(ctx context.Context, req wsproto.Request) {
	if !c.requireAuth(ctx, req.ID) {
		return
	}
	var filter *remote.Filter
	if req.Filter != nil {
		filter = &remote.Filter{Field: req.Filter.Field, Equals: req.Filter.Equals}
	}
	sub, err := c.server.store.SubscribeValue(ctx, req.Path, filter)
	c.server.countOp(ctx, "subscribe_value", err)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, err.Error())
		return
	}
	id, ok := c.registerSub(sub)
	if !ok {
		sub.Close()
		return
	}
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Sub: id})
	go func() {
		for snap := range sub.Snapshots() {
			c.send(ctx, wsproto.Message{Sub: id, Event: wsproto.EventValue, Key: snap.Key(), Value: encodeSnapshot(snap)})
		}
		c.send(ctx, wsproto.Message{Sub: id, Event: wsproto.EventEnd})
	}()
}

func (c *conn) handleSubscribeChild(ctx context.Context, req wsproto.Request) {
	if !c.requireAuth(ctx, req.ID) {
		return
	}
	sub, err := c.server.store.SubscribeChildAdded(ctx, req.Path)
	c.server.countOp(ctx, "subscribe_child", err)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, err.Error())
		return
	}
	id, ok := c.registerSub(sub)
	if !ok {
		sub.Close()
		return
	}
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Sub: id})
	go func() {
		for child := range sub.Children() {
			c.send(ctx, wsproto.Message{Sub: id, Event: wsproto.EventChildAdded, Key: child.Key, Value: encodeSnapshot(child.Snapshot)})
		}
		c.send(ctx, wsproto.Message{Sub: id, Event: wsproto.EventEnd})
	}()
}

func (c *conn) handleUnsubscribe(ctx context.Context, req wsproto.Request) {
	c.mu.Lock()
	sub, ok := c.subs[req.Sub]
	delete(c.subs, req.Sub)
	c.mu.Unlock()
	if !ok {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, "unknown subscription")
		return
	}
	sub.Close()
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true})
}

// registerSub assigns the next subscription id. ok is false when the
// connection is already shutting down.
func (c *conn) registerSub(sub subCloser) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return 0, false
	}
	c.nextSub++
	c.subs[c.nextSub] = sub
	return c.nextSub, true
}

func (c *conn) handleRequestCode(ctx context.Context, req wsproto.Request) {
	if c.server.verifier == nil {
		c.fail(ctx, req.ID, wsproto.CodeInternal, "verification not configured")
		return
	}
	ch, err := c.server.verifier.RequestCode(ctx, req.Phone, c.server.dispatchTimeout)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInternal, err.Error())
		return
	}
	c.replyDispatch(ctx, req, ch)
}

func (c *conn) handleResendCode(ctx context.Context, req wsproto.Request) {
	if c.server.verifier == nil {
		c.fail(ctx, req.ID, wsproto.CodeInternal, "verification not configured")
		return
	}
	ch, err := c.server.verifier.ResendCode(ctx, req.Phone, verification.ResendToken(req.Token), c.server.dispatchTimeout)
	if err != nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, err.Error())
		return
	}
	c.replyDispatch(ctx, req, ch)
}

// replyDispatch converts the first provider event into the reply frame.
func (c *conn) replyDispatch(ctx context.Context, req wsproto.Request, ch <-chan verification.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case verification.CodeDispatched:
			c.emit(ctx, "code.dispatched", "", map[string]string{"phone": req.Phone})
			c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Dispatch: &wsproto.Dispatch{
				VerificationID: e.VerificationID,
				ResendToken:    string(e.ResendToken),
			}})
			return
		case verification.AutoDetected:
			c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Dispatch: &wsproto.Dispatch{
				VerificationID: e.Credential.VerificationID,
				AutoCode:       e.Code,
			}})
			return
		case verification.DispatchFailed:
			c.emit(ctx, "code.dispatch_failed", "", map[string]string{"phone": req.Phone, "reason": string(e.Reason)})
			c.fail(ctx, req.ID, string(e.Reason), e.Detail)
			return
		}
	}
	c.fail(ctx, req.ID, wsproto.CodeInternal, "dispatch ended without outcome")
}

func (c *conn) handleSignIn(ctx context.Context, req wsproto.Request) {
	if c.server.verifier == nil || req.Credential == nil {
		c.fail(ctx, req.ID, wsproto.CodeInvalid, "missing credential")
		return
	}
	cred := verification.Credential{
		VerificationID: req.Credential.VerificationID,
		Code:           req.Credential.Code,
		Token:          req.Credential.Token,
	}
	result, err := c.server.verifier.SignIn(ctx, cred)
	if err != nil {
		c.emit(ctx, "signin.failed", "", map[string]string{"reason": err.Error()})
		code := wsproto.CodeUnauthorized
		if errors.Is(err, verification.ErrTooManyAttempts) {
			code = "too_many_attempts"
		}
		c.fail(ctx, req.ID, code, "sign-in failed")
		return
	}
	c.mu.Lock()
	c.uid = result.UserID
	c.phone = result.PhoneNumber
	c.mu.Unlock()
	c.emit(ctx, "signin.succeeded", result.UserID, nil)
	c.send(ctx, wsproto.Message{ID: req.ID, OK: true, Auth: &wsproto.Auth{
		UserID:        result.UserID,
		PhoneNumber:   result.PhoneNumber,
		IdentityToken: result.IdentityToken,
	}})
}

func (c *conn) send(ctx context.Context, msg wsproto.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.sock, msg); err != nil {
		log.Printf("server: websocket write: %v", err)
	}
}

func (c *conn) fail(ctx context.Context, id int64, code, detail string) {
	c.send(ctx, wsproto.Message{ID: id, Error: &wsproto.Error{Code: code, Detail: detail}})
}

func (c *conn) emit(ctx context.Context, eventType, userID string, detail map[string]string) {
	if c.server.events == nil {
		return
	}
	telemetry.EmitAsync(c.server.events, ctx, telemetry.NewEvent(eventType, "server", userID, detail))
}

func (s *Server) countOp(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// encodeSnapshot marshals a snapshot's exported value; an absent snapshot
// encodes as JSON null.
func encodeSnapshot(snap remote.Snapshot) json.RawMessage {
	raw, err := json.Marshal(snap.Export())
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// decodeValue parses a write payload, keeping numbers as json.Number. An
// empty or null payload deletes the subtree.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
