package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"talkline/internal/remote/memory"
	"talkline/internal/remote/wsproto"
	"talkline/internal/rules"
	"talkline/internal/security"
	"talkline/internal/verification/phoneauth"
)

// testEnv wires a full in-memory server: memory store, default rules,
// auto-detect verification, test token provider.
type testEnv struct {
	http  *httptest.Server
	store *memory.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	engine, err := rules.New("")
	if err != nil {
		t.Fatalf("rules.New: %v", err)
	}
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	verifier := phoneauth.New(phoneauth.Options{Tokens: tokens, AutoDetect: true})
	srv, err := New(Options{
		Store:    store,
		Rules:    engine,
		Tokens:   tokens,
		Verifier: verifier,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return &testEnv{http: ts, store: store}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

// client is a minimal test-side protocol driver. Replies and subscription
// events are demultiplexed into per-id and per-sub channels.
type client struct {
	t      *testing.T
	sock   *websocket.Conn
	nextID int64

	replies chan wsproto.Message
	events  chan wsproto.Message
}

func dial(t *testing.T, env *testEnv) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, _, err := websocket.Dial(ctx, env.wsURL(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := &client{
		t:       t,
		sock:    sock,
		replies: make(chan wsproto.Message, 16),
		events:  make(chan wsproto.Message, 16),
	}
	t.Cleanup(func() { _ = sock.Close(websocket.StatusNormalClosure, "") })
	go c.readLoop()
	return c
}

func (c *client) readLoop() {
	for {
		var msg wsproto.Message
		if err := wsjson.Read(context.Background(), c.sock, &msg); err != nil {
			close(c.replies)
			close(c.events)
			return
		}
		if msg.Event != "" {
			c.events <- msg
		} else {
			c.replies <- msg
		}
	}
}

// roundTrip sends req and waits for the reply with the assigned id.
func (c *client) roundTrip(req wsproto.Request) wsproto.Message {
	c.t.Helper()
	c.nextID++
	req.ID = c.nextID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.sock, req); err != nil {
		c.t.Fatalf("write %s: %v", req.Op, err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.replies:
			if !ok {
				c.t.Fatalf("connection closed waiting for %s reply", req.Op)
			}
			if msg.ID == req.ID {
				return msg
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s reply", req.Op)
		}
	}
}

func (c *client) event() wsproto.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.events:
		if !ok {
			c.t.Fatal("connection closed waiting for event")
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for event")
	}
	return wsproto.Message{}
}

// signIn drives the auto-detect verification flow to completion.
func (c *client) signIn(phone string) *wsproto.Auth {
	c.t.Helper()
	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpRequestCode, Phone: phone})
	if !reply.OK || reply.Dispatch == nil || reply.Dispatch.AutoCode == "" {
		c.t.Fatalf("request_code reply = %+v", reply)
	}
	reply = c.roundTrip(wsproto.Request{Op: wsproto.OpSignIn, Credential: &wsproto.Credential{
		VerificationID: reply.Dispatch.VerificationID,
		Code:           reply.Dispatch.AutoCode,
	}})
	if !reply.OK || reply.Auth == nil {
		c.t.Fatalf("sign_in reply = %+v", reply)
	}
	return reply.Auth
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestUnauthenticatedStoreOpsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)

	for _, op := range []string{wsproto.OpRead, wsproto.OpWrite, wsproto.OpSubscribeValue, wsproto.OpSubscribeChild} {
		reply := c.roundTrip(wsproto.Request{Op: op, Path: "users/u1"})
		if reply.Error == nil || reply.Error.Code != wsproto.CodeUnauthorized {
			t.Errorf("%s reply = %+v, want unauthorized", op, reply)
		}
	}
}

func TestSignInThenReadWrite(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)
	auth := c.signIn("+15550001111")
	if auth.IdentityToken == "" {
		t.Fatal("sign_in returned no identity token")
	}

	profile, _ := json.Marshal(map[string]any{"userId": auth.UserID, "phoneNumber": auth.PhoneNumber, "name": "Asha"})
	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpWrite, Path: "users/" + auth.UserID, Value: profile})
	if !reply.OK {
		t.Fatalf("write reply = %+v", reply)
	}

	reply = c.roundTrip(wsproto.Request{Op: wsproto.OpRead, Path: "users/" + auth.UserID})
	if !reply.OK {
		t.Fatalf("read reply = %+v", reply)
	}
	var got map[string]any
	if err := json.Unmarshal(reply.Value, &got); err != nil {
		t.Fatalf("unmarshal read value: %v", err)
	}
	if got["name"] != "Asha" {
		t.Errorf("read value = %v", got)
	}
}

func TestWriteDeniedByRules(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)
	c.signIn("+15550001111")

	profile, _ := json.Marshal(map[string]any{"name": "Mallory"})
	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpWrite, Path: "users/someone-else", Value: profile})
	if reply.Error == nil || reply.Error.Code != wsproto.CodeDenied {
		t.Fatalf("write reply = %+v, want denied", reply)
	}
}

func TestTokenAuthOnExistingSocket(t *testing.T) {
	env := newTestEnv(t)

	first := dial(t, env)
	auth := first.signIn("+15550001111")

	second := dial(t, env)
	reply := second.roundTrip(wsproto.Request{Op: wsproto.OpAuth, Token: auth.IdentityToken})
	if !reply.OK || reply.Auth == nil || reply.Auth.UserID != auth.UserID {
		t.Fatalf("auth reply = %+v", reply)
	}
	reply = second.roundTrip(wsproto.Request{Op: wsproto.OpRead, Path: "users/" + auth.UserID})
	if !reply.OK {
		t.Errorf("read after auth = %+v", reply)
	}

	third := dial(t, env)
	reply = third.roundTrip(wsproto.Request{Op: wsproto.OpAuth, Token: "garbage"})
	if reply.Error == nil || reply.Error.Code != wsproto.CodeUnauthorized {
		t.Errorf("auth with bad token = %+v", reply)
	}
}

func TestSubscribeValuePushesUpdates(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)
	auth := c.signIn("+15550001111")
	path := "users/" + auth.UserID

	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpSubscribeValue, Path: path})
	if !reply.OK || reply.Sub == 0 {
		t.Fatalf("subscribe reply = %+v", reply)
	}
	subID := reply.Sub

	if ev := c.event(); ev.Sub != subID || ev.Event != wsproto.EventValue {
		t.Fatalf("initial event = %+v", ev)
	}

	profile, _ := json.Marshal(map[string]any{"userId": auth.UserID, "name": "Asha"})
	if reply := c.roundTrip(wsproto.Request{Op: wsproto.OpWrite, Path: path, Value: profile}); !reply.OK {
		t.Fatalf("write reply = %+v", reply)
	}
	ev := c.event()
	var got map[string]any
	if err := json.Unmarshal(ev.Value, &got); err != nil {
		t.Fatalf("unmarshal event value: %v", err)
	}
	if got["name"] != "Asha" {
		t.Errorf("event value = %v", got)
	}

	if reply := c.roundTrip(wsproto.Request{Op: wsproto.OpUnsubscribe, Sub: subID}); !reply.OK {
		t.Errorf("unsubscribe reply = %+v", reply)
	}
	if ev := c.event(); ev.Event != wsproto.EventEnd {
		t.Errorf("after unsubscribe, event = %+v, want end", ev)
	}
}

func TestSubscribeChildDeliversMessages(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)
	auth := c.signIn("+15550001111")
	peer := phoneauth.UserIDForPhone("+15550002222")
	logPath := "messages/" + auth.UserID + "/" + peer

	body, _ := json.Marshal(map[string]any{"sendersPhoneNumber": auth.PhoneNumber, "message": "hello", "timeStamp": 1756500000000})
	if reply := c.roundTrip(wsproto.Request{Op: wsproto.OpWrite, Path: logPath + "/m1", Value: body}); !reply.OK {
		t.Fatalf("write reply = %+v", reply)
	}

	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpSubscribeChild, Path: logPath})
	if !reply.OK {
		t.Fatalf("subscribe_child reply = %+v", reply)
	}
	ev := c.event()
	if ev.Event != wsproto.EventChildAdded || ev.Key != "m1" {
		t.Fatalf("event = %+v, want child_added m1", ev)
	}

	body2, _ := json.Marshal(map[string]any{"sendersPhoneNumber": auth.PhoneNumber, "message": "again", "timeStamp": 1756500001000})
	if reply := c.roundTrip(wsproto.Request{Op: wsproto.OpWrite, Path: logPath + "/m2", Value: body2}); !reply.OK {
		t.Fatalf("write reply = %+v", reply)
	}
	if ev := c.event(); ev.Key != "m2" {
		t.Errorf("second event = %+v, want m2", ev)
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env)
	c.signIn("+15550001111")

	reply := c.roundTrip(wsproto.Request{Op: wsproto.OpUnsubscribe, Sub: 99})
	if reply.Error == nil || reply.Error.Code != wsproto.CodeInvalid {
		t.Errorf("unsubscribe reply = %+v, want invalid", reply)
	}
}
