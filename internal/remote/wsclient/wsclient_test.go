package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"talkline/internal/remote"
	"talkline/internal/remote/memory"
	"talkline/internal/remote/wsproto"
	"talkline/internal/rules"
	"talkline/internal/security"
	"talkline/internal/server"
	"talkline/internal/verification"
	"talkline/internal/verification/phoneauth"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	engine, err := rules.New("")
	if err != nil {
		t.Fatalf("rules.New: %v", err)
	}
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	srv, err := server.New(server.Options{
		Store:    memory.New(),
		Rules:    engine,
		Tokens:   tokens,
		Verifier: phoneauth.New(phoneauth.Options{Tokens: tokens, AutoDetect: true}),
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialTest(t *testing.T, url string, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, Token: token})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// signIn runs the auto-detect flow through the Verifier and returns the
// authenticated identity.
func signIn(t *testing.T, c *Client, phone string) verification.AuthResult {
	t.Helper()
	ctx := context.Background()
	v := NewVerifier(c)
	ch, err := v.RequestCode(ctx, phone, time.Second)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	raw := <-ch
	ev, ok := raw.(verification.AutoDetected)
	if !ok {
		t.Fatalf("expected AutoDetected, got %T", raw)
	}
	result, err := v.SignIn(ctx, ev.Credential)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return result
}

func TestReadWriteRoundTrip(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	auth := signIn(t, c, "+15550001111")
	ctx := context.Background()
	path := "users/" + auth.UserID

	profile := map[string]any{"userId": auth.UserID, "phoneNumber": auth.PhoneNumber, "name": "Asha"}
	if err := c.Write(ctx, path, profile); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap, err := c.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.FieldString("name") != "Asha" || snap.FieldString("phoneNumber") != auth.PhoneNumber {
		t.Errorf("snapshot = %+v", snap.Export())
	}

	snap, err = c.Read(ctx, "users/missing")
	if err != nil {
		t.Fatalf("Read missing: %v", err)
	}
	if snap.Exists() {
		t.Errorf("missing path should be absent, got %+v", snap.Export())
	}
}

func TestUnauthenticatedWriteRejected(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")

	err := c.Write(context.Background(), "users/u1", map[string]any{"name": "x"})
	var srvErr *Error
	if !errors.As(err, &srvErr) || srvErr.Code != "unauthorized" {
		t.Errorf("err = %v, want unauthorized server error", err)
	}
}

func TestDialWithToken(t *testing.T) {
	url := newTestServer(t)
	first := dialTest(t, url, "")
	auth := signIn(t, first, "+15550001111")

	second := dialTest(t, url, auth.IdentityToken)
	if err := second.Write(context.Background(), "users/"+auth.UserID, map[string]any{"userId": auth.UserID, "name": "Asha"}); err != nil {
		t.Errorf("Write on token-authenticated socket: %v", err)
	}
}

func TestAuthenticateOnOpenSocket(t *testing.T) {
	url := newTestServer(t)
	first := dialTest(t, url, "")
	auth := signIn(t, first, "+15550001111")

	second := dialTest(t, url, "")
	uid, phone, err := second.Authenticate(context.Background(), auth.IdentityToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if uid != auth.UserID || phone != auth.PhoneNumber {
		t.Errorf("Authenticate identity = (%s, %s), want (%s, %s)", uid, phone, auth.UserID, auth.PhoneNumber)
	}
	if _, err := second.Read(context.Background(), "users/"+auth.UserID); err != nil {
		t.Errorf("Read after Authenticate: %v", err)
	}

	if _, _, err := second.Authenticate(context.Background(), "garbage"); err == nil {
		t.Error("Authenticate with bad token should fail")
	}
}

func TestSubscribeValueStreams(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	auth := signIn(t, c, "+15550001111")
	ctx := context.Background()
	path := "users/" + auth.UserID

	sub, err := c.SubscribeValue(ctx, path, nil)
	if err != nil {
		t.Fatalf("SubscribeValue: %v", err)
	}
	defer sub.Close()

	if snap := recvSnapshot(t, sub); snap.Exists() {
		t.Errorf("initial snapshot should be absent, got %+v", snap.Export())
	}
	if err := c.Write(ctx, path, map[string]any{"userId": auth.UserID, "name": "Asha"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if snap := recvSnapshot(t, sub); snap.FieldString("name") != "Asha" {
		t.Errorf("updated snapshot = %+v", snap.Export())
	}
}

func TestSubscribeValueWithFilter(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	auth := signIn(t, c, "+15550001111")
	ctx := context.Background()

	entry := map[string]any{"userId": auth.UserID, "name": "Ben", "phoneNumber": "+15550002222"}
	if err := c.Write(ctx, "chats/"+remote.PushKey(), entry); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sub, err := c.SubscribeValue(ctx, "chats", &remote.Filter{Field: "userId", Equals: auth.UserID})
	if err != nil {
		t.Fatalf("SubscribeValue: %v", err)
	}
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	if len(snap.Children()) != 1 || snap.Children()[0].FieldString("name") != "Ben" {
		t.Errorf("filtered snapshot = %+v", snap.Export())
	}
}

func TestSubscribeChildAddedStreams(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	auth := signIn(t, c, "+15550001111")
	ctx := context.Background()
	peer := phoneauth.UserIDForPhone("+15550002222")
	logPath := "messages/" + auth.UserID + "/" + peer

	msg := map[string]any{"sendersPhoneNumber": auth.PhoneNumber, "message": "hello", "timeStamp": 1756500000000}
	if err := c.Write(ctx, logPath+"/m1", msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sub, err := c.SubscribeChildAdded(ctx, logPath)
	if err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}
	defer sub.Close()

	child := recvChild(t, sub)
	if child.Key != "m1" || child.Snapshot.FieldString("message") != "hello" {
		t.Errorf("first child = %q %+v", child.Key, child.Snapshot.Export())
	}

	msg["message"] = "again"
	if err := c.Write(ctx, logPath+"/m2", msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if child := recvChild(t, sub); child.Key != "m2" {
		t.Errorf("second child = %q, want m2", child.Key)
	}
}

func TestVerifier_WrongCode(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	v := NewVerifier(c)
	ctx := context.Background()

	ch, err := v.RequestCode(ctx, "+15550001111", time.Second)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	raw := <-ch
	ev, ok := raw.(verification.AutoDetected)
	if !ok {
		t.Fatalf("expected AutoDetected, got %T", raw)
	}
	wrong := "000000"
	if wrong == ev.Credential.Code {
		wrong = "000001"
	}
	cred, err := v.CredentialFromCode(ev.Credential.VerificationID, wrong)
	if err != nil {
		t.Fatalf("CredentialFromCode: %v", err)
	}
	if _, err := v.SignIn(ctx, cred); !errors.Is(err, verification.ErrInvalidCredential) {
		t.Errorf("SignIn err = %v, want ErrInvalidCredential", err)
	}
}

func TestVerifier_InvalidNumber(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	v := NewVerifier(c)

	ch, err := v.RequestCode(context.Background(), "not-a-number", time.Second)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	raw := <-ch
	failed, ok := raw.(verification.DispatchFailed)
	if !ok || failed.Reason != verification.ReasonInvalidNumber {
		t.Errorf("event = %#v, want invalid_number dispatch failure", raw)
	}
}

func TestClose_EndsStreamsAndCalls(t *testing.T) {
	url := newTestServer(t)
	c := dialTest(t, url, "")
	auth := signIn(t, c, "+15550001111")

	sub, err := c.SubscribeValue(context.Background(), "users/"+auth.UserID, nil)
	if err != nil {
		t.Fatalf("SubscribeValue: %v", err)
	}
	recvSnapshot(t, sub)

	c.Close()
	c.Close() // safe to call twice

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("snapshot channel did not close")
		}
	}
closed:
	if _, err := c.Read(context.Background(), "users/"+auth.UserID); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}

// An endpoint that answers a subscribe with the reply frame and the first
// snapshot event written back-to-back. Whether readLoop sees that event before
// the subscribing goroutine resumes is pure scheduling, so run many rounds;
// the initial snapshot must arrive in every one of them.
func TestSubscribeValue_InitialSnapshotNeverDropped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer sock.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		var sub int64
		for {
			var req wsproto.Request
			if err := wsjson.Read(ctx, sock, &req); err != nil {
				return
			}
			switch req.Op {
			case wsproto.OpSubscribeValue:
				sub++
				if err := wsjson.Write(ctx, sock, wsproto.Message{ID: req.ID, OK: true, Sub: sub}); err != nil {
					return
				}
				ev := wsproto.Message{Sub: sub, Event: wsproto.EventValue, Key: "chats", Value: json.RawMessage(`{"c1":{"name":"Asha"}}`)}
				if err := wsjson.Write(ctx, sock, ev); err != nil {
					return
				}
			default:
				if err := wsjson.Write(ctx, sock, wsproto.Message{ID: req.ID, OK: true}); err != nil {
					return
				}
			}
		}
	}))
	defer ts.Close()

	c := dialTest(t, "ws"+strings.TrimPrefix(ts.URL, "http"), "")
	ctx := context.Background()
	for round := 0; round < 200; round++ {
		sub, err := c.SubscribeValue(ctx, "chats", nil)
		if err != nil {
			t.Fatalf("round %d: SubscribeValue: %v", round, err)
		}
		select {
		case snap := <-sub.Snapshots():
			if !snap.Exists() || !snap.Child("c1").Exists() {
				t.Fatalf("round %d: snapshot = %+v", round, snap)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: initial snapshot was dropped", round)
		}
		sub.Close()
	}
}

func recvSnapshot(t *testing.T, sub remote.ValueSubscription) remote.Snapshot {
	t.Helper()
	select {
	case snap := <-sub.Snapshots():
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return remote.Empty("")
	}
}

func recvChild(t *testing.T, sub remote.ChildSubscription) remote.Child {
	t.Helper()
	select {
	case child := <-sub.Children():
		return child
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child")
		return remote.Child{}
	}
}
