package phoneauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"talkline/internal/verification"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	sent  []string
	codes []string
}

func (f *fakeSender) SendCode(ctx context.Context, phoneNumber, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, phoneNumber)
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeSender) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1]
}

func collectEvent(t *testing.T, ch <-chan verification.Event) verification.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed without an event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a provider event")
		return nil
	}
}

func TestRequestCode_DispatchesOverSMS(t *testing.T) {
	sender := &fakeSender{}
	p := New(Options{SMS: sender})

	ch, err := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	ev := collectEvent(t, ch)
	dispatched, ok := ev.(verification.CodeDispatched)
	if !ok {
		t.Fatalf("event = %T, want CodeDispatched", ev)
	}
	if dispatched.VerificationID == "" || dispatched.ResendToken == "" {
		t.Errorf("dispatch = %+v, want id and resend token", dispatched)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "+15551234567" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestRequestCode_InvalidNumber(t *testing.T) {
	testCases := []string{"", "12345678", "+0123456789", "+1", "555-123-4567"}
	p := New(Options{SMS: &fakeSender{}})

	for _, phone := range testCases {
		ch, err := p.RequestCode(context.Background(), phone, time.Minute)
		if err != nil {
			t.Fatalf("RequestCode(%q): %v", phone, err)
		}
		ev := collectEvent(t, ch)
		failed, ok := ev.(verification.DispatchFailed)
		if !ok {
			t.Fatalf("event for %q = %T, want DispatchFailed", phone, ev)
		}
		if failed.Reason != verification.ReasonInvalidNumber {
			t.Errorf("reason for %q = %s", phone, failed.Reason)
		}
	}
}

func TestRequestCode_QuotaExceeded(t *testing.T) {
	sender := &fakeSender{err: errors.New("sms gateway: send code: status=429")}
	p := New(Options{SMS: sender})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	ev := collectEvent(t, ch)
	failed, ok := ev.(verification.DispatchFailed)
	if !ok {
		t.Fatalf("event = %T, want DispatchFailed", ev)
	}
	if failed.Reason != verification.ReasonQuotaExceeded {
		t.Errorf("reason = %s, want quota_exceeded", failed.Reason)
	}
}

func TestRequestCode_AutoDetect(t *testing.T) {
	p := New(Options{AutoDetect: true})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	ev := collectEvent(t, ch)
	auto, ok := ev.(verification.AutoDetected)
	if !ok {
		t.Fatalf("event = %T, want AutoDetected", ev)
	}
	if auto.Code == "" || auto.Credential.VerificationID == "" || auto.Credential.Code != auto.Code {
		t.Errorf("auto = %+v", auto)
	}

	// the in-band credential signs in directly
	res, err := p.SignIn(context.Background(), auto.Credential)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.UserID != UserIDForPhone("+15551234567") {
		t.Errorf("user id = %q", res.UserID)
	}
}

func TestSignIn_RoundTrip(t *testing.T) {
	sender := &fakeSender{}
	p := New(Options{SMS: sender})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	dispatched := collectEvent(t, ch).(verification.CodeDispatched)

	cred, err := p.CredentialFromCode(dispatched.VerificationID, sender.lastCode())
	if err != nil {
		t.Fatalf("CredentialFromCode: %v", err)
	}
	res, err := p.SignIn(context.Background(), cred)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.PhoneNumber != "+15551234567" {
		t.Errorf("phone = %q", res.PhoneNumber)
	}
	if res.UserID != UserIDForPhone("+15551234567") {
		t.Errorf("user id = %q, want stable derivation", res.UserID)
	}

	// the entry is consumed; a second sign-in with the same code fails
	if _, err := p.SignIn(context.Background(), cred); !errors.Is(err, verification.ErrInvalidCredential) {
		t.Errorf("replayed sign-in = %v, want ErrInvalidCredential", err)
	}
}

func TestSignIn_WrongCodeBudget(t *testing.T) {
	sender := &fakeSender{}
	p := New(Options{SMS: sender})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	dispatched := collectEvent(t, ch).(verification.CodeDispatched)

	wrong := verification.Credential{VerificationID: dispatched.VerificationID, Code: "000000"}
	if sender.lastCode() == "000000" {
		wrong.Code = "000001"
	}

	for i := 0; i < maxCheckAttempts-1; i++ {
		if _, err := p.SignIn(context.Background(), wrong); !errors.Is(err, verification.ErrInvalidCredential) {
			t.Fatalf("attempt %d = %v, want ErrInvalidCredential", i, err)
		}
	}
	if _, err := p.SignIn(context.Background(), wrong); !errors.Is(err, verification.ErrTooManyAttempts) {
		t.Fatalf("final attempt = %v, want ErrTooManyAttempts", err)
	}

	// budget exhaustion consumed the entry; even the right code is refused now
	right := verification.Credential{VerificationID: dispatched.VerificationID, Code: sender.lastCode()}
	if _, err := p.SignIn(context.Background(), right); !errors.Is(err, verification.ErrInvalidCredential) {
		t.Errorf("sign-in after exhaustion = %v, want ErrInvalidCredential", err)
	}
}

func TestSignIn_ExpiredCode(t *testing.T) {
	sender := &fakeSender{}
	p := New(Options{SMS: sender, CodeTTL: time.Nanosecond})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	dispatched := collectEvent(t, ch).(verification.CodeDispatched)
	time.Sleep(5 * time.Millisecond)

	cred := verification.Credential{VerificationID: dispatched.VerificationID, Code: sender.lastCode()}
	if _, err := p.SignIn(context.Background(), cred); !errors.Is(err, verification.ErrInvalidCredential) {
		t.Errorf("expired sign-in = %v, want ErrInvalidCredential", err)
	}
}

func TestResendCode_KeepsVerificationID(t *testing.T) {
	sender := &fakeSender{}
	p := New(Options{SMS: sender})

	ch, _ := p.RequestCode(context.Background(), "+15551234567", time.Minute)
	first := collectEvent(t, ch).(verification.CodeDispatched)

	ch, err := p.ResendCode(context.Background(), "+15551234567", first.ResendToken, time.Minute)
	if err != nil {
		t.Fatalf("ResendCode: %v", err)
	}
	second := collectEvent(t, ch).(verification.CodeDispatched)
	if second.VerificationID != first.VerificationID {
		t.Errorf("verification id changed on resend: %q vs %q", second.VerificationID, first.VerificationID)
	}

	// the re-dispatched code is the one that now signs in
	cred := verification.Credential{VerificationID: first.VerificationID, Code: sender.lastCode()}
	if _, err := p.SignIn(context.Background(), cred); err != nil {
		t.Errorf("SignIn with resent code: %v", err)
	}
}

func TestResendCode_UnknownToken(t *testing.T) {
	p := New(Options{SMS: &fakeSender{}})
	if _, err := p.ResendCode(context.Background(), "+15551234567", "nope", time.Minute); err == nil {
		t.Fatal("unknown resend token should fail")
	}
}

func TestCredentialFromCode_Validation(t *testing.T) {
	p := New(Options{})
	if _, err := p.CredentialFromCode("", "123456"); err == nil {
		t.Error("empty verification id should fail")
	}
	if _, err := p.CredentialFromCode("vid-1", "12345"); err == nil {
		t.Error("malformed code should fail")
	}
	cred, err := p.CredentialFromCode("vid-1", "123456")
	if err != nil {
		t.Fatalf("CredentialFromCode: %v", err)
	}
	if cred.VerificationID != "vid-1" || cred.Code != "123456" {
		t.Errorf("cred = %+v", cred)
	}
}

func TestUserIDForPhone_Stable(t *testing.T) {
	a := UserIDForPhone("+15551234567")
	b := UserIDForPhone("+15551234567")
	c := UserIDForPhone("+15557654321")
	if a != b {
		t.Errorf("derivation not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different phones must derive different ids")
	}
}
