package verification

import (
	"context"
	"errors"
	"sync"
	"time"

	"talkline/internal/observe"
	"talkline/internal/verification/otp"
)

// Local validation errors. These are rejected before any remote call and
// leave session state unchanged.
var (
	ErrMalformedCode     = errors.New("verification: code must be 6 digits")
	ErrNoVerification    = errors.New("verification: no code has been dispatched")
	ErrNotAwaitingCode   = errors.New("verification: not awaiting a code")
	ErrAttemptInProgress = errors.New("verification: an attempt is already in progress")
)

// StateKind names one state of the verification attempt lifecycle.
type StateKind string

const (
	StateIdle       StateKind = "idle"
	StateRequesting StateKind = "requesting"
	StateCodeSent   StateKind = "code_sent"
	StateVerifying  StateKind = "verifying"
	StateSucceeded  StateKind = "succeeded"
	StateFailed     StateKind = "failed"
)

// FailureReason classifies a terminal Failed state.
type FailureReason string

const (
	FailureInvalidNumber FailureReason = "invalid_number"
	FailureQuotaExceeded FailureReason = "quota_exceeded"
	FailureProvider      FailureReason = "provider_error"
	FailureSignIn        FailureReason = "sign_in_failed"
)

// State is the immutable observable state of the session.
type State struct {
	Kind             StateKind
	PhoneNumber      string
	VerificationID   string
	AutoDetectedCode string
	Reason           FailureReason
	Detail           string
}

// attempt is the immutable record of one verification attempt, swapped as a
// whole on each transition. gen ties provider callbacks to the attempt they
// belong to; callbacks with a stale gen are dropped.
type attempt struct {
	gen            uint64
	phoneNumber    string
	verificationID string
	resendToken    ResendToken
	autoCode       string
}

// Session owns the lifecycle of one phone-verification attempt. All provider
// callbacks funnel through a single transition function guarded by one mutex;
// readers observe state through an observable value and never see internal
// mutable fields.
type Session struct {
	provider     Provider
	timeout      time.Duration
	onCredential func(uint64, Credential)

	mu      sync.Mutex
	attempt attempt
	cancel  context.CancelFunc

	state *observe.Value[State]
}

// NewSession returns an idle session. onCredential is invoked (on its own
// goroutine) whenever a ready credential becomes available, from either the
// auto-detect fast path or a submitted code; it may be nil. The first argument
// is the attempt generation the credential belongs to; it must be passed back
// to MarkSucceeded or MarkFailed so outcomes of abandoned attempts cannot
// stamp a later one.
func NewSession(provider Provider, timeout time.Duration, onCredential func(gen uint64, cred Credential)) *Session {
	return &Session{
		provider:     provider,
		timeout:      timeout,
		onCredential: onCredential,
		state:        observe.NewValue(State{Kind: StateIdle}),
	}
}

// State returns the observable session state.
func (s *Session) State() *observe.Value[State] { return s.state }

// RequestCode starts a new verification attempt for phoneNumber. Valid from
// Idle and from the terminal states (implicit reset); while an attempt is in
// flight it returns ErrAttemptInProgress without touching state.
func (s *Session) RequestCode(ctx context.Context, phoneNumber string) error {
	s.mu.Lock()
	switch s.state.Get().Kind {
	case StateIdle, StateFailed, StateSucceeded:
	default:
		s.mu.Unlock()
		return ErrAttemptInProgress
	}
	gen := s.beginAttemptLocked(phoneNumber)
	s.setStateLocked(State{Kind: StateRequesting, PhoneNumber: phoneNumber})
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	events, err := s.provider.RequestCode(reqCtx, phoneNumber, s.timeout)
	if err != nil {
		s.apply(gen, DispatchFailed{Reason: ReasonProviderError, Detail: err.Error()})
		return nil
	}
	go s.pump(gen, events)
	return nil
}

// ResendCode dispatches a fresh code for the current attempt using its resend
// token. Valid only from CodeSent.
func (s *Session) ResendCode(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Get().Kind != StateCodeSent {
		s.mu.Unlock()
		return ErrNotAwaitingCode
	}
	gen := s.attempt.gen
	phone := s.attempt.phoneNumber
	token := s.attempt.resendToken
	s.mu.Unlock()

	events, err := s.provider.ResendCode(ctx, phone, token, s.timeout)
	if err != nil {
		return err
	}
	go s.pump(gen, events)
	return nil
}

// SubmitCode confirms the dispatched code. Valid only from CodeSent; a
// malformed code or a missing verification id is a local validation failure
// and leaves state unchanged.
func (s *Session) SubmitCode(code string) error {
	s.mu.Lock()
	if s.state.Get().Kind != StateCodeSent {
		s.mu.Unlock()
		return ErrNotAwaitingCode
	}
	if !otp.WellFormed(code) {
		s.mu.Unlock()
		return ErrMalformedCode
	}
	if s.attempt.verificationID == "" {
		s.mu.Unlock()
		return ErrNoVerification
	}
	cred, err := s.provider.CredentialFromCode(s.attempt.verificationID, code)
	if err != nil {
		s.mu.Unlock()
		return ErrMalformedCode
	}
	gen := s.attempt.gen
	st := s.state.Get()
	st.Kind = StateVerifying
	s.setStateLocked(st)
	s.mu.Unlock()

	s.handOff(gen, cred)
	return nil
}

// Reset abandons the current attempt from any state and returns to Idle.
// In-flight provider callbacks for the old attempt are dropped by generation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.beginAttemptLocked("")
	s.setStateLocked(State{Kind: StateIdle})
	s.mu.Unlock()
}

// MarkSucceeded records sign-in completion for the attempt gen, as delivered
// with the credential. A no-op unless that same attempt is still Verifying
// (a reset or a newer attempt in between wins).
func (s *Session) MarkSucceeded(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.Get()
	if st.Kind != StateVerifying || gen != s.attempt.gen {
		return
	}
	st.Kind = StateSucceeded
	s.setStateLocked(st)
}

// MarkFailed records sign-in failure for the attempt gen. A no-op unless that
// same attempt is still Verifying.
func (s *Session) MarkFailed(gen uint64, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.Get()
	if st.Kind != StateVerifying || gen != s.attempt.gen {
		return
	}
	st.Kind = StateFailed
	st.Reason = FailureSignIn
	st.Detail = detail
	s.setStateLocked(st)
}

// beginAttemptLocked invalidates the previous attempt and starts a new one.
func (s *Session) beginAttemptLocked(phoneNumber string) uint64 {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	gen := s.attempt.gen + 1
	s.attempt = attempt{gen: gen, phoneNumber: phoneNumber}
	return gen
}

func (s *Session) setStateLocked(st State) {
	s.state.Set(st)
}

// pump feeds provider events into the transition function until the stream
// closes.
func (s *Session) pump(gen uint64, events <-chan Event) {
	for ev := range events {
		s.apply(gen, ev)
	}
}

// apply is the single state-transition function for provider callbacks.
// Events tagged with a stale generation are dropped, which makes Reset a
// cooperative cancellation point.
func (s *Session) apply(gen uint64, ev Event) {
	s.mu.Lock()
	if gen != s.attempt.gen {
		s.mu.Unlock()
		return
	}
	st := s.state.Get()
	switch ev := ev.(type) {
	case CodeDispatched:
		// duplicate dispatch callbacks for the same attempt are idempotent
		if st.Kind == StateCodeSent && s.attempt.verificationID == ev.VerificationID {
			s.mu.Unlock()
			return
		}
		s.attempt.verificationID = ev.VerificationID
		s.attempt.resendToken = ev.ResendToken
		st.Kind = StateCodeSent
		st.VerificationID = ev.VerificationID
		s.setStateLocked(st)
		s.mu.Unlock()

	case AutoDetected:
		// fast path: Requesting -> Verifying, never visiting CodeSent
		if st.Kind != StateRequesting && st.Kind != StateCodeSent {
			s.mu.Unlock()
			return
		}
		s.attempt.autoCode = ev.Code
		st.Kind = StateVerifying
		st.AutoDetectedCode = ev.Code
		s.setStateLocked(st)
		s.mu.Unlock()
		s.handOff(gen, ev.Credential)

	case DispatchFailed:
		st.Kind = StateFailed
		st.Reason = classifyDispatch(ev.Reason)
		st.Detail = ev.Detail
		s.setStateLocked(st)
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}
}

func (s *Session) handOff(gen uint64, cred Credential) {
	if s.onCredential == nil {
		return
	}
	go s.onCredential(gen, cred)
}

func classifyDispatch(r DispatchReason) FailureReason {
	switch r {
	case ReasonInvalidNumber:
		return FailureInvalidNumber
	case ReasonQuotaExceeded:
		return FailureQuotaExceeded
	default:
		return FailureProvider
	}
}
