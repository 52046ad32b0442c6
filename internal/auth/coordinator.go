// Package auth drives sign-in once a verification credential is available:
// it exchanges the credential with the provider, persists the local signed-in
// flag, and resolves the user's remote profile, creating a minimal one on
// first sign-in.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"talkline/internal/observe"
	"talkline/internal/prefs"
	"talkline/internal/telemetry"
	"talkline/internal/verification"
)

// FailureReason classifies a sign-in or profile failure for callers; raw
// provider errors never cross this boundary.
type FailureReason string

const (
	FailureInvalidCredential  FailureReason = "invalid_credential"
	FailureTooManyAttempts    FailureReason = "too_many_attempts"
	FailureProfileWriteFailed FailureReason = "profile_write_failed"
	FailureProfileReadFailed  FailureReason = "profile_read_failed"
	FailureProvider           FailureReason = "provider_error"
)

// Failure is a classified auth error.
type Failure struct {
	Reason FailureReason
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("auth: %s: %s", f.Reason, f.Detail)
}

// StateKind is the coordinator's observable phase.
type StateKind string

const (
	StateSignedOut StateKind = "signed_out"
	StateSigningIn StateKind = "signing_in"
	StateSignedIn  StateKind = "signed_in"
	StateFailed    StateKind = "failed"
)

// State is the coordinator's published state. User is set when Kind is
// StateSignedIn; Reason and Detail when Kind is StateFailed.
type State struct {
	Kind   StateKind
	User   Profile
	Reason FailureReason
	Detail string
}

// Coordinator owns the sign-in flow. Exactly one outcome is produced per
// SignIn call: the resolved profile, or a classified Failure.
type Coordinator struct {
	provider verification.Provider
	profiles *ProfileRepository
	flags    prefs.FlagStore
	session  *verification.Session
	events   telemetry.EventEmitter

	mu    sync.Mutex
	state *observe.Value[State]
}

// NewCoordinator returns a Coordinator. session and events may be nil.
func NewCoordinator(
	provider verification.Provider,
	profiles *ProfileRepository,
	flags prefs.FlagStore,
	session *verification.Session,
	events telemetry.EventEmitter,
) *Coordinator {
	kind := StateSignedOut
	if flags.SignedIn() {
		kind = StateSignedIn
	}
	return &Coordinator{
		provider: provider,
		profiles: profiles,
		flags:    flags,
		session:  session,
		events:   events,
		state:    observe.NewValue(State{Kind: kind}),
	}
}

// State exposes the coordinator's observable state.
func (c *Coordinator) State() *observe.Value[State] { return c.state }

// SignedIn reports the persisted signed-in flag.
func (c *Coordinator) SignedIn() bool { return c.flags.SignedIn() }

// SignIn exchanges cred for the provider identity and resolves the profile.
// A missing profile is not an error: a minimal one (id + phone) is written
// and returned. On failure the returned error is always a *Failure.
func (c *Coordinator) SignIn(ctx context.Context, cred verification.Credential) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Set(State{Kind: StateSigningIn})

	res, err := c.provider.SignIn(ctx, cred)
	if err != nil {
		return Profile{}, c.fail(ctx, "", classifySignIn(err), err.Error())
	}

	if err := c.flags.SetSignedIn(true); err != nil {
		return Profile{}, c.fail(ctx, res.UserID, FailureProvider, "persist signed-in flag: "+err.Error())
	}

	profile, found, err := c.profiles.Fetch(ctx, res.UserID)
	if err != nil {
		return Profile{}, c.fail(ctx, res.UserID, FailureProfileReadFailed, err.Error())
	}
	if !found {
		profile = Profile{UserID: res.UserID, PhoneNumber: res.PhoneNumber}
		if err := c.profiles.Save(ctx, profile); err != nil {
			return Profile{}, c.fail(ctx, res.UserID, FailureProfileWriteFailed, err.Error())
		}
	}

	c.state.Set(State{Kind: StateSignedIn, User: profile})
	c.emit(ctx, "auth.signin.succeeded", res.UserID, nil)
	return profile, nil
}

// CompleteVerification signs in with a credential handed off by the
// verification session and stamps the outcome back onto the attempt it came
// from. gen is the attempt generation delivered alongside the credential; if
// the session has moved on to a newer attempt the stamp is dropped.
func (c *Coordinator) CompleteVerification(ctx context.Context, gen uint64, cred verification.Credential) (Profile, error) {
	profile, err := c.SignIn(ctx, cred)
	if c.session != nil {
		if err != nil {
			c.session.MarkFailed(gen, err.Error())
		} else {
			c.session.MarkSucceeded(gen)
		}
	}
	return profile, err
}

// SaveProfile overwrites the full profile record for userID, keeping the
// stored phone number. image is base64-encoded before writing; nil clears it.
func (c *Coordinator) SaveProfile(ctx context.Context, userID, name, status string, image []byte) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, _, err := c.profiles.Fetch(ctx, userID)
	if err != nil {
		return Profile{}, c.profileFail(ctx, userID, FailureProfileReadFailed, err.Error())
	}

	profile := Profile{
		UserID:      userID,
		PhoneNumber: current.PhoneNumber,
		Name:        name,
		Status:      status,
	}
	if len(image) > 0 {
		profile.ProfileImage = base64.StdEncoding.EncodeToString(image)
	}
	if err := c.profiles.Save(ctx, profile); err != nil {
		return Profile{}, c.profileFail(ctx, userID, FailureProfileWriteFailed, err.Error())
	}

	if c.state.Get().Kind == StateSignedIn {
		c.state.Set(State{Kind: StateSignedIn, User: profile})
	}
	c.emit(ctx, "auth.profile.saved", userID, nil)
	return profile, nil
}

// SignOut clears the local signed-in flag and resets the verification
// session. Remote data is untouched.
func (c *Coordinator) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	userID := c.state.Get().User.UserID
	if err := c.flags.SetSignedIn(false); err != nil {
		return fmt.Errorf("clear signed-in flag: %w", err)
	}
	if c.session != nil {
		c.session.Reset()
	}
	c.state.Set(State{Kind: StateSignedOut})
	c.emit(ctx, "auth.signout", userID, nil)
	return nil
}

func (c *Coordinator) profileFail(ctx context.Context, userID string, reason FailureReason, detail string) error {
	c.emit(ctx, "auth.profile.save_failed", userID, map[string]string{"reason": string(reason)})
	return &Failure{Reason: reason, Detail: detail}
}

func (c *Coordinator) fail(ctx context.Context, userID string, reason FailureReason, detail string) error {
	c.state.Set(State{Kind: StateFailed, Reason: reason, Detail: detail})
	c.emit(ctx, "auth.signin.failed", userID, map[string]string{"reason": string(reason)})
	return &Failure{Reason: reason, Detail: detail}
}

func (c *Coordinator) emit(ctx context.Context, eventType, userID string, detail map[string]string) {
	if c.events == nil {
		return
	}
	// best-effort; sign-in outcome does not depend on the audit path
	_ = c.events.Emit(ctx, telemetry.NewEvent(eventType, "auth", userID, detail))
}

func classifySignIn(err error) FailureReason {
	switch {
	case errors.Is(err, verification.ErrInvalidCredential):
		return FailureInvalidCredential
	case errors.Is(err, verification.ErrTooManyAttempts):
		return FailureTooManyAttempts
	default:
		return FailureProvider
	}
}
