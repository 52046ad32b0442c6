// Package verification manages the lifecycle of one phone-verification
// attempt: code request, code delivery, code confirmation, and hand-off of a
// ready credential for sign-in.
package verification

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for provider sign-in; the auth layer maps them to its
// failure taxonomy.
var (
	ErrInvalidCredential = errors.New("verification: invalid credential")
	ErrTooManyAttempts   = errors.New("verification: too many attempts")
)

// Credential is a ready-to-use sign-in credential, either constructed from a
// user-submitted code or auto-detected by the provider (Token set).
type Credential struct {
	VerificationID string
	Code           string
	// Token is a provider-signed credential carried by the auto-detect fast
	// path; when set, VerificationID and Code may be empty.
	Token string
}

// ResendToken is an opaque handle allowing a new code to be dispatched for
// the same attempt without restarting the flow.
type ResendToken string

// AuthResult is a successful provider sign-in: the provider-assigned stable
// user identity plus a signed identity token for the store transport.
type AuthResult struct {
	UserID        string
	PhoneNumber   string
	IdentityToken string
}

// DispatchReason classifies a failed code dispatch.
type DispatchReason string

const (
	ReasonInvalidNumber DispatchReason = "invalid_number"
	ReasonQuotaExceeded DispatchReason = "quota_exceeded"
	ReasonProviderError DispatchReason = "provider_error"
)

// Event is one provider callback for a code request. The set is closed;
// Session consumes events through a single transition function.
type Event interface{ isEvent() }

// AutoDetected carries a ready-to-use credential; the attempt skips code
// entry entirely.
type AutoDetected struct {
	Credential Credential
	// Code is the detected code when the provider exposes it (shown to the
	// user as a filled-in field); may be empty.
	Code string
}

// CodeDispatched reports that a code was sent to the phone.
type CodeDispatched struct {
	VerificationID string
	ResendToken    ResendToken
}

// DispatchFailed reports that no code could be sent.
type DispatchFailed struct {
	Reason DispatchReason
	Detail string
}

func (AutoDetected) isEvent()   {}
func (CodeDispatched) isEvent() {}
func (DispatchFailed) isEvent() {}

// Provider is the external phone-verification service.
type Provider interface {
	// RequestCode starts a verification attempt for phoneNumber. Events
	// arrive on the returned channel until the attempt concludes or ctx is
	// cancelled; the channel is then closed.
	RequestCode(ctx context.Context, phoneNumber string, timeout time.Duration) (<-chan Event, error)

	// ResendCode dispatches a fresh code for an attempt identified by its
	// resend token, without restarting the flow.
	ResendCode(ctx context.Context, phoneNumber string, token ResendToken, timeout time.Duration) (<-chan Event, error)

	// CredentialFromCode builds a credential from a dispatched verification
	// id and a user-entered code. Fails on a malformed code without any
	// remote call.
	CredentialFromCode(verificationID, code string) (Credential, error)

	// SignIn exchanges a credential for the provider identity. Returns
	// ErrInvalidCredential or ErrTooManyAttempts for classified failures.
	SignIn(ctx context.Context, cred Credential) (AuthResult, error)
}
