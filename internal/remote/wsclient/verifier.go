package wsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talkline/internal/remote/wsproto"
	"talkline/internal/verification"
	"talkline/internal/verification/otp"
)

// Verifier drives the phone-verification flow through a store socket. It
// implements verification.Provider; a successful sign-in also authenticates
// the underlying connection.
type Verifier struct {
	client *Client
}

// NewVerifier returns a Verifier on an open client.
func NewVerifier(c *Client) *Verifier {
	return &Verifier{client: c}
}

// RequestCode implements verification.Provider.
func (v *Verifier) RequestCode(ctx context.Context, phoneNumber string, timeout time.Duration) (<-chan verification.Event, error) {
	return v.dispatch(ctx, wsproto.Request{Op: wsproto.OpRequestCode, Phone: phoneNumber}, timeout)
}

// ResendCode implements verification.Provider.
func (v *Verifier) ResendCode(ctx context.Context, phoneNumber string, token verification.ResendToken, timeout time.Duration) (<-chan verification.Event, error) {
	return v.dispatch(ctx, wsproto.Request{Op: wsproto.OpResendCode, Phone: phoneNumber, Token: string(token)}, timeout)
}

func (v *Verifier) dispatch(ctx context.Context, req wsproto.Request, timeout time.Duration) (<-chan verification.Event, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ch := make(chan verification.Event, 1)
	go func() {
		defer close(ch)
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		msg, err := v.client.call(callCtx, req)
		if err != nil {
			ch <- dispatchFailure(err)
			return
		}
		d := msg.Dispatch
		if d == nil {
			ch <- verification.DispatchFailed{Reason: verification.ReasonProviderError, Detail: "empty dispatch reply"}
			return
		}
		if d.AutoCode != "" {
			ch <- verification.AutoDetected{
				Credential: verification.Credential{VerificationID: d.VerificationID, Code: d.AutoCode},
				Code:       d.AutoCode,
			}
			return
		}
		ch <- verification.CodeDispatched{
			VerificationID: d.VerificationID,
			ResendToken:    verification.ResendToken(d.ResendToken),
		}
	}()
	return ch, nil
}

// CredentialFromCode implements verification.Provider. Validation is local;
// the code is only checked server-side at sign-in.
func (v *Verifier) CredentialFromCode(verificationID, code string) (verification.Credential, error) {
	if verificationID == "" {
		return verification.Credential{}, fmt.Errorf("wsclient: empty verification id")
	}
	if !otp.WellFormed(code) {
		return verification.Credential{}, fmt.Errorf("wsclient: malformed code")
	}
	return verification.Credential{VerificationID: verificationID, Code: code}, nil
}

// SignIn implements verification.Provider.
func (v *Verifier) SignIn(ctx context.Context, cred verification.Credential) (verification.AuthResult, error) {
	msg, err := v.client.call(ctx, wsproto.Request{Op: wsproto.OpSignIn, Credential: &wsproto.Credential{
		VerificationID: cred.VerificationID,
		Code:           cred.Code,
		Token:          cred.Token,
	}})
	if err != nil {
		var srvErr *Error
		if errors.As(err, &srvErr) {
			switch srvErr.Code {
			case "too_many_attempts":
				return verification.AuthResult{}, verification.ErrTooManyAttempts
			case wsproto.CodeUnauthorized:
				return verification.AuthResult{}, verification.ErrInvalidCredential
			}
		}
		return verification.AuthResult{}, err
	}
	if msg.Auth == nil {
		return verification.AuthResult{}, fmt.Errorf("wsclient: empty sign-in reply")
	}
	return verification.AuthResult{
		UserID:        msg.Auth.UserID,
		PhoneNumber:   msg.Auth.PhoneNumber,
		IdentityToken: msg.Auth.IdentityToken,
	}, nil
}

// dispatchFailure maps a transport or server error onto a dispatch event.
func dispatchFailure(err error) verification.DispatchFailed {
	var srvErr *Error
	if errors.As(err, &srvErr) {
		switch srvErr.Code {
		case string(verification.ReasonInvalidNumber), string(verification.ReasonQuotaExceeded):
			return verification.DispatchFailed{Reason: verification.DispatchReason(srvErr.Code), Detail: srvErr.Detail}
		}
		return verification.DispatchFailed{Reason: verification.ReasonProviderError, Detail: srvErr.Detail}
	}
	return verification.DispatchFailed{Reason: verification.ReasonProviderError, Detail: err.Error()}
}
