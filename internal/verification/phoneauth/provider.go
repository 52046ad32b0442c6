// Package phoneauth implements the phone-verification provider: it generates
// and dispatches 6-digit codes over SMS, checks submitted codes against their
// stored hashes, and exchanges a verified code for a stable user identity
// plus a signed identity token.
package phoneauth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkline/internal/security"
	"talkline/internal/verification"
	"talkline/internal/verification/otp"
	"talkline/internal/verification/sms"
)

// userNamespace is the UUIDv5 namespace for deriving stable user ids from
// phone numbers: the same phone number always signs in to the same account.
var userNamespace = uuid.MustParse("8f1d9a60-4f1e-4c35-9d2a-7f6b2c1e5a90")

// phonePattern matches E.164 numbers: +, country code, 8-15 digits total.
var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

const (
	defaultCodeTTL   = 5 * time.Minute
	maxCheckAttempts = 5
)

// Options configures a Provider.
type Options struct {
	// SMS delivers codes. Required unless AutoDetect is set.
	SMS sms.Sender
	// Tokens signs identity tokens on successful sign-in.
	Tokens *security.TokenProvider
	// CodeTTL is how long a dispatched code stays valid (default 5m).
	CodeTTL time.Duration
	// AutoDetect skips SMS delivery and hands the code back in-band as an
	// auto-detected credential. Development only.
	AutoDetect bool
}

// Provider implements verification.Provider.
type Provider struct {
	opts  Options
	codes *codeStore
}

// New returns a Provider with the given options.
func New(opts Options) *Provider {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = defaultCodeTTL
	}
	return &Provider{opts: opts, codes: newCodeStore()}
}

// RequestCode starts a verification attempt: generates a code, stores its
// hash, and dispatches it. Events are delivered on the returned channel,
// which is closed once the request concludes.
func (p *Provider) RequestCode(ctx context.Context, phoneNumber string, timeout time.Duration) (<-chan verification.Event, error) {
	ch := make(chan verification.Event, 2)
	go func() {
		defer close(ch)
		p.dispatch(ctx, ch, phoneNumber, "", timeout)
	}()
	return ch, nil
}

// ResendCode dispatches a fresh code for the attempt identified by token,
// keeping the same verification id.
func (p *Provider) ResendCode(ctx context.Context, phoneNumber string, token verification.ResendToken, timeout time.Duration) (<-chan verification.Event, error) {
	verificationID, ok := p.codes.byResendToken(string(token))
	if !ok {
		return nil, fmt.Errorf("phoneauth: unknown resend token")
	}
	ch := make(chan verification.Event, 2)
	go func() {
		defer close(ch)
		p.dispatch(ctx, ch, phoneNumber, verificationID, timeout)
	}()
	return ch, nil
}

// dispatch generates and delivers one code. verificationID is empty for a new
// attempt and set for a resend.
func (p *Provider) dispatch(ctx context.Context, ch chan<- verification.Event, phoneNumber, verificationID string, timeout time.Duration) {
	if !phonePattern.MatchString(phoneNumber) {
		ch <- verification.DispatchFailed{
			Reason: verification.ReasonInvalidNumber,
			Detail: "phone number must be in E.164 format",
		}
		return
	}
	code, err := otp.Generate()
	if err != nil {
		ch <- verification.DispatchFailed{Reason: verification.ReasonProviderError, Detail: err.Error()}
		return
	}
	if verificationID == "" {
		verificationID = uuid.NewString()
	}
	resendToken := uuid.NewString()
	p.codes.put(verificationID, phoneNumber, otp.Hash(code), resendToken, time.Now().UTC().Add(p.opts.CodeTTL))

	if p.opts.AutoDetect {
		ch <- verification.AutoDetected{
			Credential: verification.Credential{VerificationID: verificationID, Code: code},
			Code:       code,
		}
		return
	}

	if p.opts.SMS == nil {
		ch <- verification.DispatchFailed{Reason: verification.ReasonProviderError, Detail: "no SMS sender configured"}
		return
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.opts.SMS.SendCode(sendCtx, phoneNumber, code); err != nil {
		ch <- verification.DispatchFailed{Reason: classifySendError(err), Detail: err.Error()}
		return
	}
	ch <- verification.CodeDispatched{
		VerificationID: verificationID,
		ResendToken:    verification.ResendToken(resendToken),
	}
}

// CredentialFromCode builds a credential locally; it fails on a malformed
// code without touching the code store.
func (p *Provider) CredentialFromCode(verificationID, code string) (verification.Credential, error) {
	if verificationID == "" {
		return verification.Credential{}, fmt.Errorf("phoneauth: empty verification id")
	}
	if !otp.WellFormed(code) {
		return verification.Credential{}, fmt.Errorf("phoneauth: malformed code")
	}
	return verification.Credential{VerificationID: verificationID, Code: code}, nil
}

// SignIn checks the credential and, on success, returns the stable user
// identity with a signed identity token. The code entry is consumed; failed
// checks count toward a small attempt budget.
func (p *Provider) SignIn(ctx context.Context, cred verification.Credential) (verification.AuthResult, error) {
	if cred.Token != "" {
		return p.signInWithToken(cred.Token)
	}

	entry, ok := p.codes.get(cred.VerificationID)
	if !ok {
		return verification.AuthResult{}, verification.ErrInvalidCredential
	}
	if !otp.Equal(cred.Code, entry.codeHash) {
		if p.codes.bumpAttempts(cred.VerificationID) >= maxCheckAttempts {
			p.codes.consume(cred.VerificationID)
			return verification.AuthResult{}, verification.ErrTooManyAttempts
		}
		return verification.AuthResult{}, verification.ErrInvalidCredential
	}
	p.codes.consume(cred.VerificationID)
	return p.issueIdentity(entry.phoneNumber)
}

func (p *Provider) signInWithToken(token string) (verification.AuthResult, error) {
	if p.opts.Tokens == nil {
		return verification.AuthResult{}, verification.ErrInvalidCredential
	}
	userID, phone, err := p.opts.Tokens.ValidateIdentity(token)
	if err != nil {
		return verification.AuthResult{}, verification.ErrInvalidCredential
	}
	return verification.AuthResult{UserID: userID, PhoneNumber: phone, IdentityToken: token}, nil
}

func (p *Provider) issueIdentity(phoneNumber string) (verification.AuthResult, error) {
	userID := UserIDForPhone(phoneNumber)
	result := verification.AuthResult{UserID: userID, PhoneNumber: phoneNumber}
	if p.opts.Tokens != nil {
		token, _, err := p.opts.Tokens.IssueIdentity(userID, phoneNumber)
		if err != nil {
			return verification.AuthResult{}, fmt.Errorf("phoneauth: issue identity token: %w", err)
		}
		result.IdentityToken = token
	}
	return result, nil
}

// UserIDForPhone derives the provider-assigned stable user id for a phone
// number.
func UserIDForPhone(phoneNumber string) string {
	return uuid.NewSHA1(userNamespace, []byte(phoneNumber)).String()
}

// classifySendError maps SMS gateway failures onto dispatch reasons. The
// gateway reports throttling as HTTP 429, which surfaces in the error text.
func classifySendError(err error) verification.DispatchReason {
	if strings.Contains(err.Error(), "status=429") {
		return verification.ReasonQuotaExceeded
	}
	return verification.ReasonProviderError
}
