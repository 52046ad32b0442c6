// Package wsproto defines the JSON frames exchanged on a store websocket.
// Requests carry a client-chosen id echoed on the reply; subscription events
// arrive out of band tagged with their subscription id.
package wsproto

import "encoding/json"

// Request ops.
const (
	OpAuth           = "auth"
	OpRead           = "read"
	OpWrite          = "write"
	OpSubscribeValue = "subscribe_value"
	OpSubscribeChild = "subscribe_child"
	OpUnsubscribe    = "unsubscribe"
	OpRequestCode    = "request_code"
	OpResendCode     = "resend_code"
	OpSignIn         = "sign_in"
)

// Server-pushed event kinds.
const (
	EventValue      = "value"
	EventChildAdded = "child_added"
	EventEnd        = "end"
)

// Error codes.
const (
	CodeUnauthorized = "unauthorized"
	CodeDenied       = "denied"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// Request is one client frame.
type Request struct {
	ID         int64           `json:"id,omitempty"`
	Op         string          `json:"op"`
	Path       string          `json:"path,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Filter     *Filter         `json:"filter,omitempty"`
	Sub        int64           `json:"sub,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Token      string          `json:"token,omitempty"`
	Credential *Credential     `json:"credential,omitempty"`
}

// Filter restricts a value subscription to matching children.
type Filter struct {
	Field  string `json:"field"`
	Equals string `json:"equals"`
}

// Credential identifies one sign-in attempt. Either VerificationID+Code or
// Token is set.
type Credential struct {
	VerificationID string `json:"verificationId,omitempty"`
	Code           string `json:"code,omitempty"`
	Token          string `json:"token,omitempty"`
}

// Message is one server frame: a reply (ID set) or a subscription event
// (Sub and Event set).
type Message struct {
	ID       int64           `json:"id,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Sub      int64           `json:"sub,omitempty"`
	Event    string          `json:"event,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Dispatch *Dispatch       `json:"dispatch,omitempty"`
	Auth     *Auth           `json:"auth,omitempty"`
}

// Error carries a machine code and a human detail.
type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Dispatch is the outcome of a code request. AutoCode is set only when the
// server runs in auto-detect mode.
type Dispatch struct {
	VerificationID string `json:"verificationId,omitempty"`
	ResendToken    string `json:"resendToken,omitempty"`
	AutoCode       string `json:"autoCode,omitempty"`
}

// Auth is the outcome of a successful sign-in.
type Auth struct {
	UserID        string `json:"userId"`
	PhoneNumber   string `json:"phoneNumber"`
	IdentityToken string `json:"identityToken,omitempty"`
}
