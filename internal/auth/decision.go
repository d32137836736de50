package auth

import "context"

// Caller-facing denial codes. Key failures of every kind collapse into
// CodeInvalidCredential so callers cannot probe which keys exist.
const (
	CodeNoCredential      = "NO_CREDENTIAL"
	CodeIPDenied          = "IP_DENIED"
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeInvalidSession    = "INVALID_SESSION"
	CodeTimeout           = "AUTH_TIMEOUT"
	CodeUnavailable       = "AUTH_UNAVAILABLE"
)

// Audit-only reasons that refine a denial.
const (
	ReasonKeyNotFound     = "KEY_NOT_FOUND"
	ReasonKeyInactive     = "KEY_INACTIVE"
	ReasonKeyExpired      = "KEY_EXPIRED"
	ReasonKeyScope        = "KEY_SCOPE"
	ReasonNegativeCache   = "NEGATIVE_CACHE"
	ReasonSessionNotFound = "SESSION_NOT_FOUND"
)

// Method names how a request was authenticated.
type Method string

const (
	MethodWhitelist Method = "WHITELIST"
	MethodDisabled  Method = "NO_AUTH"
	MethodStatic    Method = "STATIC_KEY"
	MethodKey       Method = "KEY"
	MethodSession   Method = "SESSION"
	MethodNone      Method = "NONE"
)

// Decision is the outcome of resolving one request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Method  Method `json:"method"`
	// Code is the caller-facing reason for a denial.
	Code string `json:"code,omitempty"`
	// Reason is the detailed cause, recorded only in the audit trail.
	Reason string `json:"reason,omitempty"`

	UserID      string `json:"user_id,omitempty"`
	KeyID       string `json:"key_id,omitempty"`
	Fingerprint string `json:"-"` // SHA-256 of the raw key
	ServiceID   string `json:"service_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ClientIP    string `json:"client_ip,omitempty"`
}

// CallerID identifies the caller for statistics: the key owner when known,
// a short fingerprint for static keys, otherwise "anonymous".
func (d Decision) CallerID() string {
	switch {
	case d.UserID != "":
		return d.UserID
	case len(d.Fingerprint) >= 12:
		return "key:" + d.Fingerprint[:12]
	default:
		return "anonymous"
	}
}

func allow(m Method) Decision {
	return Decision{Allowed: true, Method: m}
}

func deny(m Method, code, reason string) Decision {
	if reason == "" {
		reason = code
	}
	return Decision{Allowed: false, Method: m, Code: code, Reason: reason}
}

type ctxKey struct{}

// WithDecision stores d in the request context.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, ctxKey{}, d)
}

// DecisionFrom returns the decision stored by WithDecision.
func DecisionFrom(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(ctxKey{}).(Decision)
	return d, ok
}
