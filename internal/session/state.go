// Package session owns the portal login and the reusable CAPTCHA answer.
// It is the single writer of the session artifacts; callers only ever see
// copies.
package session

import (
	"errors"
	"fmt"
	"time"
)

// State is a step of the session lifecycle.
type State int

const (
	Unauthenticated State = iota
	AwaitingChallenge
	AuthenticatedFresh
	CaptchaBound
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingChallenge:
		return "awaiting-otp"
	case AuthenticatedFresh:
		return "authenticated"
	case CaptchaBound:
		return "captcha-bound"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAuthRejected is matched by every *AuthRejectedError.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrConcurrentSession is returned when the portal reports another
	// active session for the account.
	ErrConcurrentSession = errors.New("another active session exists for this account")

	// ErrTransient marks network failures that are worth retrying.
	ErrTransient = errors.New("transient network failure")

	// ErrInvalidState is returned for transitions the lifecycle forbids.
	ErrInvalidState = errors.New("invalid session state")
)

// AuthRejectedError carries why the portal refused a login step. It is never
// retried automatically.
type AuthRejectedError struct {
	Stage  string // captcha, login or otp
	Reason string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("%v at %s: %s", ErrAuthRejected, e.Stage, e.Reason)
}

// Is makes errors.Is(err, ErrAuthRejected) true.
func (e *AuthRejectedError) Is(target error) bool {
	return target == ErrAuthRejected
}

// Credentials are held only for the duration of a login call.
type Credentials struct {
	Username string
	Password string
}

// CaptchaAnswer is a human-solved CAPTCHA: the portal's id for the image and
// the text typed for it.
type CaptchaAnswer struct {
	ID   string
	Text string
}

// IsZero reports whether no answer is set.
func (a CaptchaAnswer) IsZero() bool {
	return a.ID == "" && a.Text == ""
}

// Captcha is a freshly generated challenge image.
type Captcha struct {
	ID    string
	Image []byte
}

// Artifacts is a snapshot of the session's authentication material.
type Artifacts struct {
	Token          string
	TokenIssuedAt  time.Time
	Captcha        CaptchaAnswer
	CaptchaBoundAt time.Time
	CaptchaUses    int
}

// Reason says why the remote refused a call made with the current artifacts.
type Reason int

const (
	// ReasonCaptchaRejected drops the bound answer and keeps the token.
	ReasonCaptchaRejected Reason = iota + 1
	// ReasonSessionExpired drops the token and the answer.
	ReasonSessionExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonCaptchaRejected:
		return "captcha rejected"
	case ReasonSessionExpired:
		return "session expired"
	default:
		return "unknown"
	}
}

// Policy bounds how long artifacts are trusted. Zero values disable a bound.
type Policy struct {
	LoginAttempts  int
	RetryBackoff   time.Duration
	CaptchaMaxUses int
	CaptchaTTL     time.Duration
	TokenTTL       time.Duration
}

// DefaultPolicy returns 2 login attempts, 500 uses or 30 minutes per CAPTCHA
// answer and a 60 minute token.
func DefaultPolicy() Policy {
	return Policy{
		LoginAttempts:  2,
		RetryBackoff:   time.Second,
		CaptchaMaxUses: 500,
		CaptchaTTL:     30 * time.Minute,
		TokenTTL:       60 * time.Minute,
	}
}

func tokenPrefix(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "..."
}
