package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbsmedya/echarvest/internal/logger"
)

// CaptchaSource generates CAPTCHA images.
type CaptchaSource interface {
	FetchCaptcha(ctx context.Context) (Captcha, error)
}

// AuthClient talks to the portal's login endpoints. Failures the human must
// fix return *AuthRejectedError; network failures wrap ErrTransient.
type AuthClient interface {
	Login(ctx context.Context, username, password string, captcha CaptchaAnswer) (string, error)
	ValidateOTP(ctx context.Context, token, code string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// ChallengeChannel puts a question to the human operator and blocks until
// they answer or ctx is cancelled.
type ChallengeChannel interface {
	PresentCaptcha(ctx context.Context, image []byte) (string, error)
	PresentOTPPrompt(ctx context.Context) (string, error)
	NotifyConflict(ctx context.Context) error
}

// maxConflicts bounds how often Authenticate clears a competing session.
const maxConflicts = 2

// Manager is the session state machine.
type Manager struct {
	auth      AuthClient
	captchas  CaptchaSource
	challenge ChallengeChannel
	policy    Policy
	logger    *logger.Logger

	mu      sync.Mutex
	state   State
	art     Artifacts
	retired string // token dropped by TokenTTL, revoked before the next login

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates an unauthenticated session.
func NewManager(auth AuthClient, captchas CaptchaSource, challenge ChallengeChannel, policy Policy, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if policy.LoginAttempts <= 0 {
		policy.LoginAttempts = 1
	}
	return &Manager{
		auth:      auth,
		captchas:  captchas,
		challenge: challenge,
		policy:    policy,
		logger:    log,
		state:     Unauthenticated,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// State returns the current state after applying the expiry policy.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPolicyLocked()
	return m.state
}

// Current returns a copy of the artifacts and the state they belong to.
// A bound CAPTCHA past its use or age limit is dropped first, and a token
// past its TTL expires the session.
func (m *Manager) Current() (Artifacts, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPolicyLocked()
	return m.art, m.state
}

func (m *Manager) applyPolicyLocked() {
	now := m.now()

	if (m.state == AuthenticatedFresh || m.state == CaptchaBound) &&
		m.policy.TokenTTL > 0 && now.Sub(m.art.TokenIssuedAt) >= m.policy.TokenTTL {
		m.logger.Infof("Session token older than %s, treating as expired", m.policy.TokenTTL)
		m.retired = m.art.Token
		m.art = Artifacts{}
		m.state = Expired
		return
	}

	if m.state != CaptchaBound {
		return
	}
	usedUp := m.policy.CaptchaMaxUses > 0 && m.art.CaptchaUses >= m.policy.CaptchaMaxUses
	tooOld := m.policy.CaptchaTTL > 0 && now.Sub(m.art.CaptchaBoundAt) >= m.policy.CaptchaTTL
	if usedUp || tooOld {
		m.logger.Infof("Bound CAPTCHA retired after %d uses, a new one is needed", m.art.CaptchaUses)
		m.clearCaptchaLocked()
		m.state = AuthenticatedFresh
	}
}

// Login fetches a CAPTCHA, asks the human to solve it and submits the
// credentials. On success the session waits for the OTP.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	m.applyPolicyLocked()
	if m.state != Unauthenticated && !(m.state == Expired && m.art.Token == "") {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: login from %s", ErrInvalidState, st)
	}
	retired := m.retired
	m.retired = ""
	m.mu.Unlock()

	if retired != "" {
		m.revokeRetired(ctx, retired)
	}

	answer, err := m.solveCaptcha(ctx)
	if err != nil {
		return err
	}

	var token string
	err = m.withRetry(ctx, "login", func() error {
		var err error
		token, err = m.auth.Login(ctx, creds.Username, creds.Password, answer)
		return err
	})
	if err != nil {
		m.mu.Lock()
		m.art = Artifacts{}
		m.state = Unauthenticated
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.art = Artifacts{Token: token}
	m.state = AwaitingChallenge
	m.mu.Unlock()

	m.logger.Infof("Login accepted, waiting for OTP (token %s)", tokenPrefix(token))
	return nil
}

// ValidateOTP confirms the login with the code sent to the user.
func (m *Manager) ValidateOTP(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state != AwaitingChallenge {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: otp from %s", ErrInvalidState, st)
	}
	pending := m.art.Token
	m.mu.Unlock()

	var confirmed string
	err := m.withRetry(ctx, "otp", func() error {
		var err error
		confirmed, err = m.auth.ValidateOTP(ctx, pending, code)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrConcurrentSession) {
			m.mu.Lock()
			m.art = Artifacts{}
			m.state = Unauthenticated
			m.mu.Unlock()
		}
		return err
	}
	if confirmed == "" {
		confirmed = pending
	}

	m.mu.Lock()
	m.art = Artifacts{Token: confirmed, TokenIssuedAt: m.now()}
	m.state = AuthenticatedFresh
	m.mu.Unlock()

	m.logger.Info("OTP accepted, session authenticated")
	return nil
}

// HandleConcurrentSessionConflict drops back to Unauthenticated and blocks
// until the human has cleared the other session.
func (m *Manager) HandleConcurrentSessionConflict(ctx context.Context) error {
	m.mu.Lock()
	m.art = Artifacts{}
	m.state = Unauthenticated
	m.mu.Unlock()

	m.logger.Warn("Portal reports another active session for this account")
	if err := m.challenge.NotifyConflict(ctx); err != nil {
		return fmt.Errorf("conflict acknowledgement: %w", err)
	}
	return nil
}

// Authenticate runs login and OTP end to end, clearing a competing session
// at most twice. AuthRejected is returned as is.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	conflicts := 0
	for {
		err := m.Login(ctx, creds)
		if err == nil {
			var code string
			code, err = m.challenge.PresentOTPPrompt(ctx)
			if err != nil {
				m.reset()
				return fmt.Errorf("otp prompt: %w", err)
			}
			err = m.ValidateOTP(ctx, code)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrentSession) || conflicts >= maxConflicts {
			return err
		}
		conflicts++
		if err := m.HandleConcurrentSessionConflict(ctx); err != nil {
			return err
		}
	}
}

// AcquireCaptcha asks the human to solve a new search CAPTCHA. The answer is
// a candidate only: it must be confirmed by a successful search before
// BindCaptcha.
func (m *Manager) AcquireCaptcha(ctx context.Context) (CaptchaAnswer, error) {
	if st := m.State(); st != AuthenticatedFresh {
		return CaptchaAnswer{}, fmt.Errorf("%w: captcha from %s", ErrInvalidState, st)
	}
	return m.solveCaptcha(ctx)
}

// Probe returns artifacts carrying a candidate answer for the confirming
// search, without binding it.
func (m *Manager) Probe(candidate CaptchaAnswer) (Artifacts, error) {
	art, st := m.Current()
	if st != AuthenticatedFresh {
		return Artifacts{}, fmt.Errorf("%w: probe from %s", ErrInvalidState, st)
	}
	art.Captcha = candidate
	return art, nil
}

// BindCaptcha stores an answer a real search has just accepted. It is only
// allowed from AuthenticatedFresh, so OTP can never be skipped. The
// confirming search counts as the first use.
func (m *Manager) BindCaptcha(answer CaptchaAnswer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyPolicyLocked()
	if m.state != AuthenticatedFresh {
		return fmt.Errorf("%w: bind from %s", ErrInvalidState, m.state)
	}
	if answer.IsZero() {
		return fmt.Errorf("%w: empty captcha answer", ErrInvalidState)
	}

	m.art.Captcha = answer
	m.art.CaptchaBoundAt = m.now()
	m.art.CaptchaUses = 1
	m.state = CaptchaBound
	return nil
}

// RecordUse counts one accepted search against the bound answer.
func (m *Manager) RecordUse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == CaptchaBound {
		m.art.CaptchaUses++
	}
}

// Invalidate is called when a search made with the current artifacts was
// refused. The session moves to Expired.
func (m *Manager) Invalidate(reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch reason {
	case ReasonCaptchaRejected:
		m.clearCaptchaLocked()
	default:
		m.art = Artifacts{}
	}
	if m.state != Unauthenticated {
		m.state = Expired
	}
	m.logger.Infof("Session invalidated: %s", reason)
}

// Resume leaves Expired. With the token still held the session returns to
// AuthenticatedFresh and needs a new CAPTCHA; otherwise a full login is
// required and the state becomes Unauthenticated.
func (m *Manager) Resume() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyPolicyLocked()
	if m.state != Expired {
		return m.state
	}
	if m.art.Token != "" {
		m.state = AuthenticatedFresh
	} else {
		m.state = Unauthenticated
	}
	return m.state
}

// Logout revokes the token if one is held and clears everything.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.applyPolicyLocked()
	token := m.art.Token
	if token == "" {
		token = m.retired
	}
	m.retired = ""
	m.art = Artifacts{}
	m.state = Unauthenticated
	m.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := m.auth.Revoke(ctx, token); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.logger.Info("Logged out")
	return nil
}

// revokeRetired ends a token the portal may still count as active so the
// next login does not run into a concurrent-session conflict. Failure only
// costs that conflict prompt, so it is logged.
func (m *Manager) revokeRetired(ctx context.Context, token string) {
	if err := m.auth.Revoke(ctx, token); err != nil {
		m.logger.Warnf("Could not revoke expired token %s: %v", tokenPrefix(token), err)
		return
	}
	m.logger.Infof("Revoked expired token %s", tokenPrefix(token))
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.art = Artifacts{}
	m.state = Unauthenticated
	m.mu.Unlock()
}

func (m *Manager) clearCaptchaLocked() {
	m.art.Captcha = CaptchaAnswer{}
	m.art.CaptchaBoundAt = time.Time{}
	m.art.CaptchaUses = 0
}

func (m *Manager) solveCaptcha(ctx context.Context) (CaptchaAnswer, error) {
	var captcha Captcha
	err := m.withRetry(ctx, "captcha", func() error {
		var err error
		captcha, err = m.captchas.FetchCaptcha(ctx)
		return err
	})
	if err != nil {
		return CaptchaAnswer{}, err
	}

	text, err := m.challenge.PresentCaptcha(ctx, captcha.Image)
	if err != nil {
		return CaptchaAnswer{}, fmt.Errorf("captcha prompt: %w", err)
	}
	return CaptchaAnswer{ID: captcha.ID, Text: text}, nil
}

// withRetry retries only ErrTransient failures, up to policy.LoginAttempts
// attempts in total.
func (m *Manager) withRetry(ctx context.Context, stage string, fn func() error) error {
	backoff := m.policy.RetryBackoff
	var err error
	for attempt := 1; attempt <= m.policy.LoginAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == m.policy.LoginAttempts {
			break
		}
		m.logger.Warnf("%s attempt %d failed, retrying: %v", stage, attempt, err)
		if serr := m.sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", stage, m.policy.LoginAttempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
