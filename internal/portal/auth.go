package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbsmedya/echarvest/internal/session"
)

type loginRequest struct {
	UserName    string `json:"userName"`
	Password    string `json:"password"`
	CaptchaID   string `json:"captchaID"`
	CaptchaCode string `json:"captchaCode"`
}

type otpRequest struct {
	OTP string `json:"otp"`
}

// Login submits the credentials with a solved login CAPTCHA and returns the
// token that the OTP step confirms.
func (c *Client) Login(ctx context.Context, username, password string, captcha session.CaptchaAnswer) (string, error) {
	env, err := c.postJSON(ctx, "UserLogin", loginRequest{
		UserName:    username,
		Password:    password,
		CaptchaID:   captcha.ID,
		CaptchaCode: captcha.Text,
	}, "")
	if err != nil {
		return "", authError("login", err)
	}
	if err := envelopeError("login", env); err != nil {
		return "", err
	}
	token := scalar(env.Data)
	if token == "" {
		return "", &session.AuthRejectedError{Stage: "login", Reason: "portal returned no session token"}
	}
	return token, nil
}

// ValidateOTP confirms a pending login. The portal may rotate the token; the
// pending one is kept when it does not.
func (c *Client) ValidateOTP(ctx context.Context, token, code string) (string, error) {
	env, err := c.postJSON(ctx, "ValidateOTP", otpRequest{OTP: code}, token)
	if err != nil {
		return "", authError("otp", err)
	}
	if err := envelopeError("otp", env); err != nil {
		return "", err
	}
	if confirmed := scalar(env.Data); confirmed != "" {
		return confirmed, nil
	}
	return token, nil
}

// Revoke logs the token out so the account has no lingering session.
func (c *Client) Revoke(ctx context.Context, token string) error {
	env, err := c.postJSON(ctx, "Logout", struct{}{}, token)
	if err != nil {
		return authError("logout", err)
	}
	if env.ResponseCode != codeOK && env.ResponseCode != 0 {
		return fmt.Errorf("logout: %s", env.ResponseMessage)
	}
	return nil
}

// authError maps a request failure to the session error taxonomy.
func authError(stage string, err error) error {
	var he *httpError
	if errors.As(err, &he) && !he.temporary() {
		return &session.AuthRejectedError{Stage: stage, Reason: he.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", session.ErrTransient, stage, err)
}

func envelopeError(stage string, env *envelope) error {
	if env.ResponseCode == codeOK {
		return nil
	}
	if containsFold(env.ResponseMessage, "active session") {
		return fmt.Errorf("%w: %s", session.ErrConcurrentSession, env.ResponseMessage)
	}
	reason := env.ResponseMessage
	if reason == "" {
		reason = fmt.Sprintf("response code %d", env.ResponseCode)
	}
	return &session.AuthRejectedError{Stage: stage, Reason: reason}
}
