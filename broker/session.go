package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"swingtrader/logger"
	"swingtrader/metrics"

	"github.com/pquerna/otp/totp"
	"golang.org/x/sync/singleflight"
)

// LoginFunc performs a full login and returns a fresh session token.
type LoginFunc func(ctx context.Context) (string, error)

// Session owns the broker token. Concurrent callers that see an expired token
// share one re-login; the others wait for its result up to the configured
// bound.
type Session struct {
	mu    sync.RWMutex
	token string
	login LoginFunc
	group singleflight.Group
	wait  time.Duration
}

// NewSession wraps login. wait bounds how long a caller blocks on a re-login
// started by someone else.
func NewSession(login LoginFunc, wait time.Duration) *Session {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Session{login: login, wait: wait}
}

// Token returns the current token, possibly empty.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Refresh logs in again unless a login for the token the caller saw is
// already in flight, in which case it waits for that one.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	if cur := s.Token(); cur != "" && cur != stale {
		// someone already refreshed since the caller read the token
		return cur, nil
	}

	ch := s.group.DoChan("login", func() (any, error) {
		// The login outlives any single caller's context.
		lctx, cancel := context.WithTimeout(context.Background(), s.wait)
		defer cancel()
		token, err := s.login(lctx)
		if err != nil {
			metrics.BrokerRelogins.WithLabelValues("error").Inc()
			return "", err
		}
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
		metrics.BrokerRelogins.WithLabelValues("ok").Inc()
		logger.Info("🔑 Broker session refreshed")
		return token, nil
	})

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: re-login failed: %v", ErrAuthExpired, res.Err)
		}
		return res.Val.(string), nil
	case <-timer.C:
		return "", fmt.Errorf("%w: timed out waiting for re-login", ErrAuthExpired)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Do runs call with the current token. If the broker reports the session as
// expired, it refreshes once and retries the call once.
func (s *Session) Do(ctx context.Context, call func(token string) error) error {
	token := s.Token()
	if token == "" {
		var err error
		if token, err = s.Refresh(ctx, ""); err != nil {
			return err
		}
	}
	err := call(token)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}
	logger.Warn("⚠️  Broker session expired, re-authenticating")
	fresh, rerr := s.Refresh(ctx, token)
	if rerr != nil {
		return rerr
	}
	return call(fresh)
}

// TOTPCode generates the current one-time code for the account's 2FA secret.
func TOTPCode(secret string, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("empty TOTP secret")
	}
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}
