// Package session owns the access and refresh tokens of the single active
// user session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type State int

const (
	StateLoggedOut State = iota
	StateValid
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return "logged_out"
	}
}

// ErrLoggedOut is wrapped by the AuthError returned once the session ends.
var ErrLoggedOut = errors.New("session logged out")

const (
	keyAccessToken  = "session.accessToken"
	keyRefreshToken = "session.refreshToken"
	keyExpiresAt    = "session.expiresAt"

	refreshFlight = "refresh"
)

// Tokens is the credential pair of a session. A zero ExpiresAt is derived from
// the access token when it is a JWT, and otherwise means the token is used
// until the server rejects it.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Manager hands out valid access tokens. At most one refresh is in flight at
// any time: concurrent callers needing a refresh share its outcome, and a
// caller abandoning its wait does not abandon the refresh.
type Manager struct {
	store          storage.Store
	refresher      Refresher
	skew           time.Duration
	refreshTimeout time.Duration
	retryWait      time.Duration
	clock          func() time.Time
	logoutHooks    []func(context.Context)

	flight singleflight.Group

	mu     sync.Mutex
	tokens Tokens
	state  State
	// epoch changes on every login and logout, so a refresh that straddles
	// either is discarded.
	epoch uint64
}

type Option func(*Manager)

// WithSkew treats tokens as expired this long before their expiry.
func WithSkew(skew time.Duration) Option {
	return func(m *Manager) { m.skew = skew }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = timeout }
}

// WithLogoutHook registers a function run whenever the session ends, whether
// by explicit logout or by a failed refresh.
func WithLogoutHook(hook func(context.Context)) Option {
	return func(m *Manager) { m.logoutHooks = append(m.logoutHooks, hook) }
}

func NewManager(store storage.Store, refresher Refresher, opts ...Option) *Manager {
	initMetrics()

	m := &Manager{
		store:          store,
		refresher:      refresher,
		skew:           30 * time.Second,
		refreshTimeout: 30 * time.Second,
		retryWait:      250 * time.Millisecond,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore loads persisted tokens. A session is restored only when both
// tokens are present.
func (m *Manager) Restore(ctx context.Context) error {
	access, foundAccess, err := m.store.Get(ctx, keyAccessToken)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	refresh, foundRefresh, err := m.store.Get(ctx, keyRefreshToken)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if !foundAccess || !foundRefresh || len(access) == 0 || len(refresh) == 0 {
		log.Ctx(ctx).Info().Msg("no persisted session")
		return nil
	}

	tokens := Tokens{AccessToken: string(access), RefreshToken: string(refresh)}

	if raw, found, err := m.store.Get(ctx, keyExpiresAt); err == nil && found {
		if expiresAt, err := time.Parse(time.RFC3339, string(raw)); err == nil {
			tokens.ExpiresAt = expiresAt
		}
	}
	tokens = withExpiry(tokens)

	m.mu.Lock()
	m.tokens = tokens
	m.state = StateValid
	m.epoch++
	m.mu.Unlock()

	log.Ctx(ctx).Info().Time("expires_at", tokens.ExpiresAt).Msg("session restored")
	return nil
}

// Login starts a new session with the given tokens, persisting them.
func (m *Manager) Login(ctx context.Context, tokens Tokens) error {
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return errors.New("login requires both an access and a refresh token")
	}
	tokens = withExpiry(tokens)

	m.mu.Lock()
	m.tokens = tokens
	m.state = StateValid
	m.epoch++
	m.mu.Unlock()

	if err := m.persist(ctx, tokens); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	log.Ctx(ctx).Info().Msg("session started")
	return nil
}

// Logout ends the session. It is terminal until the next Login.
func (m *Manager) Logout(ctx context.Context) error {
	return m.end(ctx, "logout")
}

// ValidToken returns the current access token, refreshing it first when it
// has expired.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	state, tokens := m.state, m.tokens
	expired := m.expiredLocked()
	m.mu.Unlock()

	switch {
	case state == StateLoggedOut:
		return "", loggedOut(nil)
	case state == StateValid && !expired:
		return tokens.AccessToken, nil
	default:
		return m.refresh(ctx, tokens.AccessToken)
	}
}

// ForceRefresh replaces an access token the server rejected. When the current
// token already differs from stale, another caller has refreshed and the
// current token is returned without a new refresh.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	state, current := m.state, m.tokens.AccessToken
	m.mu.Unlock()

	if state == StateLoggedOut {
		return "", loggedOut(nil)
	}
	if state == StateValid && current != stale {
		return current, nil
	}

	return m.refresh(ctx, stale)
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	ch := m.flight.DoChan(refreshFlight, func() (any, error) {
		return m.runRefresh(stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

// runRefresh executes in its own goroutine, detached from every caller.
func (m *Manager) runRefresh(stale string) (string, error) {
	m.mu.Lock()
	if m.state == StateLoggedOut {
		m.mu.Unlock()
		return "", loggedOut(nil)
	}
	// a refresh that completed before this flight started already replaced
	// the stale token
	if m.tokens.AccessToken != stale && !m.expiredLocked() {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	refreshToken, epoch := m.tokens.RefreshToken, m.epoch
	m.state = StateRefreshing
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	log.Info().Msg("refreshing access token")

	tokens, err := m.callRefresher(ctx, refreshToken)
	if err != nil {
		recordRefresh(ctx, "failure")
		log.Warn().Err(err).Msg("token refresh failed, ending session")
		_ = m.endEpoch(ctx, epoch, "refresh failed")
		return "", loggedOut(err)
	}
	tokens = withExpiry(tokens)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		recordRefresh(ctx, "discarded")
		return "", loggedOut(nil)
	}
	m.tokens = tokens
	m.state = StateValid
	m.mu.Unlock()

	recordRefresh(ctx, "success")

	if err := m.persist(ctx, tokens); err != nil {
		// the session continues in memory; it will not survive a restart
		log.Warn().Err(err).Msg("persisting refreshed tokens failed")
	}

	return tokens.AccessToken, nil
}

// callRefresher retries a network failure once. Any other failure is final.
func (m *Manager) callRefresher(ctx context.Context, refreshToken string) (Tokens, error) {
	return backoff.Retry(ctx, func() (Tokens, error) {
		tokens, err := m.refresher.Refresh(ctx, refreshToken)
		if err != nil && !apierror.Is(err, apierror.KindNetwork) {
			return Tokens{}, backoff.Permanent(err)
		}
		if err == nil && tokens.AccessToken == "" {
			return Tokens{}, backoff.Permanent(errors.New("refresh returned no access token"))
		}
		return tokens, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryWait)),
		backoff.WithMaxTries(2),
	)
}

func (m *Manager) end(ctx context.Context, reason string) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()
	return m.endEpoch(ctx, epoch, reason)
}

// endEpoch ends the session only if it is still the one identified by epoch.
func (m *Manager) endEpoch(ctx context.Context, epoch uint64, reason string) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.tokens = Tokens{}
	m.state = StateLoggedOut
	m.mu.Unlock()

	var errs []error
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyExpiresAt} {
		if err := m.store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	for _, hook := range m.logoutHooks {
		hook(ctx)
	}

	log.Ctx(ctx).Info().Str("reason", reason).Msg("session ended")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clearing persisted session: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, tokens Tokens) error {
	if err := m.store.Set(ctx, keyAccessToken, []byte(tokens.AccessToken)); err != nil {
		return err
	}
	if err := m.store.Set(ctx, keyRefreshToken, []byte(tokens.RefreshToken)); err != nil {
		return err
	}
	if tokens.ExpiresAt.IsZero() {
		return m.store.Remove(ctx, keyExpiresAt)
	}
	return m.store.Set(ctx, keyExpiresAt, []byte(tokens.ExpiresAt.UTC().Format(time.RFC3339)))
}

func (m *Manager) expiredLocked() bool {
	if m.tokens.ExpiresAt.IsZero() {
		return false
	}
	return !m.clock().Before(m.tokens.ExpiresAt.Add(-m.skew))
}

func loggedOut(cause error) error {
	if cause == nil {
		return apierror.Auth("session expired", ErrLoggedOut)
	}
	return apierror.Auth("session expired", fmt.Errorf("%w: %w", ErrLoggedOut, cause))
}
