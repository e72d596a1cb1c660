// ABOUTME: Issues and redeems single-use WebAuthn ceremony challenges
// ABOUTME: Persists session data with a TTL and reaps expired challenges in the background

package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/greyzone/greyzone/internal/store"
)

const (
	// DefaultTTL is how long an issued challenge stays redeemable
	DefaultTTL = 5 * time.Minute

	defaultReapInterval = time.Minute
)

// ErrInvalidChallenge is returned for unknown, already used, expired, or
// wrong-kind challenges. Callers cannot tell these apart.
var ErrInvalidChallenge = errors.New("invalid or expired challenge")

// Manager issues and redeems challenges.
type Manager struct {
	store        store.ChallengeStore
	ttl          time.Duration
	reapInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	cancel       context.CancelFunc
	done         chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the challenge lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithReapInterval sets how often expired challenges are deleted.
// Zero disables the reaper.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "challenge") }
}

// NewManager creates a Manager and starts its reaper.
func NewManager(s store.ChallengeStore, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		ttl:          DefaultTTL,
		reapInterval: defaultReapInterval,
		now:          time.Now,
		logger:       slog.Default().With("component", "challenge"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.reapInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.cleanupLoop(ctx)
	}
	return m
}

// WithStore returns a copy bound to s. The copy does not own the reaper.
func (m *Manager) WithStore(s store.ChallengeStore) *Manager {
	cp := *m
	cp.store = s
	cp.cancel = nil
	cp.done = nil
	return &cp
}

// TTL returns the configured challenge lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue persists session under a new challenge id. The challenge value is the
// session's own challenge; one is generated when the session carries none.
func (m *Manager) Issue(ctx context.Context, kind store.ChallengeKind, session *webauthn.SessionData) (*store.Challenge, error) {
	if session == nil {
		session = &webauthn.SessionData{}
	}
	if session.Challenge == "" {
		value, err := protocol.CreateChallenge()
		if err != nil {
			return nil, fmt.Errorf("generating challenge: %w", err)
		}
		session.Challenge = value.String()
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	now := m.now().UTC()
	ch := &store.Challenge{
		ID:        uuid.New().String(),
		Kind:      kind,
		Value:     session.Challenge,
		Session:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.CreateChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	m.logger.Debug("challenge issued", "challenge_id", ch.ID, "kind", kind)
	return ch, nil
}

// Redeem consumes the challenge and returns its session. It succeeds at most
// once per challenge.
func (m *Manager) Redeem(ctx context.Context, id string, kind store.ChallengeKind) (*webauthn.SessionData, error) {
	if id == "" {
		return nil, ErrInvalidChallenge
	}

	ch, err := m.store.RedeemChallenge(ctx, id, kind, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Debug("challenge rejected", "challenge_id", id, "kind", kind)
		return nil, ErrInvalidChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("redeeming challenge: %w", err)
	}

	var session webauthn.SessionData
	if len(ch.Session) > 0 {
		if err := json.Unmarshal(ch.Session, &session); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
	}
	if session.Challenge != ch.Value {
		return nil, fmt.Errorf("stored session does not match challenge %s", ch.ID)
	}

	return &session, nil
}

// Close stops the reaper.
func (m *Manager) Close() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpiredChallenges(ctx, m.now().UTC())
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("failed to reap challenges", "error", err)
				}
				continue
			}
			if n > 0 {
				m.logger.Debug("reaped expired challenges", "count", n)
			}
		}
	}
}
