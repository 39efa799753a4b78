package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/bridgemq/bridgemq/internal/reliability"
)

// Credentials identifies a tenant's broker login.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) key() string {
	return c.Username + ":" + c.Password
}

// SessionPool maps credential pairs to live sessions and owns the
// retry-with-backoff connection algorithm. At most one live session exists
// per credential pair; a reserved system session, dialed with the base URL's
// own credentials, serves health checks and topology bootstrap.
type SessionPool struct {
	baseURL string
	dialer  Dialer
	logger  *slog.Logger

	prefetchCount int
	retryAttempts int
	backoff       reliability.ExponentialBackoff

	idleTimeout  time.Duration
	reapInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]*sync.Mutex // per-key creation locks
	systemMu sync.Mutex             // serializes system session creation
	system   *Session
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// PoolOption configures the session pool
type PoolOption func(*SessionPool)

// WithDialer substitutes the broker dialer (used by tests)
func WithDialer(d Dialer) PoolOption {
	return func(p *SessionPool) {
		p.dialer = d
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *SessionPool) {
		p.logger = logger
	}
}

// WithPrefetchCount bounds unacknowledged deliveries per channel
func WithPrefetchCount(count int) PoolOption {
	return func(p *SessionPool) {
		p.prefetchCount = count
	}
}

// WithRetryAttempts sets the connection establishment attempt budget
func WithRetryAttempts(attempts int) PoolOption {
	return func(p *SessionPool) {
		p.retryAttempts = attempts
	}
}

// WithRetryBaseDelay sets the base of the exponential backoff between attempts
func WithRetryBaseDelay(delay time.Duration) PoolOption {
	return func(p *SessionPool) {
		p.backoff.Base = delay
	}
}

// WithIdleTimeout sets how long an unused session survives before reaping
func WithIdleTimeout(timeout time.Duration) PoolOption {
	return func(p *SessionPool) {
		p.idleTimeout = timeout
	}
}

// WithReapInterval sets how often the idle reaper wakes
func WithReapInterval(interval time.Duration) PoolOption {
	return func(p *SessionPool) {
		p.reapInterval = interval
	}
}

// NewSessionPool creates a session pool for the given base broker URL and
// starts the idle reaper.
func NewSessionPool(baseURL string, options ...PoolOption) *SessionPool {
	p := &SessionPool{
		baseURL:       baseURL,
		dialer:        NewAMQPDialer(30 * time.Second),
		logger:        slog.Default(),
		prefetchCount: 10,
		retryAttempts: 60,
		backoff:       reliability.ExponentialBackoff{Base: time.Second, Max: 5 * time.Minute},
		idleTimeout:   300 * time.Second,
		reapInterval:  60 * time.Second,
		sessions:      make(map[string]*Session),
		creating:      make(map[string]*sync.Mutex),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	p.wg.Add(1)
	go p.reapLoop()

	return p
}

// GetSession resolves the session for the given credentials, creating or
// replacing it as needed. Passing nil resolves the system session. Closed
// connections are always evicted, never reused.
func (p *SessionPool) GetSession(ctx context.Context, creds *Credentials) (*Session, error) {
	if creds == nil {
		return p.systemSession(ctx)
	}

	key := creds.key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if session, ok := p.sessions[key]; ok {
		if !session.IsClosed() {
			session.Touch()
			p.mu.Unlock()
			return session, nil
		}
		// Replace the dead session.
		delete(p.sessions, key)
		p.logger.Info("session connection closed, reconnecting", "user", creds.Username)
		go session.Close()
	}
	keyMu, ok := p.creating[key]
	if !ok {
		keyMu = &sync.Mutex{}
		p.creating[key] = keyMu
	}
	p.mu.Unlock()

	// Serialize creation per key so concurrent callers for the same new
	// credentials cannot race to open duplicate connections, without
	// blocking unrelated tenants behind the pool lock.
	keyMu.Lock()
	defer keyMu.Unlock()

	p.mu.Lock()
	if session, ok := p.sessions[key]; ok && !session.IsClosed() {
		session.Touch()
		p.mu.Unlock()
		return session, nil
	}
	p.mu.Unlock()

	dialURL, err := substituteCredentials(p.baseURL, *creds)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "resolve url",
			URL:       SanitizeURL(p.baseURL),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.logger.Info("creating new session", "user", creds.Username)
	session, err := p.createSession(ctx, dialURL, creds.Username)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return nil, ErrPoolClosed
	}
	p.sessions[key] = session
	p.mu.Unlock()

	return session, nil
}

// systemSession resolves or creates the privileged session dialed with the
// pool's own configured credentials.
func (p *SessionPool) systemSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.system != nil && !p.system.IsClosed() {
		p.system.Touch()
		p.mu.Unlock()
		return p.system, nil
	}
	p.mu.Unlock()

	// Creation is serialized like the tenant keys so concurrent callers
	// cannot dial duplicate system connections.
	p.systemMu.Lock()
	defer p.systemMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.system != nil && !p.system.IsClosed() {
		p.system.Touch()
		p.mu.Unlock()
		return p.system, nil
	}
	stale := p.system
	p.system = nil
	p.mu.Unlock()

	if stale != nil {
		go stale.Close()
	}

	p.logger.Info("connecting system session")
	session, err := p.createSession(ctx, p.baseURL, "system")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return nil, ErrPoolClosed
	}
	p.system = session
	p.mu.Unlock()

	return session, nil
}

// createSession dials the broker with exponential backoff. Authentication
// refusals abort the retry loop immediately; transient failures are retried
// up to the attempt budget, after which the last error is surfaced.
func (p *SessionPool) createSession(ctx context.Context, dialURL, user string) (*Session, error) {
	var lastErr error

	for attempt := 1; attempt <= p.retryAttempts; attempt++ {
		if err := p.backoff.Wait(ctx, attempt); err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(dialURL),
				Err:       err,
				Attempts:  attempt - 1,
				Timestamp: time.Now(),
			}
		}

		conn, err := p.dialer.Dial(ctx, dialURL)
		if err != nil {
			if IsAuthenticationError(err) {
				return nil, &ConnectionError{
					Op:        "connect",
					URL:       SanitizeURL(dialURL),
					Err:       fmt.Errorf("%w: %v", ErrAuthenticationFailed, err),
					Attempts:  attempt,
					Timestamp: time.Now(),
				}
			}
			lastErr = err
			p.logger.Warn("connection attempt failed",
				"user", user,
				"attempt", attempt,
				"maxAttempts", p.retryAttempts,
				"nextDelay", p.backoff.Delay(attempt+1),
				"error", err)
			continue
		}

		session, err := p.openChannels(conn, user)
		if err != nil {
			conn.Close()
			lastErr = err
			p.logger.Warn("channel setup failed",
				"user", user,
				"attempt", attempt,
				"error", err)
			continue
		}

		p.logger.Info("session established",
			"user", user,
			"attempts", attempt,
			"url", SanitizeURL(dialURL))
		return session, nil
	}

	return nil, &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(dialURL),
		Err:       fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr),
		Attempts:  p.retryAttempts,
		Timestamp: time.Now(),
	}
}

// openChannels opens the session's two channels, applies prefetch to both,
// and puts the publish channel into confirm mode.
func (p *SessionPool) openChannels(conn Connection, user string) (*Session, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.Qos(p.prefetchCount, 0, false); err != nil {
		pubCh.Close()
		return nil, fmt.Errorf("set publish channel qos: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		pubCh.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	conCh, err := conn.Channel()
	if err != nil {
		pubCh.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := conCh.Qos(p.prefetchCount, 0, false); err != nil {
		pubCh.Close()
		conCh.Close()
		return nil, fmt.Errorf("set consume channel qos: %w", err)
	}

	return newSession(conn, pubCh, conCh, user, p.logger), nil
}

// reapLoop periodically closes and evicts sessions idle past the threshold.
func (p *SessionPool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.done:
			return
		}
	}
}

func (p *SessionPool) reapIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var idle []*Session
	for key, session := range p.sessions {
		if session.LastUsed().Before(cutoff) {
			delete(p.sessions, key)
			delete(p.creating, key)
			idle = append(idle, session)
			p.logger.Info("closing idle session", "user", userFromKey(key))
		}
	}
	p.mu.Unlock()

	for _, session := range idle {
		if err := session.Close(); err != nil {
			p.logger.Warn("error closing idle session", "error", err)
		}
	}
}

// PoolStats is a snapshot of pool state for health reporting.
type PoolStats struct {
	ActiveSessions  int
	PendingMessages int
	SystemConnected bool
}

// Stats aggregates pending deliveries and session counts across the pool.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	system := p.system
	p.mu.Unlock()

	stats := PoolStats{ActiveSessions: len(sessions)}
	for _, s := range sessions {
		stats.PendingMessages += s.PendingCount()
	}
	if system != nil {
		stats.PendingMessages += system.PendingCount()
		stats.SystemConnected = !system.IsClosed()
	}
	return stats
}

// Shutdown drains the pool: stops the reaper, grants a bounded grace period
// for in-flight settlements, then closes every session concurrently within
// the timeout and finally the system session under the remaining budget.
// Individual close failures are logged, never propagated; every step runs
// even if an earlier one timed out.
func (p *SessionPool) Shutdown(timeout time.Duration) {
	start := time.Now()
	p.logger.Info("starting graceful shutdown with draining")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	// Grace period for unsettled deliveries.
	pending := p.Stats().PendingMessages
	if pending > 0 {
		p.logger.Info("waiting for pending messages to settle", "pending", pending)
		grace := 2 * time.Second
		if remaining := timeout - time.Since(start); remaining < grace {
			grace = remaining
		}
		if grace > 0 {
			time.Sleep(grace)
		}
	}

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.creating = make(map[string]*sync.Mutex)
	system := p.system
	p.system = nil
	p.mu.Unlock()

	closeDone := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, session := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				if err := s.Close(); err != nil {
					p.logger.Warn("error closing session during shutdown", "error", err)
				}
			}(session)
		}
		wg.Wait()
		close(closeDone)
	}()

	remaining := timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	select {
	case <-closeDone:
	case <-time.After(remaining):
		p.logger.Warn("timeout closing tenant sessions, proceeding")
	}

	if system != nil {
		sysDone := make(chan struct{})
		go func() {
			if err := system.Close(); err != nil {
				p.logger.Warn("error closing system session", "error", err)
			}
			close(sysDone)
		}()

		remaining = timeout - time.Since(start)
		if remaining < time.Second {
			remaining = time.Second
		}
		select {
		case <-sysDone:
		case <-time.After(remaining):
			p.logger.Warn("timeout closing system session, proceeding")
		}
	}

	p.logger.Info("graceful shutdown completed", "duration", time.Since(start))
}

// substituteCredentials rewrites the base broker URL with a tenant's
// username and password, preserving scheme, host, and vhost.
func substituteCredentials(baseURL string, creds Credentials) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	u.User = url.UserPassword(creds.Username, creds.Password)
	return u.String(), nil
}

// userFromKey extracts the username part of a session key for logging.
// Passwords never reach the log.
func userFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
