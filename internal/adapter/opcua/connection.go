package opcua

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

// ConnectionState is the runtime state of the managed session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleKind tags a LifecycleEvent.
type LifecycleKind string

const (
	LifecycleConnected        LifecycleKind = "connected"
	LifecycleDisconnected     LifecycleKind = "disconnected"
	LifecycleConnectionLost   LifecycleKind = "connection_lost"
	LifecycleSessionClosed    LifecycleKind = "session_closed"
	LifecycleReconnectBackoff LifecycleKind = "reconnect_backoff"
	LifecycleReconnected      LifecycleKind = "reconnected"
	LifecycleReconnectFailed  LifecycleKind = "reconnect_failed"
	LifecycleConnectFailed    LifecycleKind = "connect_failed"
)

// LifecycleEvent is emitted on every session state transition.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Endpoint string
	Attempt  int
	Delay    time.Duration
	Err      error
	At       time.Time
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool
}

// ConnectionConfig holds session and reconnection settings.
type ConnectionConfig struct {
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	SessionTimeout  time.Duration
	HealthInterval  time.Duration
	ApplicationURI  string
	ApplicationName string
	PKIDir          string
	CertificateFile string
	PrivateKeyFile  string
	EventBuffer     int
	Reconnect       ReconnectConfig
}

// DefaultConnectionConfig returns sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		DialTimeout:     10 * time.Second,
		RequestTimeout:  5 * time.Second,
		SessionTimeout:  30 * time.Minute,
		HealthInterval:  time.Second,
		ApplicationURI:  "urn:opcuagua:client",
		ApplicationName: "OPCUAgua",
		PKIDir:          "pki",
		EventBuffer:     64,
		Reconnect: ReconnectConfig{
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

func (c *ConnectionConfig) applyDefaults() {
	def := DefaultConnectionConfig()
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.ApplicationURI == "" {
		c.ApplicationURI = def.ApplicationURI
	}
	if c.ApplicationName == "" {
		c.ApplicationName = def.ApplicationName
	}
	if c.PKIDir == "" {
		c.PKIDir = def.PKIDir
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = max(def.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
}

// sessionKey identifies the construction-time settings of a session.
type sessionKey struct {
	endpoint string
	policy   domain.SecurityPolicy
	mode     domain.SecurityMode
	username string
	password string
}

// ConnectionManager owns the single OPC UA session: connect, detect loss,
// reconnect with capped exponential backoff, disconnect.
type ConnectionManager struct {
	config  ConnectionConfig
	dial    Dialer
	logger  zerolog.Logger
	metrics *metrics.Registry
	events  chan LifecycleEvent

	// opMu serializes connect, disconnect and reconnect attempts.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    ConnectionState
	session  Session
	key      sessionKey
	endpoint string
	gen      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConnectionManager creates a connection manager. A nil dialer uses DialGopcua.
func NewConnectionManager(config ConnectionConfig, dial Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *ConnectionManager {
	config.applyDefaults()
	if dial == nil {
		dial = DialGopcua
	}
	return &ConnectionManager{
		config:  config,
		dial:    dial,
		logger:  logging.WithComponent(logger, "opcua-connection"),
		metrics: metricsReg,
		events:  make(chan LifecycleEvent, config.EventBuffer),
		state:   StateDisconnected,
	}
}

// Events returns the lifecycle event stream.
func (m *ConnectionManager) Events() <-chan LifecycleEvent {
	return m.events
}

// Connect opens a session for the profile, disconnecting any current session
// first. The session is recreated when the endpoint or security settings differ
// from the current one, and reused otherwise.
func (m *ConnectionManager) Connect(ctx context.Context, profile domain.ConnectionProfile) (string, error) {
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return "", err
	}

	m.halt()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.disconnectLocked(ctx)

	endpoint := profile.Endpoint()
	key := sessionKey{
		endpoint: endpoint,
		policy:   profile.SecurityPolicy,
		mode:     profile.SecurityMode,
		username: profile.Username,
		password: profile.Password,
	}

	m.mu.Lock()
	session := m.session
	recreate := session == nil || m.key != key
	m.endpoint = endpoint
	m.state = StateConnecting
	m.mu.Unlock()

	if recreate {
		m.logger.Info().
			Str("endpoint", endpoint).
			Str("security_policy", string(profile.SecurityPolicy)).
			Str("security_mode", string(profile.SecurityMode)).
			Msg("Creating OPC UA client")

		var err error
		session, err = m.dial(endpoint, profile, m.config)
		if err != nil {
			return "", m.connectFailed(endpoint, err)
		}
		m.mu.Lock()
		m.session = session
		m.key = key
		m.mu.Unlock()
	}

	m.logger.Info().Str("endpoint", endpoint).Msg("Connecting to OPC UA server")

	connectCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	if err := session.Connect(connectCtx); err != nil {
		return "", m.connectFailed(endpoint, err)
	}

	m.markConnected()
	m.emit(LifecycleEvent{Kind: LifecycleConnected, Endpoint: endpoint})
	m.logger.Info().Str("endpoint", endpoint).Msg("Connected to OPC UA server")

	return endpoint, nil
}

func (m *ConnectionManager) connectFailed(endpoint string, err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()

	m.metrics.IncConnectFailures()
	m.metrics.SetSessionConnected(false)
	m.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to connect to OPC UA server")

	wrapped := fmt.Errorf("%w: connect to %s: %v", domain.ErrProtocolFailure, endpoint, err)
	m.emit(LifecycleEvent{Kind: LifecycleConnectFailed, Endpoint: endpoint, Err: wrapped})
	return wrapped
}

// markConnected flips to Connected and starts the health supervisor. Caller holds opMu.
func (m *ConnectionManager) markConnected() {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.state = StateConnected
	m.cancel = cancel
	session := m.session
	m.mu.Unlock()

	m.metrics.SetSessionConnected(true)

	m.wg.Add(1)
	go m.supervise(ctx, gen, session)
}

// Disconnect closes the session. It is idempotent, tolerates close errors and
// always ends in the Disconnected state.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.halt()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.disconnectLocked(ctx)
	return nil
}

// disconnectLocked closes any session and settles in Disconnected. Caller holds opMu.
func (m *ConnectionManager) disconnectLocked(ctx context.Context) {
	m.mu.RLock()
	state, endpoint := m.state, m.endpoint
	m.mu.RUnlock()

	if state == StateDisconnected {
		return
	}

	m.closeSession(ctx)

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.metrics.SetSessionConnected(false)

	// A failed session already reported itself as disconnected.
	if state != StateFailed {
		m.emit(LifecycleEvent{Kind: LifecycleDisconnected, Endpoint: endpoint})
	}
	m.logger.Info().Str("endpoint", endpoint).Str("previous_state", state.String()).Msg("Disconnected from OPC UA server")
}

// closeSession closes the stack session, logging errors. Caller holds opMu.
func (m *ConnectionManager) closeSession(ctx context.Context) {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if session == nil {
		return
	}

	closeCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	if err := session.Close(closeCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing OPC UA session")
	}
}

// halt stops the supervisor and any reconnect loop, invalidating their generation.
func (m *ConnectionManager) halt() {
	m.mu.Lock()
	m.gen++
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsConnected is true only when the manager is Connected, a session handle
// exists and the stack itself reports a connected channel.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.RLock()
	state, session := m.state, m.session
	m.mu.RUnlock()

	return state == StateConnected && session != nil && session.State() == opcua.Connected
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Endpoint returns the endpoint of the current or last session.
func (m *ConnectionManager) Endpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// Session returns the live session or ErrNotConnected.
func (m *ConnectionManager) Session() (Session, error) {
	m.mu.RLock()
	state, session := m.state, m.session
	m.mu.RUnlock()

	if state != StateConnected || session == nil {
		return nil, domain.ErrNotConnected
	}
	return session, nil
}

// HandleSessionError starts the lost-connection path when err shows that the
// session is gone. Request-level errors are ignored.
func (m *ConnectionManager) HandleSessionError(err error) {
	if !isSessionError(err) {
		return
	}

	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	m.lost(gen, err)
}

// Close stops background work without emitting further events.
func (m *ConnectionManager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.wg.Wait()
	return err
}

// supervise polls the stack state and reports loss of the channel.
func (m *ConnectionManager) supervise(ctx context.Context, gen uint64, session Session) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state := session.State(); state != opcua.Connected {
				m.lost(gen, fmt.Errorf("session state %s", state))
				return
			}
		}
	}
}

// lost moves a Connected session of generation gen to Reconnecting.
func (m *ConnectionManager) lost(gen uint64, cause error) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		cancel()
		return
	}
	m.gen++
	gen = m.gen
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.state = StateReconnecting
	endpoint := m.endpoint
	m.mu.Unlock()

	m.metrics.SetSessionConnected(false)

	kind := LifecycleConnectionLost
	var status ua.StatusCode
	if errors.As(cause, &status) && (status == ua.StatusBadSessionClosed || status == ua.StatusBadSessionIDInvalid) {
		kind = LifecycleSessionClosed
	}

	m.logger.Warn().Err(cause).Str("endpoint", endpoint).Str("kind", string(kind)).Msg("OPC UA connection lost")
	m.emit(LifecycleEvent{Kind: kind, Endpoint: endpoint, Err: cause})

	m.wg.Add(1)
	go m.reconnectLoop(ctx, gen, endpoint)
}

// reconnectLoop retries the connection with capped exponential backoff.
func (m *ConnectionManager) reconnectLoop(ctx context.Context, gen uint64, endpoint string) {
	defer m.wg.Done()

	rc := m.config.Reconnect
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		delay := m.backoff(attempt)

		m.emit(LifecycleEvent{Kind: LifecycleReconnectBackoff, Endpoint: endpoint, Attempt: attempt, Delay: delay})
		m.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", rc.MaxAttempts).
			Dur("delay", delay).
			Msg("Reconnecting to OPC UA server")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.tryReconnect(ctx, gen, attempt) {
			return
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.cancel = nil
	m.mu.Unlock()

	m.logger.Error().Int("attempts", rc.MaxAttempts).Str("endpoint", endpoint).Msg("Reconnection attempts exhausted")
	m.emit(LifecycleEvent{Kind: LifecycleReconnectFailed, Endpoint: endpoint, Attempt: rc.MaxAttempts})
	m.emit(LifecycleEvent{Kind: LifecycleDisconnected, Endpoint: endpoint})
}

// tryReconnect performs one attempt. It returns true when the loop must stop,
// either because the session is back or because the loop was superseded.
func (m *ConnectionManager) tryReconnect(ctx context.Context, gen uint64, attempt int) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	current, session, endpoint := m.gen, m.session, m.endpoint
	m.mu.RUnlock()

	if current != gen || ctx.Err() != nil {
		return true
	}

	m.metrics.IncReconnectAttempts()
	m.closeSession(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	err := session.Connect(connectCtx)
	cancel()

	if err != nil {
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed")
		return false
	}

	m.mu.RLock()
	superseded := m.gen != gen
	m.mu.RUnlock()
	if superseded {
		_ = session.Close(context.Background())
		return true
	}

	m.markConnected()
	m.logger.Info().Int("attempt", attempt).Str("endpoint", endpoint).Msg("Reconnected to OPC UA server")
	m.emit(LifecycleEvent{Kind: LifecycleReconnected, Endpoint: endpoint, Attempt: attempt})
	return true
}

// backoff returns the delay before the given attempt (1-based), capped at MaxDelay.
// Jitter is +/-25% of the capped delay.
func (m *ConnectionManager) backoff(attempt int) time.Duration {
	rc := m.config.Reconnect
	delay := float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1))
	if delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	d := time.Duration(delay)
	if rc.AddJitter && d > 4 {
		d += time.Duration(rand.Int64N(int64(d)/2)) - d/4
	}
	return d
}

func (m *ConnectionManager) emit(ev LifecycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("kind", string(ev.Kind)).Msg("Lifecycle event buffer full, dropping event")
	}
}
