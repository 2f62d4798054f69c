package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCorrelatorStopped completes requests still pending at shutdown.
var ErrCorrelatorStopped = errors.New("correlator stopped")

// RequestKind selects how a request is executed and how it expires.
type RequestKind string

const (
	// KindBrowse expires with an empty page: a partial tree is still useful.
	KindBrowse RequestKind = "browse"
	// KindBrowseNext expires with ErrTimeout: a continuation point is single use.
	KindBrowseNext RequestKind = "browseNext"
	// KindReadAttributes expires with ErrTimeout: partial attributes cannot build a tag.
	KindReadAttributes RequestKind = "readAttributes"
)

// Request is a dispatched correlated request.
type Request struct {
	ID        string
	Kind      RequestKind
	Payload   string
	CreatedAt time.Time
}

// Future completes exactly once with the request's outcome. Callers joining
// an in-flight request share its outcome.
type Future struct {
	id     string
	state  *outcome
	joined bool
}

type outcome struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture(id string) *Future {
	return &Future{id: id, state: &outcome{done: make(chan struct{})}}
}

// ID returns the correlation id.
func (f *Future) ID() string { return f.id }

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.state.done }

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.state.done:
		return f.state.value, f.state.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Joined reports whether this caller joined a request already in flight.
func (f *Future) Joined() bool { return f.joined }

// complete records the outcome; only the first call has an effect.
func (f *Future) complete(value any, err error) bool {
	completed := false
	f.state.once.Do(func() {
		f.state.value = value
		f.state.err = err
		close(f.state.done)
		completed = true
	})
	return completed
}

type pendingRequest struct {
	req    Request
	key    string
	future *Future
}

// CorrelatorConfig contains correlation settings.
type CorrelatorConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	QueueSize     int
}

// DefaultCorrelatorConfig returns the defaults: 30s timeout swept every 5s.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		Timeout:       30 * time.Second,
		SweepInterval: 5 * time.Second,
		QueueSize:     64,
	}
}

// Correlator is the registry of in-flight requests. It is the only place a
// pending request is created, completed or expired, so each one completes once.
type Correlator struct {
	config  CorrelatorConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	keys     map[string]string // single-flight key to request id
	requests chan Request
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCorrelator creates a correlator.
func NewCorrelator(config CorrelatorConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Correlator {
	def := DefaultCorrelatorConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}

	return &Correlator{
		config:   config,
		logger:   logging.WithComponent(logger, "correlator"),
		metrics:  metricsReg,
		now:      time.Now,
		pending:  make(map[string]*pendingRequest),
		keys:     make(map[string]string),
		requests: make(chan Request, config.QueueSize),
	}
}

// Start runs the expiry sweep until Stop.
func (c *Correlator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.expire(c.now())
			}
		}
	}()

	c.logger.Info().
		Dur("timeout", c.config.Timeout).
		Dur("sweep_interval", c.config.SweepInterval).
		Msg("Correlator started")
}

// Stop ends the sweep and fails every pending request.
func (c *Correlator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.keys = make(map[string]string)
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	for _, p := range pending {
		p.future.complete(nil, ErrCorrelatorStopped)
	}
	c.metrics.SetPendingRequests(0)
	c.logger.Info().Int("abandoned", len(pending)).Msg("Correlator stopped")
}

// Requests is the dispatch channel consumed by request executors.
func (c *Correlator) Requests() <-chan Request {
	return c.requests
}

// SendCorrelated registers a request under a fresh UUID and dispatches it.
// A non-empty key is single-flight: a caller finding the key in flight joins
// that request instead of dispatching another.
func (c *Correlator) SendCorrelated(ctx context.Context, kind RequestKind, key, payload string) (*Future, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrCorrelatorStopped
	}
	if key != "" {
		if p, ok := c.pending[c.keys[key]]; ok {
			c.mu.Unlock()
			c.logger.Debug().Str("request_id", p.req.ID).Str("key", key).Msg("Joined in-flight request")
			return &Future{id: p.req.ID, state: p.future.state, joined: true}, nil
		}
	}

	id := uuid.NewString()
	req := Request{ID: id, Kind: kind, Payload: payload, CreatedAt: c.now()}
	future := newFuture(id)
	p := &pendingRequest{req: req, key: key, future: future}
	c.pending[id] = p
	if key != "" {
		c.keys[key] = id
	}
	count := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingRequests(count)

	select {
	case c.requests <- req:
		return future, nil
	case <-ctx.Done():
		err := fmt.Errorf("dispatch %s request: %w", kind, ctx.Err())
		c.Resolve(id, nil, err)
		return nil, err
	}
}

// Resolve completes the request id. It returns false when nothing is pending
// under id, which is the case for late or duplicate responses.
func (c *Correlator) Resolve(id string, value any, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		c.remove(p)
	}
	count := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.metrics.IncLateResponses()
		c.logger.Debug().Str("request_id", id).Msg("Response for unknown or expired request")
		return false
	}

	c.metrics.SetPendingRequests(count)
	p.future.complete(value, err)
	return true
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// expire completes every request older than the timeout according to its kind.
func (c *Correlator) expire(now time.Time) int {
	var expired []*pendingRequest

	c.mu.Lock()
	for _, p := range c.pending {
		if now.Sub(p.req.CreatedAt) > c.config.Timeout {
			expired = append(expired, p)
			c.remove(p)
		}
	}
	count := len(c.pending)
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	c.metrics.SetPendingRequests(count)

	for _, p := range expired {
		value, err := expiryOutcome(p.req, c.config.Timeout)
		p.future.complete(value, err)
		c.metrics.IncRequestTimeouts()
		c.logger.Warn().
			Str("request_id", p.req.ID).
			Str("kind", string(p.req.Kind)).
			Dur("age", now.Sub(p.req.CreatedAt)).
			Msg("Correlated request expired")
	}
	return len(expired)
}

// remove drops p and frees its key unless a newer request already holds it.
// Callers hold c.mu.
func (c *Correlator) remove(p *pendingRequest) {
	delete(c.pending, p.req.ID)
	if p.key != "" && c.keys[p.key] == p.req.ID {
		delete(c.keys, p.key)
	}
}

func expiryOutcome(req Request, timeout time.Duration) (any, error) {
	if req.Kind == KindBrowse {
		return domain.BrowsePage{NodeID: req.Payload, Nodes: []domain.NodeDescriptor{}}, nil
	}
	return nil, fmt.Errorf("%w: %s request %s exceeded %s", domain.ErrTimeout, req.Kind, req.ID, timeout)
}
