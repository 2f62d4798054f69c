package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultBatchWindow is the accumulation window for value changes.
const DefaultBatchWindow = 50 * time.Millisecond

// Batcher accumulates value changes and publishes them as one
// value_changes_batch per window. The window timer is armed by the first
// change of an empty batch, so an idle batcher holds no timer.
type Batcher struct {
	publisher domain.Publisher
	window    time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu      sync.Mutex
	pending []domain.ValueChange
	timer   *time.Timer
	stopped bool

	// publishMu keeps batches from consecutive windows in order.
	publishMu sync.Mutex

	batchesFlushed atomic.Uint64
	changesBatched atomic.Uint64
}

// NewBatcher creates a batcher publishing to publisher. A non-positive
// window uses DefaultBatchWindow.
func NewBatcher(publisher domain.Publisher, window time.Duration, logger zerolog.Logger, metricsReg *metrics.Registry) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Batcher{
		publisher: publisher,
		window:    window,
		logger:    logging.WithComponent(logger, "batcher"),
		metrics:   metricsReg,
	}
}

// Add appends one value change. Its signature matches the subscription value handler.
func (b *Batcher) Add(nodeID string, value any, dataType string, timestamp time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.pending = append(b.pending, domain.NewValueChange(nodeID, value, dataType, timestamp))
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

// flush publishes the pending batch, if any.
func (b *Batcher) flush() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	b.batchesFlushed.Add(1)
	b.changesBatched.Add(uint64(len(batch)))
	b.metrics.ObserveBatch(len(batch))

	if err := b.publisher.Publish(domain.NewValueChangesBatch(batch)); err != nil {
		b.logger.Error().Err(err).Int("changes", len(batch)).Msg("Failed to publish value batch")
	}
}

// Stop publishes whatever is pending and rejects further changes.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.flush()
	b.logger.Info().Uint64("batches", b.batchesFlushed.Load()).Msg("Batcher stopped")
}

// Stats returns batcher statistics.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	return BatcherStats{
		BatchesFlushed: b.batchesFlushed.Load(),
		ChangesBatched: b.changesBatched.Load(),
		Pending:        pending,
	}
}

// BatcherStats contains batcher statistics.
type BatcherStats struct {
	BatchesFlushed uint64 `json:"batchesFlushed"`
	ChangesBatched uint64 `json:"changesBatched"`
	Pending        int    `json:"pending"`
}
