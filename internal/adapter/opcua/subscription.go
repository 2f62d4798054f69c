package opcua

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

// SessionProvider hands out the live session and receives session-level errors.
// ConnectionManager is the production implementation.
type SessionProvider interface {
	Session() (Session, error)
	HandleSessionError(err error)
}

// ValueHandler receives every accepted value change.
type ValueHandler func(nodeID string, value any, dataType string, timestamp time.Time)

// SubscriptionStore is the part of the persistence port used on the notification path.
type SubscriptionStore interface {
	GetTagByNodeID(ctx context.Context, nodeID string) (domain.Tag, error)
	InsertReading(ctx context.Context, reading domain.Reading) (domain.Reading, error)
}

// monitoredItem is one live server-side registration.
type monitoredItem struct {
	nodeID          string
	clientHandle    uint32
	monitoredItemID uint32
}

// SubscriptionManager maintains one protocol subscription and the monitored
// items in it, keyed by node identifier. Server pushes are consumed by a
// single goroutine, so samples of one item are handled in delivery order.
type SubscriptionManager struct {
	sessions SessionProvider
	store    SubscriptionStore
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// opMu serializes subscribe, unsubscribe, clear and settings changes.
	opMu sync.Mutex

	mu         sync.RWMutex
	settings   domain.SubscriptionSettings
	sub        ProtocolSubscription
	stopSub    context.CancelFunc
	items      map[string]*monitoredItem
	handles    map[uint32]string
	nextHandle uint32
	onValue    ValueHandler

	notifyBuffer  int
	notifications atomic.Uint64
	wg            sync.WaitGroup
}

// NewSubscriptionManager creates a subscription manager using the given settings.
func NewSubscriptionManager(
	sessions SessionProvider,
	store SubscriptionStore,
	settings domain.SubscriptionSettings,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *SubscriptionManager {
	return &SubscriptionManager{
		sessions:     sessions,
		store:        store,
		logger:       logging.WithComponent(logger, "opcua-subscription"),
		metrics:      metricsReg,
		settings:     settings,
		items:        make(map[string]*monitoredItem),
		handles:      make(map[uint32]string),
		notifyBuffer: 256,
	}
}

// SetValueHandler registers the callback for accepted value changes.
func (sm *SubscriptionManager) SetValueHandler(handler ValueHandler) {
	sm.mu.Lock()
	sm.onValue = handler
	sm.mu.Unlock()
}

// Subscribe creates a monitored item for nodeID. It is a no-op when the node
// is already monitored, and creates the protocol subscription on first use.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, nodeID string) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	return sm.subscribeLocked(ctx, nodeID)
}

func (sm *SubscriptionManager) subscribeLocked(ctx context.Context, nodeID string) error {
	sm.mu.RLock()
	_, active := sm.items[nodeID]
	settings := sm.settings
	sm.mu.RUnlock()

	if active {
		return nil
	}

	session, err := sm.sessions.Session()
	if err != nil {
		return err
	}

	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("%w: invalid node id %q: %v", domain.ErrValidation, nodeID, err)
	}

	sub, err := sm.ensureSubscription(ctx, session, settings)
	if err != nil {
		return err
	}

	// The handle is registered before the item exists so the first sample,
	// which may arrive before Monitor returns, is not dropped.
	sm.mu.Lock()
	sm.nextHandle++
	handle := sm.nextHandle
	sm.handles[handle] = nodeID
	sm.mu.Unlock()

	req := &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       parsed,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: float64(settings.SamplingInterval.Milliseconds()),
			QueueSize:        settings.QueueSize,
			DiscardOldest:    true,
		},
	}

	resp, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err == nil && (resp == nil || len(resp.Results) == 0) {
		err = errors.New("empty monitored item response")
	}
	if err == nil && resp.Results[0].StatusCode != ua.StatusOK {
		err = resp.Results[0].StatusCode
	}
	if err != nil {
		sm.mu.Lock()
		delete(sm.handles, handle)
		sm.mu.Unlock()

		sm.sessions.HandleSessionError(err)
		sm.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to create monitored item")
		return fmt.Errorf("%w: monitor %s: %v", domain.ErrProtocolFailure, nodeID, err)
	}

	sm.mu.Lock()
	sm.items[nodeID] = &monitoredItem{
		nodeID:          nodeID,
		clientHandle:    handle,
		monitoredItemID: resp.Results[0].MonitoredItemID,
	}
	count := len(sm.items)
	sm.mu.Unlock()

	sm.metrics.SetMonitoredItems(count)
	sm.logger.Info().
		Str("node_id", nodeID).
		Uint32("monitored_item_id", resp.Results[0].MonitoredItemID).
		Dur("sampling_interval", settings.SamplingInterval).
		Msg("Monitored item created")

	return nil
}

// ensureSubscription lazily creates the protocol subscription and its consumer. Caller holds opMu.
func (sm *SubscriptionManager) ensureSubscription(ctx context.Context, session Session, settings domain.SubscriptionSettings) (ProtocolSubscription, error) {
	sm.mu.RLock()
	sub := sm.sub
	sm.mu.RUnlock()

	if sub != nil {
		return sub, nil
	}

	notifyCh := make(chan *opcua.PublishNotificationData, sm.notifyBuffer)
	sub, err := session.Subscribe(ctx, subscriptionParameters(settings), notifyCh)
	if err != nil {
		sm.sessions.HandleSessionError(err)
		return nil, fmt.Errorf("%w: create subscription: %v", domain.ErrProtocolFailure, err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	sm.mu.Lock()
	sm.sub = sub
	sm.stopSub = cancel
	sm.mu.Unlock()

	sm.wg.Add(1)
	go sm.consume(consumerCtx, notifyCh)

	sm.logger.Info().
		Dur("publishing_interval", settings.PublishingInterval).
		Msg("Created OPC UA subscription")

	return sub, nil
}

// Unsubscribe removes the monitored item for nodeID. It is a no-op when the
// node is not monitored. A server-side failure is logged; the item is
// forgotten locally either way.
func (sm *SubscriptionManager) Unsubscribe(ctx context.Context, nodeID string) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.mu.Lock()
	item, ok := sm.items[nodeID]
	if ok {
		delete(sm.items, nodeID)
		delete(sm.handles, item.clientHandle)
	}
	sub := sm.sub
	count := len(sm.items)
	sm.mu.Unlock()

	if !ok {
		return nil
	}
	sm.metrics.SetMonitoredItems(count)

	if _, err := sm.sessions.Session(); err == nil && sub != nil {
		if _, err := sub.Unmonitor(ctx, item.monitoredItemID); err != nil {
			sm.sessions.HandleSessionError(err)
			sm.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to delete monitored item on server")
		}
	}

	sm.logger.Info().Str("node_id", nodeID).Msg("Monitored item removed")
	return nil
}

// Clear removes every monitored item and cancels the protocol subscription.
// It is safe to call when nothing is active.
func (sm *SubscriptionManager) Clear(ctx context.Context) {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.clearLocked(ctx, true)
}

// Reset forgets every monitored item and the subscription without talking to
// the server. It is used after the session was lost.
func (sm *SubscriptionManager) Reset() {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.clearLocked(context.Background(), false)
}

func (sm *SubscriptionManager) clearLocked(ctx context.Context, remote bool) {
	sm.mu.Lock()
	sub, stop := sm.sub, sm.stopSub
	ids := make([]uint32, 0, len(sm.items))
	for _, item := range sm.items {
		ids = append(ids, item.monitoredItemID)
	}
	sm.sub = nil
	sm.stopSub = nil
	sm.items = make(map[string]*monitoredItem)
	sm.handles = make(map[uint32]string)
	sm.mu.Unlock()

	if stop != nil {
		stop()
	}
	sm.metrics.SetMonitoredItems(0)

	if sub == nil {
		return
	}

	if _, err := sm.sessions.Session(); remote && err == nil {
		if len(ids) > 0 {
			if _, err := sub.Unmonitor(ctx, ids...); err != nil {
				sm.logger.Warn().Err(err).Int("items", len(ids)).Msg("Failed to delete monitored items on server")
			}
		}
		if err := sub.Cancel(ctx); err != nil {
			sm.logger.Warn().Err(err).Msg("Failed to cancel OPC UA subscription")
		}
	}

	sm.logger.Info().Int("items", len(ids)).Bool("remote", remote).Msg("Subscription cleared")
}

// ApplySettings replaces the subscription settings. When a protocol
// subscription exists it is cancelled and recreated with the new settings,
// and every node that was active is subscribed again. Per-node failures are
// isolated and returned joined.
func (sm *SubscriptionManager) ApplySettings(ctx context.Context, settings domain.SubscriptionSettings) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.mu.Lock()
	sm.settings = settings
	hadSub := sm.sub != nil
	active := make([]string, 0, len(sm.items))
	for nodeID := range sm.items {
		active = append(active, nodeID)
	}
	sm.mu.Unlock()

	if !hadSub {
		return nil
	}

	sort.Strings(active)
	sm.clearLocked(ctx, true)

	sm.logger.Info().
		Dur("publishing_interval", settings.PublishingInterval).
		Dur("sampling_interval", settings.SamplingInterval).
		Uint32("queue_size", settings.QueueSize).
		Int("resubscribing", len(active)).
		Msg("Subscription settings changed")

	var errs []error
	for _, nodeID := range active {
		if err := sm.subscribeLocked(ctx, nodeID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResubscribeAll subscribes every tag flagged IsSubscribed, one at a time.
// A failure for one tag is logged and does not stop the others.
func (sm *SubscriptionManager) ResubscribeAll(ctx context.Context, tags []domain.Tag) error {
	var errs []error
	ok := 0
	for _, tag := range tags {
		if !tag.IsSubscribed {
			continue
		}
		if err := sm.Subscribe(ctx, tag.NodeID); err != nil {
			sm.logger.Error().Err(err).Int64("tag_id", tag.ID).Str("node_id", tag.NodeID).Msg("Failed to resubscribe tag")
			errs = append(errs, err)
			continue
		}
		ok++
	}

	sm.logger.Info().Int("subscribed", ok).Int("failed", len(errs)).Msg("Resubscribe complete")
	return errors.Join(errs...)
}

// consume drains one protocol subscription's notification channel.
func (sm *SubscriptionManager) consume(ctx context.Context, notifyCh <-chan *opcua.PublishNotificationData) {
	defer sm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-notifyCh:
			if !ok {
				return
			}
			sm.processNotification(ctx, notif)
		}
	}
}

func (sm *SubscriptionManager) processNotification(ctx context.Context, notif *opcua.PublishNotificationData) {
	if notif == nil {
		return
	}

	if notif.Error != nil {
		sm.logger.Warn().Err(notif.Error).Uint32("subscription_id", notif.SubscriptionID).Msg("Subscription error")
		sm.sessions.HandleSessionError(notif.Error)
		return
	}

	switch n := notif.Value.(type) {
	case *ua.DataChangeNotification:
		for _, item := range n.MonitoredItems {
			if item == nil {
				continue
			}
			sm.mu.RLock()
			nodeID, known := sm.handles[item.ClientHandle]
			sm.mu.RUnlock()

			if !known {
				sm.logger.Debug().Uint32("client_handle", item.ClientHandle).Msg("Notification for removed item")
				continue
			}
			sm.handleValue(ctx, nodeID, item.Value)
		}
	case *ua.StatusChangeNotification:
		err := n.Status
		sm.logger.Warn().Err(err).Msg("Subscription status changed")
		sm.sessions.HandleSessionError(err)
	}
}

// handleValue runs the acceptance path for one sample: quality gate, tag
// lookup, persistence, then the value callback.
func (sm *SubscriptionManager) handleValue(ctx context.Context, nodeID string, dv *ua.DataValue) {
	sm.notifications.Add(1)
	sm.metrics.IncNotifications()

	if dv == nil {
		return
	}

	quality := domain.QualityFromStatus(uint32(dv.Status))
	if quality != domain.QualityGood {
		sm.metrics.IncNotificationsDiscarded("quality")
		sm.logger.Warn().
			Str("node_id", nodeID).
			Str("quality", quality.String()).
			Uint32("status", uint32(dv.Status)).
			Msg("Discarding value with non-good quality")
		return
	}

	tag, err := sm.store.GetTagByNodeID(ctx, nodeID)
	if err != nil {
		sm.metrics.IncNotificationsDiscarded("unknown_tag")
		if !errors.Is(err, domain.ErrNotFound) {
			sm.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Tag lookup failed")
		}
		return
	}

	value := extractValue(dv.Value)
	timestamp := dv.SourceTimestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	reading := domain.Reading{
		TagID:     tag.ID,
		Value:     domain.NumericValue(value),
		Quality:   quality.String(),
		Timestamp: timestamp,
	}
	if _, err := sm.store.InsertReading(ctx, reading); err != nil {
		sm.metrics.IncReadingErrors()
		sm.logger.Error().Err(err).Str("node_id", nodeID).Int64("tag_id", tag.ID).Msg("Failed to persist reading")
	} else {
		sm.metrics.IncReadingsPersisted()
	}

	sm.mu.RLock()
	handler := sm.onValue
	sm.mu.RUnlock()

	if handler != nil {
		handler(nodeID, value, tag.DataType, timestamp)
	}
}

// IsActive reports whether nodeID has a live monitored item.
func (sm *SubscriptionManager) IsActive(nodeID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.items[nodeID]
	return ok
}

// ActiveNodes returns the monitored node ids in sorted order.
func (sm *SubscriptionManager) ActiveNodes() []string {
	sm.mu.RLock()
	nodes := make([]string, 0, len(sm.items))
	for nodeID := range sm.items {
		nodes = append(nodes, nodeID)
	}
	sm.mu.RUnlock()

	sort.Strings(nodes)
	return nodes
}

// HasSubscription reports whether a protocol subscription object exists.
func (sm *SubscriptionManager) HasSubscription() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sub != nil
}

// Settings returns the current subscription settings.
func (sm *SubscriptionManager) Settings() domain.SubscriptionSettings {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.settings
}

// Stop clears the subscription and waits for its consumer to exit.
func (sm *SubscriptionManager) Stop(ctx context.Context) {
	sm.Clear(ctx)
	sm.wg.Wait()
}

// Stats returns subscription statistics.
func (sm *SubscriptionManager) Stats() SubscriptionStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return SubscriptionStats{
		HasSubscription:     sm.sub != nil,
		TotalMonitoredItems: len(sm.items),
		Notifications:       sm.notifications.Load(),
	}
}

// SubscriptionStats contains subscription statistics.
type SubscriptionStats struct {
	HasSubscription     bool   `json:"hasSubscription"`
	TotalMonitoredItems int    `json:"monitoredItems"`
	Notifications       uint64 `json:"notifications"`
}
