// Package service holds the command API of the monitor: it coordinates the
// OPC UA adapters, the store and the event channel.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/opcua"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/rs/zerolog"
)

// MonitorConfig contains monitor service configuration.
type MonitorConfig struct {
	// BrowseWorkers limits concurrently executing correlated requests.
	BrowseWorkers int

	// ShutdownTimeout bounds the teardown after a recovered panic.
	ShutdownTimeout time.Duration
}

// DefaultMonitorConfig returns the defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		BrowseWorkers:   4,
		ShutdownTimeout: 10 * time.Second,
	}
}

// MonitorService owns the command API: connect, subscribe, browse and
// settings changes. It translates session lifecycle events into connection
// status events and keeps monitored items in line with the stored tags.
type MonitorService struct {
	config     MonitorConfig
	store      domain.Store
	conn       *opcua.ConnectionManager
	subs       *opcua.SubscriptionManager
	browser    *opcua.Browser
	correlator *Correlator
	events     domain.Publisher
	logger     zerolog.Logger
	metrics    *metrics.Registry

	workerPool chan struct{}

	profileMu     sync.RWMutex
	activeProfile *domain.ConnectionProfile

	running   atomic.Bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewMonitorService creates the service. Call Start before use.
func NewMonitorService(
	config MonitorConfig,
	store domain.Store,
	conn *opcua.ConnectionManager,
	subs *opcua.SubscriptionManager,
	browser *opcua.Browser,
	correlator *Correlator,
	events domain.Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *MonitorService {
	if config.BrowseWorkers <= 0 {
		config.BrowseWorkers = DefaultMonitorConfig().BrowseWorkers
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultMonitorConfig().ShutdownTimeout
	}

	return &MonitorService{
		config:     config,
		store:      store,
		conn:       conn,
		subs:       subs,
		browser:    browser,
		correlator: correlator,
		events:     events,
		logger:     logging.WithComponent(logger, "monitor"),
		metrics:    metricsReg,
		workerPool: make(chan struct{}, config.BrowseWorkers),
	}
}

// Start loads the default subscription settings and starts the lifecycle
// and request loops.
func (s *MonitorService) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	settings, err := s.loadDefaultSettings(ctx)
	if err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.subs.ApplySettings(ctx, settings); err != nil {
		s.running.Store(false)
		return err
	}

	s.correlator.Start(s.ctx)

	s.wg.Add(2)
	go s.lifecycleLoop()
	go s.requestLoop()

	s.logger.Info().
		Int("browse_workers", s.config.BrowseWorkers).
		Dur("publishing_interval", settings.PublishingInterval).
		Msg("Monitor service started")
	return nil
}

// loadDefaultSettings returns the stored default, seeding one when the store has none.
func (s *MonitorService) loadDefaultSettings(ctx context.Context) (domain.SubscriptionSettings, error) {
	settings, err := s.store.GetDefaultSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.SubscriptionSettings{}, err
	}

	settings, err = s.store.SaveSettings(ctx, domain.DefaultSubscriptionSettings())
	if err != nil {
		return domain.SubscriptionSettings{}, err
	}
	s.logger.Info().Msg("Seeded default subscription settings")
	return settings, nil
}

// Shutdown runs the controlled sequence: clear subscriptions, disconnect the
// session, stop the correlator, then wait for background loops.
func (s *MonitorService) Shutdown(ctx context.Context) error {
	var stopErr error

	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping monitor service...")

		s.subs.Stop(ctx)
		if err := s.conn.Close(ctx); err != nil {
			stopErr = err
		}
		s.correlator.Stop()

		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn().Msg("Monitor service stop timeout")
			stopErr = errors.Join(stopErr, ctx.Err())
		}

		s.running.Store(false)
		s.logger.Info().Msg("Monitor service stopped")
	})

	return stopErr
}

// Connect opens a session for the stored profile and rebuilds the monitored
// items of every subscribed tag. It returns the endpoint.
func (s *MonitorService) Connect(ctx context.Context, profileID int64) (string, error) {
	profile, err := s.store.GetConnection(ctx, profileID)
	if err != nil {
		return "", err
	}

	// Items of a previous session cannot survive the switch.
	s.subs.Clear(ctx)

	endpoint, err := s.conn.Connect(ctx, profile)
	if err != nil {
		s.record(ctx, domain.ActivityConnect, fmt.Sprintf("failed to connect to %s: %v", profile.Endpoint(), err))
		return "", err
	}

	if err := s.store.SetActiveConnection(ctx, profile.ID); err != nil {
		s.logger.Warn().Err(err).Int64("profile_id", profile.ID).Msg("Failed to mark connection active")
	}

	s.profileMu.Lock()
	s.activeProfile = &profile
	s.profileMu.Unlock()

	s.resubscribe(ctx)
	s.record(ctx, domain.ActivityConnect, fmt.Sprintf("connected to %s (%s)", endpoint, profile.Name))

	return endpoint, nil
}

// Disconnect clears every monitored item and closes the session. It is idempotent.
func (s *MonitorService) Disconnect(ctx context.Context) error {
	s.subs.Clear(ctx)

	endpoint := s.conn.Endpoint()
	if err := s.conn.Disconnect(ctx); err != nil {
		return err
	}

	if err := s.store.SetActiveConnection(ctx, 0); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear active connection")
	}

	s.profileMu.Lock()
	wasActive := s.activeProfile != nil
	s.activeProfile = nil
	s.profileMu.Unlock()

	if wasActive {
		s.record(ctx, domain.ActivityDisconnect, fmt.Sprintf("disconnected from %s", endpoint))
	}
	return nil
}

// Subscribe flags the tag as subscribed and, when a session is up, creates
// its monitored item. A protocol failure reverts the flag. Without a session
// only the flag is stored; the item is created on the next connect.
func (s *MonitorService) Subscribe(ctx context.Context, tagID int64) (domain.Tag, error) {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return domain.Tag{}, err
	}

	updated, err := s.store.SetTagSubscribed(ctx, tagID, true)
	if err != nil {
		return domain.Tag{}, err
	}

	if s.conn.IsConnected() {
		if err := s.subs.Subscribe(ctx, tag.NodeID); err != nil {
			if _, rerr := s.store.SetTagSubscribed(ctx, tagID, tag.IsSubscribed); rerr != nil {
				s.logger.Error().Err(rerr).Int64("tag_id", tagID).Msg("Failed to revert subscription flag")
			}
			return domain.Tag{}, err
		}
	}

	s.record(ctx, domain.ActivitySubscribe, fmt.Sprintf("subscribed to %s (%s)", tag.DisplayName, tag.NodeID))
	return updated, nil
}

// Unsubscribe removes the tag's monitored item and clears its flag.
func (s *MonitorService) Unsubscribe(ctx context.Context, tagID int64) (domain.Tag, error) {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return domain.Tag{}, err
	}

	if err := s.subs.Unsubscribe(ctx, tag.NodeID); err != nil {
		return domain.Tag{}, err
	}

	updated, err := s.store.SetTagSubscribed(ctx, tagID, false)
	if err != nil {
		return domain.Tag{}, err
	}

	s.record(ctx, domain.ActivityUnsubscribe, fmt.Sprintf("unsubscribed from %s (%s)", tag.DisplayName, tag.NodeID))
	return updated, nil
}

// AddTag reads the node's attributes from the server and stores a tag for
// it. An existing tag for the node is returned unchanged.
func (s *MonitorService) AddTag(ctx context.Context, nodeID string, personID *int64) (domain.Tag, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return domain.Tag{}, fmt.Errorf("%w: nodeId is required", domain.ErrValidation)
	}

	if existing, err := s.store.GetTagByNodeID(ctx, nodeID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Tag{}, err
	}

	if personID != nil {
		if _, err := s.store.GetPerson(ctx, *personID); err != nil {
			return domain.Tag{}, err
		}
	}

	attrs, err := s.readAttributes(ctx, nodeID)
	if err != nil {
		return domain.Tag{}, err
	}

	tag := attrs.Tag()
	tag.PersonID = personID
	created, err := s.store.CreateTag(ctx, tag)
	if err != nil {
		return domain.Tag{}, err
	}

	s.record(ctx, domain.ActivityTagCreated, fmt.Sprintf("created tag %s (%s)", created.DisplayName, created.NodeID))
	return created, nil
}

// AddTags creates tags for several nodes at once. Nodes that already have a
// tag are skipped. Attribute reads run through the correlator.
func (s *MonitorService) AddTags(ctx context.Context, nodeIDs []string) ([]domain.Tag, error) {
	tags := make([]domain.Tag, 0, len(nodeIDs))
	seen := make(map[string]bool, len(nodeIDs))

	for _, nodeID := range nodeIDs {
		nodeID = strings.TrimSpace(nodeID)
		if nodeID == "" || seen[nodeID] {
			continue
		}
		seen[nodeID] = true

		if _, err := s.store.GetTagByNodeID(ctx, nodeID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		attrs, err := s.readAttributes(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		tags = append(tags, attrs.Tag())
	}

	if len(tags) == 0 {
		return []domain.Tag{}, nil
	}

	created, err := s.store.CreateTags(ctx, tags)
	if err != nil {
		return nil, err
	}
	s.record(ctx, domain.ActivityTagCreated, fmt.Sprintf("created %d tags", len(created)))
	return created, nil
}

// readAttributes runs an attribute read as a correlated request.
func (s *MonitorService) readAttributes(ctx context.Context, nodeID string) (domain.NodeAttributes, error) {
	future, err := s.correlator.SendCorrelated(ctx, KindReadAttributes, "", nodeID)
	if err != nil {
		return domain.NodeAttributes{}, err
	}

	value, err := future.Wait(ctx)
	if err != nil {
		return domain.NodeAttributes{}, err
	}
	attrs, ok := value.(domain.NodeAttributes)
	if !ok {
		return domain.NodeAttributes{}, fmt.Errorf("%w: unexpected attribute result %T", domain.ErrProtocolFailure, value)
	}
	return attrs, nil
}

// DeleteTag removes the tag's monitored item, then the tag and its readings.
func (s *MonitorService) DeleteTag(ctx context.Context, tagID int64) error {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return err
	}

	if err := s.subs.Unsubscribe(ctx, tag.NodeID); err != nil {
		return err
	}
	if err := s.store.DeleteTag(ctx, tagID); err != nil {
		return err
	}

	s.record(ctx, domain.ActivityTagDeleted, fmt.Sprintf("deleted tag %s (%s)", tag.DisplayName, tag.NodeID))
	return nil
}

// AssignPerson sets or clears the person responsible for a tag.
func (s *MonitorService) AssignPerson(ctx context.Context, tagID int64, personID *int64) (domain.Tag, error) {
	if personID != nil {
		if _, err := s.store.GetPerson(ctx, *personID); err != nil {
			return domain.Tag{}, err
		}
	}
	return s.store.AssignPerson(ctx, tagID, personID)
}

// SetDefaultSettings validates and stores settings as the default, then
// applies them. Monitored items active before the change are recreated under
// the new settings; failures to recreate are returned with the saved settings.
func (s *MonitorService) SetDefaultSettings(ctx context.Context, settings domain.SubscriptionSettings) (domain.SubscriptionSettings, error) {
	if err := settings.Validate(); err != nil {
		return domain.SubscriptionSettings{}, err
	}
	settings.IsDefault = true

	saved, err := s.store.SaveSettings(ctx, settings)
	if err != nil {
		return domain.SubscriptionSettings{}, err
	}

	applyErr := s.subs.ApplySettings(ctx, saved)
	if applyErr != nil {
		s.logger.Error().Err(applyErr).Msg("Some monitored items could not be recreated")
	}

	s.record(ctx, domain.ActivitySettingsChanged, fmt.Sprintf(
		"publishing %s, sampling %s, queue %d",
		saved.PublishingInterval, saved.SamplingInterval, saved.QueueSize))

	return saved, applyErr
}

// HandleCommand executes a real-time channel command and replies to client
// only. It returns immediately; the reply is sent when the request completes.
func (s *MonitorService) HandleCommand(ctx context.Context, client domain.Responder, cmd domain.Command) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("command")

		var (
			future *Future
			err    error
		)
		switch cmd.Type {
		case domain.CommandBrowse:
			nodeID := strings.TrimSpace(cmd.NodeID)
			if nodeID == "" {
				nodeID = opcua.RootNodeID
			}
			future, err = s.correlator.SendCorrelated(ctx, KindBrowse, "browse_"+nodeID, nodeID)
		case domain.CommandBrowseNext:
			future, err = s.correlator.SendCorrelated(ctx, KindBrowseNext, "", cmd.ContinuationPoint)
		default:
			err = fmt.Errorf("%w: unsupported command %q", domain.ErrValidation, cmd.Type)
		}

		if err == nil {
			var value any
			value, err = future.Wait(ctx)
			if err == nil {
				page, ok := value.(domain.BrowsePage)
				if !ok {
					err = fmt.Errorf("%w: unexpected browse result %T", domain.ErrProtocolFailure, value)
				} else {
					if sendErr := client.Send(domain.NewBrowseResult(cmd.RequestID, page)); sendErr != nil {
						s.logger.Debug().Err(sendErr).Str("request_id", cmd.RequestID).Msg("Failed to deliver browse result")
					}
					return
				}
			}
		}

		s.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Str("command", string(cmd.Type)).Msg("Command failed")
		_ = client.Send(domain.NewErrorEvent(cmd.RequestID, err.Error()))
	}()
}

// requestLoop executes dispatched correlated requests on a bounded pool.
func (s *MonitorService) requestLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.correlator.Requests():
			select {
			case s.workerPool <- struct{}{}:
			case <-s.ctx.Done():
				return
			}

			s.wg.Add(1)
			go func(req Request) {
				defer s.wg.Done()
				defer func() { <-s.workerPool }()
				defer s.recoverPanic("request")

				value, err := s.execute(s.ctx, req)
				s.correlator.Resolve(req.ID, value, err)
			}(req)
		}
	}
}

func (s *MonitorService) execute(ctx context.Context, req Request) (any, error) {
	switch req.Kind {
	case KindBrowse:
		return s.browser.Browse(ctx, req.Payload)
	case KindBrowseNext:
		return s.browser.BrowseNext(ctx, req.Payload)
	case KindReadAttributes:
		return s.browser.ReadNodeAttributes(ctx, req.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown request kind %q", domain.ErrValidation, req.Kind)
	}
}

// lifecycleLoop turns session lifecycle events into status events and keeps
// monitored items consistent with the session. A panic in one event tears the
// session down; the loop keeps draining events afterwards.
func (s *MonitorService) lifecycleLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.conn.Events():
			s.dispatchLifecycle(ev)
		}
	}
}

func (s *MonitorService) dispatchLifecycle(ev opcua.LifecycleEvent) {
	defer s.recoverPanic("lifecycle")
	s.handleLifecycle(ev)
}

func (s *MonitorService) handleLifecycle(ev opcua.LifecycleEvent) {
	switch ev.Kind {
	case opcua.LifecycleConnected:
		s.publish(domain.NewConnectionStatus(true, ev.Endpoint, ""))

	case opcua.LifecycleDisconnected:
		s.publish(domain.NewConnectionStatus(false, ev.Endpoint, ""))

	case opcua.LifecycleConnectFailed:
		s.publish(domain.NewConnectionStatus(false, ev.Endpoint, errMessage(ev.Err)))

	case opcua.LifecycleConnectionLost, opcua.LifecycleSessionClosed:
		// Items belonged to the lost session; the server side is already gone.
		s.subs.Reset()
		s.publish(domain.NewConnectionStatus(false, ev.Endpoint, string(ev.Kind)))

	case opcua.LifecycleReconnectBackoff:
		s.publish(domain.NewReconnectingStatus(ev.Endpoint, ev.Attempt, ev.Delay))

	case opcua.LifecycleReconnected:
		s.resubscribe(s.ctx)
		s.publish(domain.NewConnectionStatus(true, ev.Endpoint, "reconnected"))
		s.record(s.ctx, domain.ActivityConnect, fmt.Sprintf("reconnected to %s after %d attempts", ev.Endpoint, ev.Attempt))

	case opcua.LifecycleReconnectFailed:
		s.record(s.ctx, domain.ActivityDisconnect, fmt.Sprintf("gave up reconnecting to %s after %d attempts", ev.Endpoint, ev.Attempt))
	}
}

// resubscribe creates monitored items for every tag flagged as subscribed.
// Per-tag failures are logged by the subscription manager and do not stop the others.
func (s *MonitorService) resubscribe(ctx context.Context) {
	tags, err := s.store.ListSubscribedTags(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load subscribed tags")
		return
	}
	if len(tags) == 0 {
		return
	}
	_ = s.subs.ResubscribeAll(ctx, tags)
}

func (s *MonitorService) publish(event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.EventType())).Msg("Failed to publish event")
	}
}

// record appends to the activity log; failures are logged only.
func (s *MonitorService) record(ctx context.Context, action, detail string) {
	if err := s.store.AppendActivity(ctx, action, detail); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to append activity")
	}
}

// recoverPanic logs a panic and tears the session down so it is never left
// half-configured.
func (s *MonitorService) recoverPanic(where string) {
	r := recover()
	if r == nil {
		return
	}

	s.logger.Error().Interface("panic", r).Str("where", where).Msg("Recovered panic, tearing down session")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Disconnect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to tear down session after panic")
	}
}

// Status reports the service state.
func (s *MonitorService) Status() MonitorStatus {
	s.profileMu.RLock()
	var profile *domain.ConnectionProfile
	if s.activeProfile != nil {
		p := *s.activeProfile
		profile = &p
	}
	s.profileMu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	return MonitorStatus{
		Connected:       s.conn.IsConnected(),
		State:           s.conn.State().String(),
		Endpoint:        s.conn.Endpoint(),
		Profile:         profile,
		ActiveNodes:     s.subs.ActiveNodes(),
		Subscription:    s.subs.Stats(),
		Settings:        s.subs.Settings(),
		PendingRequests: s.correlator.Pending(),
		UptimeSeconds:   int64(uptime.Seconds()),
	}
}

// MonitorStatus is the status snapshot served by the HTTP API.
type MonitorStatus struct {
	Connected       bool                        `json:"connected"`
	State           string                      `json:"state"`
	Endpoint        string                      `json:"endpoint,omitempty"`
	Profile         *domain.ConnectionProfile   `json:"profile,omitempty"`
	ActiveNodes     []string                    `json:"activeNodes"`
	Subscription    opcua.SubscriptionStats     `json:"subscription"`
	Settings        domain.SubscriptionSettings `json:"settings"`
	PendingRequests int                         `json:"pendingRequests"`
	UptimeSeconds   int64                       `json:"uptimeSeconds"`
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
