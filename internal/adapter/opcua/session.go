// Package opcua owns the OPC UA session: connection lifecycle, address-space
// browsing and the monitored-item subscription. It is the only package that
// talks to the protocol stack.
package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Session is the subset of the protocol client used by this package.
type Session interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	State() opcua.ConnState
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (ProtocolSubscription, error)
}

// ProtocolSubscription is a server-side subscription container.
type ProtocolSubscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Unmonitor(ctx context.Context, monitoredItemIDs ...uint32) (*ua.DeleteMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// Dialer builds a session bound to an endpoint and the profile's security settings.
type Dialer func(endpoint string, profile domain.ConnectionProfile, cfg ConnectionConfig) (Session, error)

// DialGopcua is the production Dialer backed by github.com/gopcua/opcua.
func DialGopcua(endpoint string, profile domain.ConnectionProfile, cfg ConnectionConfig) (Session, error) {
	opts, err := clientOptions(profile, cfg)
	if err != nil {
		return nil, err
	}
	return &gopcuaSession{endpoint: endpoint, opts: opts}, nil
}

// clientOptions translates a profile into stack options. Security is fixed at
// client construction, which is why a profile change recreates the session.
func clientOptions(profile domain.ConnectionProfile, cfg ConnectionConfig) ([]opcua.Option, error) {
	policy, err := domain.ParseSecurityPolicy(string(profile.SecurityPolicy))
	if err != nil {
		return nil, err
	}
	mode, err := domain.ParseSecurityMode(string(profile.SecurityMode))
	if err != nil {
		return nil, err
	}

	opts := []opcua.Option{
		opcua.AutoReconnect(false),
		opcua.DialTimeout(cfg.DialTimeout),
		opcua.RequestTimeout(cfg.RequestTimeout),
		opcua.SessionTimeout(cfg.SessionTimeout),
		opcua.ApplicationURI(cfg.ApplicationURI),
		opcua.ApplicationName(cfg.ApplicationName),
		opcua.SecurityPolicy(securityPolicyURI(policy)),
		opcua.SecurityModeString(string(mode)),
	}

	if policy != domain.SecurityPolicyNone {
		certFile, keyFile := cfg.CertificateFile, cfg.PrivateKeyFile
		if certFile == "" || keyFile == "" {
			certFile, keyFile, err = EnsureCertificate(cfg.PKIDir, cfg.ApplicationURI)
			if err != nil {
				return nil, fmt.Errorf("%w: client certificate: %v", domain.ErrProtocolFailure, err)
			}
		}
		opts = append(opts, opcua.CertificateFile(certFile), opcua.PrivateKeyFile(keyFile))
	}

	if profile.Username != "" {
		opts = append(opts, opcua.AuthUsername(profile.Username, profile.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	return opts, nil
}

func securityPolicyURI(policy domain.SecurityPolicy) string {
	switch policy {
	case domain.SecurityPolicyBasic128Rsa15:
		return ua.SecurityPolicyURIBasic128Rsa15
	case domain.SecurityPolicyBasic256:
		return ua.SecurityPolicyURIBasic256
	case domain.SecurityPolicyBasic256Sha256:
		return ua.SecurityPolicyURIBasic256Sha256
	default:
		return ua.SecurityPolicyURINone
	}
}

// gopcuaSession adapts *opcua.Client. A closed client cannot be reopened, so
// Connect builds a fresh client from the stored options every time.
type gopcuaSession struct {
	endpoint string
	opts     []opcua.Option

	mu     sync.RWMutex
	client *opcua.Client
}

func (s *gopcuaSession) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(s.endpoint, s.opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		// Release half-open channels so retries do not exhaust server sessions.
		_ = client.Close(context.Background())
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *gopcuaSession) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

func (s *gopcuaSession) State() opcua.ConnState {
	client := s.current()
	if client == nil {
		return opcua.Closed
	}
	return client.State()
}

func (s *gopcuaSession) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	client := s.current()
	if client == nil {
		return nil, domain.ErrNotConnected
	}
	return client.Browse(ctx, req)
}

func (s *gopcuaSession) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	client := s.current()
	if client == nil {
		return nil, domain.ErrNotConnected
	}
	return client.BrowseNext(ctx, req)
}

func (s *gopcuaSession) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	client := s.current()
	if client == nil {
		return nil, domain.ErrNotConnected
	}
	return client.Read(ctx, req)
}

func (s *gopcuaSession) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (ProtocolSubscription, error) {
	client := s.current()
	if client == nil {
		return nil, domain.ErrNotConnected
	}
	sub, err := client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *gopcuaSession) current() *opcua.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// subscriptionParameters derives the protocol subscription parameters from settings.
func subscriptionParameters(settings domain.SubscriptionSettings) *opcua.SubscriptionParameters {
	interval := settings.PublishingInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &opcua.SubscriptionParameters{
		Interval:                   interval,
		LifetimeCount:              60,
		MaxKeepAliveCount:          20,
		MaxNotificationsPerPublish: 1000,
	}
}
