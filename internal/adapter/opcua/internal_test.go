package opcua

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConnectionManager_Backoff(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.Reconnect = ReconnectConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
	m := NewConnectionManager(cfg, nil, zerolog.Nop(), nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	m.config.Reconnect.AddJitter = true
	for i := 0; i < 50; i++ {
		d := m.backoff(3)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestConnectionConfig_ApplyDefaults(t *testing.T) {
	cfg := ConnectionConfig{Reconnect: ReconnectConfig{InitialDelay: time.Minute}}
	cfg.applyDefaults()

	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
}

func TestExtractValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"double", 1.5, 1.5},
		{"float", float32(2.5), 2.5},
		{"int16", int16(-4), int64(-4)},
		{"uint32", uint32(7), int64(7)},
		{"bool", true, true},
		{"string", "open", "open"},
		{"time", ts, ts.UTC()},
		{"localized text", &ua.LocalizedText{Text: "Level"}, "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractValue(ua.MustVariant(tt.in)))
		})
	}

	assert.Nil(t, extractValue(nil))
}

func TestIsSessionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"session closed", ua.StatusBadSessionClosed, true},
		{"secure channel closed", ua.StatusBadSecureChannelClosed, true},
		{"node unknown", ua.StatusBadNodeIDUnknown, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSessionError(tt.err))
		})
	}
}

func TestSecurityPolicyURI(t *testing.T) {
	assert.Equal(t, ua.SecurityPolicyURINone, securityPolicyURI(domain.SecurityPolicyNone))
	assert.Equal(t, ua.SecurityPolicyURIBasic256Sha256, securityPolicyURI(domain.SecurityPolicyBasic256Sha256))
}

func TestSubscriptionParameters(t *testing.T) {
	params := subscriptionParameters(domain.SubscriptionSettings{PublishingInterval: 250 * time.Millisecond})
	assert.Equal(t, 250*time.Millisecond, params.Interval)

	params = subscriptionParameters(domain.SubscriptionSettings{})
	assert.Equal(t, time.Second, params.Interval)
}
