package domain

import (
	"fmt"
	"time"
)

// SubscriptionSettings configures the protocol subscription and its monitored items.
type SubscriptionSettings struct {
	ID                 int64         `json:"id" yaml:"id"`
	Name               string        `json:"name" yaml:"name"`
	PublishingInterval time.Duration `json:"publishingInterval" yaml:"publishing_interval"`
	SamplingInterval   time.Duration `json:"samplingInterval" yaml:"sampling_interval"`
	QueueSize          uint32        `json:"queueSize" yaml:"queue_size"`
	IsDefault          bool          `json:"isDefault" yaml:"is_default"`
	CreatedAt          time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt          time.Time     `json:"updatedAt" yaml:"-"`
}

// DefaultSubscriptionSettings returns the settings used until a default row exists.
func DefaultSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		Name:               "default",
		PublishingInterval: 1 * time.Second,
		SamplingInterval:   500 * time.Millisecond,
		QueueSize:          10,
		IsDefault:          true,
	}
}

// Validate checks the intervals and queue size.
func (s *SubscriptionSettings) Validate() error {
	if s.PublishingInterval < 10*time.Millisecond {
		return fmt.Errorf("%w: publishing interval %s is below 10ms", ErrValidation, s.PublishingInterval)
	}
	if s.SamplingInterval < 0 {
		return fmt.Errorf("%w: negative sampling interval %s", ErrValidation, s.SamplingInterval)
	}
	if s.QueueSize == 0 {
		return fmt.Errorf("%w: queue size must be at least 1", ErrValidation)
	}
	return nil
}
