package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tag is a persisted monitored point. IsSubscribed is the source of truth for
// which monitored items must exist after a (re)connect.
type Tag struct {
	ID           int64     `json:"id" yaml:"id"`
	NodeID       string    `json:"nodeId" yaml:"node_id"`
	BrowseName   string    `json:"browseName" yaml:"browse_name"`
	DisplayName  string    `json:"displayName" yaml:"display_name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	DataType     string    `json:"dataType,omitempty" yaml:"data_type,omitempty"`
	IsSubscribed bool      `json:"isSubscribed" yaml:"is_subscribed"`
	PersonID     *int64    `json:"personId,omitempty" yaml:"person_id,omitempty"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// Validate checks the fields required to store a tag.
func (t *Tag) Validate() error {
	if strings.TrimSpace(t.NodeID) == "" {
		return fmt.Errorf("%w: tag node id is required", ErrValidation)
	}
	if t.DisplayName == "" && t.BrowseName == "" {
		return fmt.Errorf("%w: tag %q needs a browse or display name", ErrValidation, t.NodeID)
	}
	return nil
}

// Person is an operator responsible for one or more tags.
type Person struct {
	ID        int64     `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Email     string    `json:"email,omitempty" yaml:"email,omitempty"`
	Phone     string    `json:"phone,omitempty" yaml:"phone,omitempty"`
	Role      string    `json:"role,omitempty" yaml:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Validate checks the fields required to store a person.
func (p *Person) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: person name is required", ErrValidation)
	}
	return nil
}

// ActivityLog is an append-only audit entry.
type ActivityLog struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Activity actions appended by the monitor service.
const (
	ActivityConnect         = "connect"
	ActivityDisconnect      = "disconnect"
	ActivitySubscribe       = "subscribe"
	ActivityUnsubscribe     = "unsubscribe"
	ActivityTagCreated      = "tag_created"
	ActivityTagDeleted      = "tag_deleted"
	ActivitySettingsChanged = "settings_changed"
)
