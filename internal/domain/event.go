package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventType tags every message pushed on the real-time channel.
type EventType string

const (
	EventConnectionStatus  EventType = "connection_status"
	EventValueChange       EventType = "value_change"
	EventValueChangesBatch EventType = "value_changes_batch"
	EventBrowseResult      EventType = "browse_result"
	EventError             EventType = "error"
	EventPong              EventType = "pong"
)

// Event is a typed message for the event sink.
type Event interface {
	EventType() EventType
}

// Publisher pushes events to consumers. Publish must not block on slow consumers.
type Publisher interface {
	Publish(event Event) error
}

// Responder sends an event to the single consumer that issued a command.
type Responder interface {
	Send(event Event) error
}

// ConnectionStatus reports session state changes.
type ConnectionStatus struct {
	Type         EventType `json:"type"`
	Connected    bool      `json:"connected"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Reconnecting bool      `json:"reconnecting,omitempty"`
	Retry        int       `json:"retry,omitempty"`
	Delay        int64     `json:"delay,omitempty"`
	Message      string    `json:"message,omitempty"`
}

func (ConnectionStatus) EventType() EventType { return EventConnectionStatus }

// NewConnectionStatus builds a connected/disconnected status event.
func NewConnectionStatus(connected bool, endpoint, message string) ConnectionStatus {
	return ConnectionStatus{
		Type:      EventConnectionStatus,
		Connected: connected,
		Endpoint:  endpoint,
		Message:   message,
	}
}

// NewReconnectingStatus builds the status event emitted before each reconnect attempt.
func NewReconnectingStatus(endpoint string, attempt int, delay time.Duration) ConnectionStatus {
	return ConnectionStatus{
		Type:         EventConnectionStatus,
		Connected:    false,
		Endpoint:     endpoint,
		Reconnecting: true,
		Retry:        attempt,
		Delay:        delay.Milliseconds(),
	}
}

// ValueChange is one accepted sample forwarded to consumers.
type ValueChange struct {
	Type      EventType `json:"type"`
	NodeID    string    `json:"nodeId"`
	Value     any       `json:"value"`
	DataType  string    `json:"dataType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (ValueChange) EventType() EventType { return EventValueChange }

// NewValueChange builds a value_change event.
func NewValueChange(nodeID string, value any, dataType string, ts time.Time) ValueChange {
	return ValueChange{
		Type:      EventValueChange,
		NodeID:    nodeID,
		Value:     value,
		DataType:  dataType,
		Timestamp: ts,
	}
}

// ValueChangesBatch carries every value change accumulated in one batching window, in arrival order.
type ValueChangesBatch struct {
	Type    EventType     `json:"type"`
	Changes []ValueChange `json:"changes"`
}

func (ValueChangesBatch) EventType() EventType { return EventValueChangesBatch }

// NewValueChangesBatch builds a value_changes_batch event.
func NewValueChangesBatch(changes []ValueChange) ValueChangesBatch {
	return ValueChangesBatch{Type: EventValueChangesBatch, Changes: changes}
}

// BrowseResult answers a browse or browseNext command.
type BrowseResult struct {
	Type              EventType        `json:"type"`
	NodeID            string           `json:"nodeId,omitempty"`
	RequestID         string           `json:"requestId"`
	Nodes             []NodeDescriptor `json:"nodes"`
	ContinuationPoint string           `json:"continuationPoint,omitempty"`
}

func (BrowseResult) EventType() EventType { return EventBrowseResult }

// NewBrowseResult builds a browse_result event from a page.
func NewBrowseResult(requestID string, page BrowsePage) BrowseResult {
	nodes := page.Nodes
	if nodes == nil {
		nodes = []NodeDescriptor{}
	}
	return BrowseResult{
		Type:              EventBrowseResult,
		NodeID:            page.NodeID,
		RequestID:         requestID,
		Nodes:             nodes,
		ContinuationPoint: page.ContinuationPoint,
	}
}

// ErrorEvent reports a failed command.
type ErrorEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Message   string    `json:"message"`
}

func (ErrorEvent) EventType() EventType { return EventError }

// NewErrorEvent builds an error event.
func NewErrorEvent(requestID, message string) ErrorEvent {
	return ErrorEvent{Type: EventError, RequestID: requestID, Message: message}
}

// Pong answers a ping command.
type Pong struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (Pong) EventType() EventType { return EventPong }

// NewPong builds a pong event.
func NewPong(ts time.Time) Pong {
	return Pong{Type: EventPong, Timestamp: ts}
}

// CommandType tags inbound real-time channel messages.
type CommandType string

const (
	CommandBrowse     CommandType = "browse"
	CommandBrowseNext CommandType = "browseNext"
	CommandPing       CommandType = "ping"
)

// Command is an inbound message from a real-time consumer.
type Command struct {
	Type              CommandType `json:"type"`
	NodeID            string      `json:"nodeId,omitempty"`
	ContinuationPoint string      `json:"continuationPoint,omitempty"`
	RequestID         string      `json:"requestId,omitempty"`
}

// ParseCommand decodes and validates an inbound message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: malformed command: %v", ErrValidation, err)
	}

	switch cmd.Type {
	case CommandPing:
	case CommandBrowse:
		if strings.TrimSpace(cmd.RequestID) == "" {
			return cmd, fmt.Errorf("%w: browse requires requestId", ErrValidation)
		}
	case CommandBrowseNext:
		if strings.TrimSpace(cmd.RequestID) == "" {
			return cmd, fmt.Errorf("%w: browseNext requires requestId", ErrValidation)
		}
		if cmd.ContinuationPoint == "" {
			return cmd, fmt.Errorf("%w: browseNext requires continuationPoint", ErrValidation)
		}
	default:
		return cmd, fmt.Errorf("%w: unknown command type %q", ErrValidation, cmd.Type)
	}
	return cmd, nil
}
