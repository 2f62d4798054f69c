package domain

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") and test them with errors.Is.
var (
	// ErrNotConnected is returned when an operation needs a live session and none exists.
	ErrNotConnected = errors.New("not connected to an OPC UA server")

	// ErrProtocolFailure wraps stack-level connect, read, browse and subscribe errors.
	ErrProtocolFailure = errors.New("OPC UA protocol failure")

	// ErrValidation marks malformed input to a command.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a referenced tag, connection, person or settings row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks a correlated request that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrPersistence wraps storage port errors.
	ErrPersistence = errors.New("persistence failure")
)
