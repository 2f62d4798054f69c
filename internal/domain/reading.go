package domain

import (
	"fmt"
	"math"
	"time"
)

// Quality is the trust level of a sampled value, derived from its OPC UA status code.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

// String returns the quality name stored with each reading.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	default:
		return "Bad"
	}
}

// QualityFromStatus classifies a raw OPC UA status code.
// Bad codes have bit 31 set, Uncertain codes have bit 30 set.
func QualityFromStatus(status uint32) Quality {
	switch {
	case status&0x80000000 != 0:
		return QualityBad
	case status&0x40000000 != 0:
		return QualityUncertain
	default:
		return QualityGood
	}
}

// Reading is an immutable sample persisted once per accepted notification.
type Reading struct {
	ID int64 `json:"id"`

	// TagID identifies the tag the sample belongs to
	TagID int64 `json:"tagId"`

	// Value is the numeric value, nil for non-numeric samples
	Value *float64 `json:"value"`

	// Quality is the quality name; always "Good" on the acceptance path
	Quality string `json:"quality"`

	// Timestamp is the source timestamp, or arrival time when the server sent none
	Timestamp time.Time `json:"timestamp"`
}

// NumericValue returns v as a float64 when it is a finite number, nil otherwise.
func NumericValue(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ReadingQuery selects readings of one tag within an optional time range.
type ReadingQuery struct {
	TagID  int64
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// DefaultReadingLimit caps queries that do not set a limit.
const DefaultReadingLimit = 100

// MaxReadingLimit is the largest page a query may request.
const MaxReadingLimit = 10000

// Normalize applies paging defaults and validates the range.
func (q *ReadingQuery) Normalize() error {
	if q.Limit <= 0 {
		q.Limit = DefaultReadingLimit
	}
	if q.Limit > MaxReadingLimit {
		return fmt.Errorf("%w: limit %d exceeds %d", ErrValidation, q.Limit, MaxReadingLimit)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrValidation, q.Offset)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return fmt.Errorf("%w: time range ends before it starts", ErrValidation)
	}
	return nil
}

// Matches reports whether ts falls within the query's range.
func (q *ReadingQuery) Matches(ts time.Time) bool {
	if !q.From.IsZero() && ts.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ts.After(q.To) {
		return false
	}
	return true
}
