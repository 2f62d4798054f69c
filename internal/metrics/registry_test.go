package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistryRecords(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	r.SetSessionConnected(true)
	r.IncNotificationsDiscarded("bad_quality")
	r.IncNotificationsDiscarded("bad_quality")
	r.ObserveBrowse("browse", errors.New("boom"), 0.01)
	r.ObserveBatch(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.notificationsDropped.WithLabelValues("bad_quality")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.browseRequests.WithLabelValues("browse", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batchesFlushed))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.SetSessionConnected(true)
		r.IncReconnectAttempts()
		r.ObserveBatch(10)
		r.SetPendingRequests(2)
	})
}
