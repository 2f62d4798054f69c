package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/memory"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/service"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMonitor drives the store directly and fails on demand.
type fakeMonitor struct {
	store     *memory.Store
	connected bool
	err       error
	applyErr  error
}

func (m *fakeMonitor) Connect(ctx context.Context, id int64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	p, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return "", err
	}
	m.connected = true
	return p.Endpoint(), m.store.SetActiveConnection(ctx, id)
}

func (m *fakeMonitor) Disconnect(ctx context.Context) error {
	m.connected = false
	return m.store.SetActiveConnection(ctx, 0)
}

func (m *fakeMonitor) Subscribe(ctx context.Context, id int64) (domain.Tag, error) {
	if m.err != nil {
		return domain.Tag{}, m.err
	}
	return m.store.SetTagSubscribed(ctx, id, true)
}

func (m *fakeMonitor) Unsubscribe(ctx context.Context, id int64) (domain.Tag, error) {
	return m.store.SetTagSubscribed(ctx, id, false)
}

func (m *fakeMonitor) AddTag(ctx context.Context, nodeID string, personID *int64) (domain.Tag, error) {
	if m.err != nil {
		return domain.Tag{}, m.err
	}
	return m.store.CreateTag(ctx, domain.Tag{NodeID: nodeID, DisplayName: nodeID, PersonID: personID})
}

func (m *fakeMonitor) AddTags(ctx context.Context, nodeIDs []string) ([]domain.Tag, error) {
	tags := make([]domain.Tag, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		tags = append(tags, domain.Tag{NodeID: id, DisplayName: id})
	}
	return m.store.CreateTags(ctx, tags)
}

func (m *fakeMonitor) DeleteTag(ctx context.Context, id int64) error {
	return m.store.DeleteTag(ctx, id)
}

func (m *fakeMonitor) AssignPerson(ctx context.Context, tagID int64, personID *int64) (domain.Tag, error) {
	return m.store.AssignPerson(ctx, tagID, personID)
}

func (m *fakeMonitor) SetDefaultSettings(ctx context.Context, s domain.SubscriptionSettings) (domain.SubscriptionSettings, error) {
	if err := s.Validate(); err != nil {
		return domain.SubscriptionSettings{}, err
	}
	saved, err := m.store.SaveSettings(ctx, s)
	if err != nil {
		return domain.SubscriptionSettings{}, err
	}
	return saved, m.applyErr
}

func (m *fakeMonitor) Status() service.MonitorStatus {
	return service.MonitorStatus{Connected: m.connected, State: "connected", ActiveNodes: []string{}}
}

type harness struct {
	store   *memory.Store
	monitor *fakeMonitor
	handler http.Handler
}

func newHarness() *harness {
	store := memory.NewStore()
	monitor := &fakeMonitor{store: store}
	mux := http.NewServeMux()
	NewServer(monitor, store, zerolog.Nop()).Register(mux)
	return &harness{store: store, monitor: monitor, handler: mux}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad port", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: tag 4", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrNotConnected, http.StatusConflict},
		{fmt.Errorf("%w: BadNodeIdUnknown", domain.ErrProtocolFailure), http.StatusBadGateway},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: pool closed", domain.ErrPersistence), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}

func TestConnections(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodPost, "/api/connections", map[string]interface{}{
		"name": "reservoir", "host": "10.0.0.5", "port": 4840,
		"securityPolicy": "Basic256Sha256", "securityMode": "SignAndEncrypt",
		"username": "operator", "password": "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	var created domain.ConnectionProfile
	decodeBody(t, rec, &created)
	assert.Equal(t, domain.SecurityPolicyBasic256Sha256, created.SecurityPolicy)

	t.Run("mismatched security is rejected", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/connections", map[string]interface{}{
			"host": "10.0.0.5", "port": 4840, "securityPolicy": "None", "securityMode": "Sign",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/connections", map[string]interface{}{"hostname": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update keeps password", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, fmt.Sprintf("/api/connections/%d", created.ID), map[string]interface{}{
			"name": "reservoir-2", "host": "10.0.0.6", "port": 4841,
			"securityPolicy": "Basic256Sha256", "securityMode": "SignAndEncrypt", "username": "operator",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		stored, err := h.store.GetConnection(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "secret", stored.Password)
		assert.Equal(t, 4841, stored.Port)
	})

	t.Run("connect and refuse delete while active", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/connections/%d/connect", created.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		decodeBody(t, rec, &body)
		assert.Equal(t, "opc.tcp://10.0.0.6:4841", body["endpoint"])

		rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/connections/%d", created.ID), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodPost, "/api/disconnect", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/connections/%d", created.ID), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("connect failure maps to bad gateway", func(t *testing.T) {
		h.monitor.err = fmt.Errorf("%w: connection refused", domain.ErrProtocolFailure)
		defer func() { h.monitor.err = nil }()

		rec := h.do(t, http.MethodPost, "/api/connections/99/connect", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		var body map[string]string
		decodeBody(t, rec, &body)
		assert.Contains(t, body["error"], "connection refused")
	})

	rec = h.do(t, http.MethodGet, "/api/connections/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/connections/404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTagsAndReadings(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/tags", map[string]string{"nodeId": "ns=2;s=LevelA"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tag domain.Tag
	decodeBody(t, rec, &tag)

	rec = h.do(t, http.MethodPost, "/api/tags/bulk", map[string][]string{"nodeIds": {"ns=2;s=LevelB", "ns=2;s=LevelC"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tags/%d/subscribe", tag.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/tags?subscribed=true", nil)
	var subscribed []domain.Tag
	decodeBody(t, rec, &subscribed)
	require.Len(t, subscribed, 1)
	assert.Equal(t, tag.ID, subscribed[0].ID)

	t.Run("subscribe failure is reported", func(t *testing.T) {
		h.monitor.err = fmt.Errorf("%w: BadTooManyMonitoredItems", domain.ErrProtocolFailure)
		defer func() { h.monitor.err = nil }()
		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/tags/%d/subscribe", tag.ID), nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("person assignment", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/people", map[string]string{"name": "Operator"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var person domain.Person
		decodeBody(t, rec, &person)

		rec = h.do(t, http.MethodPut, fmt.Sprintf("/api/tags/%d/person", tag.ID), map[string]int64{"personId": person.ID})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/people/%d/tags", person.ID), nil)
		var owned []domain.Tag
		decodeBody(t, rec, &owned)
		assert.Len(t, owned, 1)

		rec = h.do(t, http.MethodPut, fmt.Sprintf("/api/tags/%d/person", tag.ID), map[string]interface{}{"personId": nil})
		require.Equal(t, http.StatusOK, rec.Code)
		var cleared domain.Tag
		decodeBody(t, rec, &cleared)
		assert.Nil(t, cleared.PersonID)
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		v := float64(i)
		_, err := h.store.InsertReading(ctx, domain.Reading{TagID: tag.ID, Value: &v, Quality: "Good", Timestamp: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	t.Run("readings range and paging", func(t *testing.T) {
		path := fmt.Sprintf("/api/tags/%d/readings?from=%s&limit=2", tag.ID, base.Add(2*time.Minute).Format(time.RFC3339))
		rec := h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var readings []domain.Reading
		decodeBody(t, rec, &readings)
		require.Len(t, readings, 2)
		assert.Equal(t, 4.0, *readings[0].Value)
	})

	t.Run("readings reject bad input", func(t *testing.T) {
		for _, q := range []string{"from=yesterday", "limit=x", "limit=20000", "offset=-1"} {
			rec := h.do(t, http.MethodGet, fmt.Sprintf("/api/tags/%d/readings?%s", tag.ID, q), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
		rec := h.do(t, http.MethodGet, "/api/tags/999/readings", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	rec = h.do(t, http.MethodGet, "/api/readings/latest", nil)
	var latest []domain.Reading
	decodeBody(t, rec, &latest)
	require.Len(t, latest, 1)
	assert.Equal(t, 4.0, *latest[0].Value)

	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/tags/%d", tag.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/tags/%d", tag.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettings(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/settings/default", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/settings/default", map[string]interface{}{
		"publishingIntervalMs": 5, "samplingIntervalMs": 0, "queueSize": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/settings/default", map[string]interface{}{
		"publishingIntervalMs": 200, "samplingIntervalMs": 100, "queueSize": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/settings/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var def settingsBody
	decodeBody(t, rec, &def)
	assert.Equal(t, int64(200), def.PublishingIntervalMs)
	assert.True(t, def.IsDefault)

	h.monitor.applyErr = fmt.Errorf("%w: ns=2;s=LevelB: BadNodeIdUnknown", domain.ErrProtocolFailure)
	rec = h.do(t, http.MethodPut, "/api/settings/default", map[string]interface{}{
		"name": "slow", "publishingIntervalMs": 2000, "samplingIntervalMs": 1000, "queueSize": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp["warning"], "BadNodeIdUnknown")

	rec = h.do(t, http.MethodGet, "/api/settings", nil)
	var all []settingsBody
	decodeBody(t, rec, &all)
	assert.Len(t, all, 2)
}

func TestStatusAndActivity(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.store.AppendActivity(context.Background(), domain.ActivityConnect, "connected"))

	rec := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.MonitorStatus
	decodeBody(t, rec, &status)
	assert.False(t, status.Connected)

	rec = h.do(t, http.MethodGet, "/api/activity?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.ActivityLog
	decodeBody(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActivityConnect, entries[0].Action)

	rec = h.do(t, http.MethodGet, "/api/activity?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	store := memory.NewStore()
	server := NewServer(&fakeMonitor{store: store}, store, zerolog.Nop())
	server.AddStats("mqtt", func() map[string]interface{} {
		return map[string]interface{}{"published": 3}
	})
	mux := http.NewServeMux()
	server.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, float64(3), body["mqtt"]["published"])
	assert.Contains(t, body, "monitor")
}
