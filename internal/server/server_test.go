package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-monitor/internal/app"
	"github.com/mrcode/nightscout-monitor/internal/classify"
	"github.com/mrcode/nightscout-monitor/internal/icon"
	"github.com/mrcode/nightscout-monitor/internal/models"
	"github.com/mrcode/nightscout-monitor/internal/nightscout"
	"github.com/mrcode/nightscout-monitor/internal/scheduler"
)

type fakeMonitor struct {
	vm         app.ViewModel
	setErr     error
	resetErr   error
	rangeErr   error
	refreshErr error
	testStatus *models.ServerStatus
	testErr    error
	panicOnVM  bool

	conns []models.Connection
	hours []int
	reset int
}

func (m *fakeMonitor) ViewModel() app.ViewModel {
	if m.panicOnVM {
		panic("boom")
	}
	return m.vm
}

func (m *fakeMonitor) SetConfiguration(_ context.Context, conn models.Connection) error {
	m.conns = append(m.conns, conn)
	return m.setErr
}

func (m *fakeMonitor) ResetConfiguration(context.Context) error {
	m.reset++
	return m.resetErr
}

func (m *fakeMonitor) SetTimeRange(_ context.Context, hours int) error {
	m.hours = append(m.hours, hours)
	return m.rangeErr
}

func (m *fakeMonitor) RefreshNow(context.Context) error {
	return m.refreshErr
}

func (m *fakeMonitor) TestConnection(_ context.Context, conn models.Connection) (*models.ServerStatus, error) {
	m.conns = append(m.conns, conn)
	return m.testStatus, m.testErr
}

func newTestServer(t *testing.T, monitor *fakeMonitor) (http.Handler, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	icons, err := icon.NewRenderer(4)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	scheduler.NewMetrics(reg)

	srv := NewServer(monitor, icons, reg, logger, Config{Addr: "127.0.0.1:0"})
	return srv.Routes(), hook
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStatusHandler(t *testing.T) {
	value := 123
	h, _ := newTestServer(t, &fakeMonitor{vm: app.ViewModel{
		Configured: true,
		Value:      &value,
		ValueText:  "123",
		Level:      classify.LevelInRange,
		Series:     []models.ChartPoint{{Label: "10:00", Value: 123, Timestamp: 1}},
		RangeHours: 24,
	}})

	w := do(t, h, http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["configured"])
	assert.Equal(t, float64(123), body["value"])
	assert.Equal(t, "in_range", body["level"])
	series := body["series"].([]any)
	require.Len(t, series, 1)
	assert.Equal(t, "10:00", series[0].(map[string]any)["time"])
	assert.Equal(t, float64(123), series[0].(map[string]any)["glucose"])
}

func TestSetConnectionHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setErr     error
		wantStatus int
	}{
		{"valid", `{"nightscoutUrl":"https://ns.example.com","apiSecret":"s"}`, nil, http.StatusOK},
		{"validation", `{"nightscoutUrl":""}`, &models.ValidationError{Field: "nightscoutUrl", Reason: "must not be empty"}, http.StatusBadRequest},
		{"invalid_json", `{"nightscoutUrl":`, nil, http.StatusBadRequest},
		{"unknown_field", `{"url":"https://ns.example.com"}`, nil, http.StatusBadRequest},
		{"store_failure", `{"nightscoutUrl":"https://ns.example.com"}`, errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := &fakeMonitor{setErr: tt.setErr}
			h, _ := newTestServer(t, monitor)

			w := do(t, h, http.MethodPut, "/api/connection", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSetConnectionHandler_PassesConnection(t *testing.T) {
	monitor := &fakeMonitor{}
	h, _ := newTestServer(t, monitor)

	w := do(t, h, http.MethodPut, "/api/connection", `{"nightscoutUrl":"https://ns.example.com","apiSecret":"s"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, monitor.conns, 1)
	assert.Equal(t, "https://ns.example.com", monitor.conns[0].NightscoutURL)
	assert.Equal(t, "s", monitor.conns[0].APISecret)
}

func TestSetConnectionHandler_ValidationField(t *testing.T) {
	h, _ := newTestServer(t, &fakeMonitor{
		setErr: &models.ValidationError{Field: "nightscoutUrl", Reason: "scheme must be http or https"},
	})

	w := do(t, h, http.MethodPut, "/api/connection", `{"nightscoutUrl":"ftp://x"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, "nightscoutUrl", resp.Field)
	assert.Contains(t, resp.Error, "scheme")
}

func TestResetConnectionHandler(t *testing.T) {
	monitor := &fakeMonitor{}
	h, _ := newTestServer(t, monitor)

	w := do(t, h, http.MethodDelete, "/api/connection", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, monitor.reset)
}

func TestTestConnectionHandler(t *testing.T) {
	tests := []struct {
		name       string
		status     *models.ServerStatus
		err        error
		wantStatus int
	}{
		{"ok", &models.ServerStatus{Status: "ok", Version: "15.0.2"}, nil, http.StatusOK},
		{"unauthorized", nil, &nightscout.HTTPError{Endpoint: "/api/v1/status.json", Status: 401}, http.StatusBadGateway},
		{"unreachable", nil, &nightscout.TransportError{Endpoint: "/api/v1/status.json", Err: errors.New("refused")}, http.StatusBadGateway},
		{"garbage", nil, &nightscout.DecodeError{Endpoint: "/api/v1/status.json", Err: errors.New("eof")}, http.StatusBadGateway},
		{"invalid", nil, &models.ValidationError{Field: "nightscoutUrl", Reason: "must not be empty"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, &fakeMonitor{testStatus: tt.status, testErr: tt.err})

			w := do(t, h, http.MethodPost, "/api/connection/test", `{"nightscoutUrl":"https://ns.example.com"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.status != nil {
				assert.Contains(t, w.Body.String(), "15.0.2")
			}
		})
	}
}

func TestSetRangeHandler(t *testing.T) {
	monitor := &fakeMonitor{}
	h, _ := newTestServer(t, monitor)

	w := do(t, h, http.MethodPut, "/api/range", `{"hours":6}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{6}, monitor.hours)

	monitor.rangeErr = &models.ValidationError{Field: "timeRange", Reason: "unsupported range 5h"}
	w = do(t, h, http.MethodPut, "/api/range", `{"hours":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommandsRequireJSON(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		wantStatus  int
	}{
		{"test_plain_text", http.MethodPost, "/api/connection/test", "text/plain", http.StatusUnsupportedMediaType},
		{"set_form", http.MethodPut, "/api/connection", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"range_missing", http.MethodPut, "/api/range", "", http.StatusUnsupportedMediaType},
		{"json_charset", http.MethodPost, "/api/connection/test", "application/json; charset=utf-8", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := &fakeMonitor{testStatus: &models.ServerStatus{Status: "ok"}}
			h, _ := newTestServer(t, monitor)

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(`{"nightscoutUrl":"https://ns.example.com"}`))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnsupportedMediaType {
				assert.Empty(t, monitor.conns)
			}
		})
	}
}

func TestRefreshHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not_configured", app.ErrNotConfigured, http.StatusConflict},
		{"stopped", scheduler.ErrStopped, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, &fakeMonitor{refreshErr: tt.err})

			w := do(t, h, http.MethodPost, "/api/refresh", "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestIconHandler(t *testing.T) {
	h, _ := newTestServer(t, &fakeMonitor{vm: app.ViewModel{
		ValueText: "65",
		Level:     classify.LevelLow,
		Trend:     classify.TrendFalling,
	}})

	w := do(t, h, http.MethodGet, "/api/icon.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, icon.Size, img.Bounds().Dx())

	w = do(t, h, http.MethodGet, "/api/icon.ico", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/x-icon", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0, 0, 1, 0, 1, 0}, w.Body.Bytes()[:6])
}

func TestMetricsAndLivez(t *testing.T) {
	h, _ := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nightscout_monitor_sync_triggers_coalesced_total")

	w = do(t, h, http.MethodGet, "/livez", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodGet, "/api/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRequestID(t *testing.T) {
	h, hook := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodGet, "/livez", "")
	generated := w.Header().Get(requestIDHeader)
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "abc-123", entry.Data["request_id"])
	assert.Equal(t, "/livez", entry.Data["path"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])
}

func TestRecoverer(t *testing.T) {
	h, _ := newTestServer(t, &fakeMonitor{panicOnVM: true})

	w := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
