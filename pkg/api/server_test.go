package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/billing"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
	"github.com/codelaboratoryltd/rfgw/pkg/timer"
)

type fakeHandler struct {
	mu       sync.Mutex
	outcome  billing.Outcome
	requests []*billing.Request
	firings  []billing.TimerFiring
}

func (f *fakeHandler) HandleEvent(ctx context.Context, req *billing.Request) billing.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.outcome
}

func (f *fakeHandler) HandleTimerFired(ctx context.Context, fired billing.TimerFiring) billing.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firings = append(f.firings, fired)
	return f.outcome
}

type fakeRecorder struct {
	mu     sync.Mutex
	labels []string
}

func (f *fakeRecorder) RecordRequest(recordType, outcome string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, recordType+"/"+outcome)
}

type staticHealth []string

func (h staticHealth) Raised() []string { return h }

const startBody = `{"peers":{"ccf":["ccf1"]},"event":{"Accounting-Record-Type":2,"Acct-Interim-Interval":300}}`

func newTestServer(h *fakeHandler, rec *fakeRecorder, health HealthSource) *httptest.Server {
	s := NewServer(DefaultConfig(), h, health, rec, http.NotFoundHandler(), zap.NewNop())
	return httptest.NewServer(s.Handler())
}

func TestBillingRequest(t *testing.T) {
	h := &fakeHandler{outcome: billing.OK}
	rec := &fakeRecorder{}
	ts := newTestServer(h, rec, nil)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/call-id/abc%40example.com", strings.NewReader(startBody))
	req.Header.Set(HeaderTrailID, "trail-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trail-7", resp.Header.Get(HeaderTrailID))
	require.Len(t, h.requests, 1)
	got := h.requests[0]
	assert.Equal(t, "abc@example.com", got.CallID)
	assert.Equal(t, session.RecordStart, got.Kind)
	assert.Equal(t, uint32(300), got.InterimInterval)
	assert.Equal(t, "trail-7", got.TrailID)
	assert.Equal(t, []string{"START/ok"}, rec.labels)
}

func TestPutIsAccepted(t *testing.T) {
	h := &fakeHandler{outcome: billing.OK}
	ts := newTestServer(h, &fakeRecorder{}, nil)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/call-id/c1", strings.NewReader(startBody))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderTrailID))
	require.Len(t, h.requests, 1)
	assert.Equal(t, resp.Header.Get(HeaderTrailID), h.requests[0].TrailID)
}

func TestTimerFiring(t *testing.T) {
	h := &fakeHandler{outcome: billing.Ignored}
	rec := &fakeRecorder{}
	ts := newTestServer(h, rec, nil)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/call-id/c1?timer-interim=true&session-id=rfgw.local%3B17%3Bx", nil)
	req.Header.Set(timer.HeaderTimerID, "t-9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, h.requests)
	require.Len(t, h.firings, 1)
	assert.Equal(t, "c1", h.firings[0].CallID)
	assert.Equal(t, "t-9", h.firings[0].TimerID)
	assert.Equal(t, "rfgw.local;17;x", h.firings[0].SessionID)
	assert.NotEmpty(t, h.firings[0].TrailID)
	assert.Equal(t, []string{"INTERIM/ignored"}, rec.labels)
}

func TestMalformedRequest(t *testing.T) {
	h := &fakeHandler{outcome: billing.OK}
	rec := &fakeRecorder{}
	ts := newTestServer(h, rec, nil)
	defer ts.Close()

	for _, body := range []string{`not json`, `{"event":{}}`, `{"event":{"Accounting-Record-Type":7}}`} {
		resp, err := http.Post(ts.URL+"/call-id/c1", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, h.requests)
	assert.Equal(t, []string{"UNKNOWN/malformed", "UNKNOWN/malformed", "UNKNOWN/malformed"}, rec.labels)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(&fakeHandler{}, &fakeRecorder{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/call-id/c1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		out  billing.Outcome
		want int
	}{
		{billing.OK, http.StatusOK},
		{billing.Ignored, http.StatusOK},
		{billing.NotFound, http.StatusNotFound},
		{billing.AlreadyExists, http.StatusConflict},
		{billing.Conflict, http.StatusServiceUnavailable},
		{billing.UpstreamUnavailable, http.StatusServiceUnavailable},
		{billing.Rejected, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.out.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.out))
		})
	}
}

func TestOutcomeReachesClient(t *testing.T) {
	h := &fakeHandler{outcome: billing.NotFound}
	ts := newTestServer(h, &fakeRecorder{}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/call-id/c1", "application/json", strings.NewReader(startBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPingAndHealth(t *testing.T) {
	ts := newTestServer(&fakeHandler{}, &fakeRecorder{}, staticHealth{"cdf"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status string   `json:"status"`
		Alarms []string `json:"alarms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, []string{"cdf"}, health.Alarms)
}

func TestHealthyWithoutAlarms(t *testing.T) {
	ts := newTestServer(&fakeHandler{}, &fakeRecorder{}, staticHealth(nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, &fakeHandler{}, nil, nil, nil, zap.NewNop())
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestTimerFiringWithoutIdentity(t *testing.T) {
	h := &fakeHandler{outcome: billing.OK}
	ts := newTestServer(h, &fakeRecorder{}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/call-id/c1?timer-interim=true", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, h.firings, 1)
	assert.Empty(t, h.firings[0].TimerID)
	assert.Empty(t, h.firings[0].SessionID)
}
