package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/timeauth"
)

const testSecret = "an-observer-shared-secret"

func newTestServer(t *testing.T, f *fixture) (*Server, *httptest.Server, *TokenAuth) {
	t.Helper()
	auth := NewTokenAuth(testSecret)
	srv := NewServer(":0", f.obs)
	srv.SetAuth(auth)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, auth
}

func get(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { require.NoError(t, resp.Body.Close()) }()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	_, ts, _ := newTestServer(t, f)

	resp := get(t, ts, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["halted"])
	assert.Equal(t, false, body["ceased"])
}

func TestProtectedRoutesFailClosed(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	_, ts, auth := newTestServer(t, f)

	// No token at all.
	resp := get(t, ts, "/v1/transcript", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	require.NoError(t, resp.Body.Close())

	// A token signed with the wrong secret.
	forged, err := NewTokenAuth("some-other-secret").Issue("intruder", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)
	resp = get(t, ts, "/v1/transcript", forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// An expired token.
	expired, err := auth.Issue("auditor", []string{ScopeRead}, -time.Minute)
	require.NoError(t, err)
	resp = get(t, ts, "/v1/transcript", expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// A server with no verifier configured refuses every bearer.
	bare := NewServer(":0", f.obs)
	bareTS := httptest.NewServer(bare.Router())
	t.Cleanup(bareTS.Close)
	good, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)
	resp = get(t, bareTS, "/v1/transcript", good)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestScopeSeparation(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	_, ts, auth := newTestServer(t, f)

	reader, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)
	operator, err := auth.Issue("operator", []string{ScopeRead, ScopeOverride}, time.Hour)
	require.NoError(t, err)

	// Read scope covers the transcript but not the override index.
	resp := get(t, ts, "/v1/transcript", reader)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = get(t, ts, "/v1/overrides", reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = get(t, ts, "/v1/overrides", operator)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestTranscriptRoute(t *testing.T) {
	f := newFixture(t)
	cycleID := f.openReady("archon-a", "archon-b")
	f.utter(sessA, "for the record")
	_, ts, auth := newTestServer(t, f)
	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)

	resp := get(t, ts, "/v1/transcript?cycle="+cycleID, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	events, ok := body["events"].([]any)
	require.True(t, ok, "events missing from %v", body)
	assert.Equal(t, float64(len(events)), body["count"])
	assert.NotEmpty(t, events)

	resp = get(t, ts, "/v1/transcript?limit=borked", token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestAuditRouteValidation(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	f.utter(sessA, "on the record")
	_, ts, auth := newTestServer(t, f)
	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)

	// No filter at all.
	resp := get(t, ts, "/v1/audit", token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// A kind outside the closed set.
	resp = get(t, ts, "/v1/audit?kind=NotAThing", token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = get(t, ts, "/v1/audit?kind=AgentUtterance", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(1), body["count"])
}

func TestCostsRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.openReady("archon-a", "archon-b")
	f.close("done")
	_, _, err := f.pipe.OpenCycle(ctx, sessA, "next")
	require.NoError(t, err)
	_, ts, auth := newTestServer(t, f)
	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)

	resp := get(t, ts, "/v1/costs/"+first, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, first, body["cycle_id"])
	assert.NotNil(t, body["disclosed"])

	resp = get(t, ts, "/v1/costs/cyc-missing", token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestAttestationRoute(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	_, ts, auth := newTestServer(t, f)
	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)

	resp := get(t, ts, "/v1/attestation", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["advisory"])
	assert.Empty(t, body["findings"])
	assert.NotEmpty(t, body["tip_digest"])
}

func TestMetricsAndTimeRoutes(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(":0", f.obs)
	srv.SetGatherer(prometheus.NewRegistry())
	srv.SetTimeAuthority(timeauth.NewLocal())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp := get(t, ts, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = get(t, ts, "/v1/time/now", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.NotEmpty(t, body["now"])
}

func TestStreamFansOutAppends(t *testing.T) {
	f := newFixture(t)
	f.openReady("archon-a", "archon-b")
	srv, ts, auth := newTestServer(t, f)

	hub := NewHub()
	srv.SetHub(hub)
	f.svc.OnAppend(hub.Publish)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.Subscribers(), "subscriber never registered")

	f.utter(sessA, "a word for the wire")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev contracts.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, contracts.KindAgentUtterance, ev.Kind)
	assert.Equal(t, "archon-a", ev.ActorID)
	assert.NotEmpty(t, ev.ChainHash)
}

func TestStreamWithoutHub(t *testing.T) {
	f := newFixture(t)
	_, ts, auth := newTestServer(t, f)
	token, err := auth.Issue("auditor", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)

	resp := get(t, ts, "/v1/stream", token)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}
