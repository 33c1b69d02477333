package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"

	"make24/internal/app"
	"make24/internal/clock"
	"make24/internal/config"
	"make24/internal/db"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/events"
	"make24/internal/guest"
	"make24/internal/metrics"
	"make24/internal/migrate"
)

const testSecret = "test-secret"

var testStart = time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC).UnixMilli()

type testServer struct {
	URL   string
	Clock *clock.Manual
	close func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Challenge.Tick = 10 * time.Millisecond
	cfg.Server.JWTSecret = testSecret
	cfg.Server.RateLimit.RPS = 0
	if tweak != nil {
		tweak(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := clock.NewManual(testStart)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := New(Config{
		Factory:  app.Factory{LocalDB: conn, Config: cfg, Metrics: m, Clock: clk},
		Metrics:  m,
		Gatherer: reg,
		Context:  ctx,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:   "http://" + ln.Addr().String(),
		Clock: clk,
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func getState(t *testing.T, client *http.Client, srv *testServer) ChallengeStateResponse {
	t.Helper()
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenge", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get challenge status %d: %s", res.StatusCode, string(data))
	}
	var state ChallengeStateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	return state
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(items []int, v int) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}

func TestGuestChallengeFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "Ship the landing page"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started ChallengeStateResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.Phase != domain.PhaseActive || started.Mode != domain.ModeGuest || len(started.Milestones) != 3 {
		t.Fatalf("unexpected state %+v", started)
	}
	var cookie bool
	for _, c := range res.Cookies() {
		if c.Name == GuestCookieName && validGuestID(c.Value) {
			cookie = true
		}
	}
	if !cookie {
		t.Fatalf("guest cookie not minted")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "another"}, nil)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/checkins", map[string]any{"milestone": 75, "mood": "good"}, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	srv.Clock.Advance(6 * time.Hour)
	waitFor(t, "milestone 75", func() bool { return contains(getState(t, client, srv).Fired, 75) })
	if state := getState(t, client, srv); !contains(state.Pending, 75) || state.Countdown.Hours != 18 {
		t.Fatalf("unexpected state after 6h %+v", state)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/checkins", map[string]any{"milestone": 75, "mood": "💪", "reflection": "on track"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check in status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/checkins", map[string]any{"milestone": 75, "mood": "good"}, nil)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/end", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/outcome", map[string]any{"rating": 9}, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
	if state := getState(t, client, srv); state.Phase != domain.PhaseCompleted {
		t.Fatalf("phase after bad rating %s", state.Phase)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/outcome", map[string]any{
		"rating":   5,
		"evidence": []map[string]any{{"kind": "link", "url": "https://example.com/launch"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", res.StatusCode, string(data))
	}
	var result engine.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if *result.Challenge.Outcome != domain.DefaultOutcome || result.Profile.TotalCompleted != 1 || result.Profile.MoodCounts[domain.MoodStrong] != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenges", nil, nil)
	var history ChallengeListResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &history) != nil || len(history.Items) != 1 {
		t.Fatalf("history %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenges/"+history.Items[0].ID+"/checkins", nil, nil)
	var checkIns CheckInListResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &checkIns) != nil || len(checkIns.Items) != 1 {
		t.Fatalf("check-ins %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/binder?recent=5", nil, nil)
	var binder domain.Binder
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &binder) != nil {
		t.Fatalf("binder %d: %s", res.StatusCode, string(data))
	}
	if binder.Profile.TotalCompleted != 1 || len(binder.RecentCheckIns) != 1 {
		t.Fatalf("unexpected binder %+v", binder)
	}
	if state := getState(t, client, srv); state.Phase != domain.PhaseIdle {
		t.Fatalf("phase after submit %s", state.Phase)
	}
}

func TestBlankGoalIsBadRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "   "}, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
	if state := getState(t, client, srv); state.Phase != domain.PhaseIdle {
		t.Fatalf("phase %s", state.Phase)
	}
}

func TestAbandonAndRestart(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/challenge", nil, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "first try"}, nil)
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/challenge", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("abandon status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "second try"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("restart status %d: %s", res.StatusCode, string(data))
	}
}

func TestGuestsAreIsolated(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := newClient(t), newClient(t)
	doJSON(t, a, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "mine"}, nil)
	if state := getState(t, b, srv); state.Phase != domain.PhaseIdle {
		t.Fatalf("second device sees phase %s", state.Phase)
	}
}

func TestDismissMilestone(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "dismiss"}, nil)
	srv.Clock.Advance(6 * time.Hour)
	waitFor(t, "pending 75", func() bool { return contains(getState(t, client, srv).Pending, 75) })
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/milestones/75/dismiss", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dismiss status %d: %s", res.StatusCode, string(data))
	}
	var state ChallengeStateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if contains(state.Pending, 75) || len(state.CheckedIn) != 0 {
		t.Fatalf("unexpected state %+v", state)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge/milestones/33/dismiss", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestAccountRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	token, err := IssueToken(testSecret, "user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenge", nil, bearer)
	expectError(t, res, data, http.StatusServiceUnavailable, "storage_unavailable")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenge", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	other, _ := IssueToken("other-secret", "user-1", nil, time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/challenge", nil, map[string]string{"Authorization": "Bearer " + other})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/migrate", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/overview", nil, bearer)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	admin, _ := IssueToken(testSecret, "admin-1", []string{"admin"}, time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/overview", nil, map[string]string{"Authorization": "Bearer " + admin})
	expectError(t, res, data, http.StatusServiceUnavailable, "storage_unavailable")
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.RPS = 0.001
		cfg.Server.RateLimit.Burst = 2
	})
	client := newClient(t)
	for i := 0; i < 2; i++ {
		if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}

func TestMetricsAndDocs(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "http_requests_total") {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v1/challenge") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
}

func TestStreamDeliversSnapshotsAndMilestones(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"goal": "stream"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/challenge/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first StreamMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil || first.Snapshot.Phase != domain.PhaseActive {
		t.Fatalf("unexpected first frame %+v", first)
	}

	srv.Clock.Advance(6 * time.Hour)
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for milestone: %v", err)
		}
		if msg.Type == "event" && msg.Event.Kind == events.KindMilestone {
			if msg.Event.Milestone != 75 || msg.Event.Goal != "stream" {
				t.Fatalf("unexpected event %+v", msg.Event)
			}
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHandleErrorMapsPartialMigration(t *testing.T) {
	err := handleError(&guest.MigrationPartialFailure{Migrated: 2, Total: 5, FailedID: "c3", Err: io.ErrUnexpectedEOF})
	apiErr, ok := err.(*apiError)
	if !ok || apiErr.status != http.StatusBadGateway || apiErr.Body.Code != "migration_partial" {
		t.Fatalf("unexpected mapping %+v", err)
	}
	if apiErr.Body.Details["migrated"] != 2 || apiErr.Body.Details["failed_id"] != "c3" {
		t.Fatalf("details %+v", apiErr.Body.Details)
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.RPS = 0.001
		cfg.Server.RateLimit.Burst = 2
	})
	client := newClient(t)
	for i := 0; i < 2; i++ {
		hdr := map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i+1)}
		if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, hdr); res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{"X-Forwarded-For": "203.0.113.99"})
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}

func TestRateLimitUsesForwardedForBehindTrustedProxy(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.RPS = 0.001
		cfg.Server.RateLimit.Burst = 1
		cfg.Server.TrustProxy = true
	})
	client := newClient(t)
	for i := 0; i < 3; i++ {
		hdr := map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i+1)}
		if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, hdr); res.StatusCode != http.StatusOK {
			t.Fatalf("client %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{"X-Forwarded-For": "203.0.113.1"})
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}
