package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/engine"
	"taskgraph/internal/logging"
	"taskgraph/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), logging.Discard())
	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	auth.Logger = logging.Discard()
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asAna = map[string]string{"X-Actor-Id": "ana"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
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
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env
}

func mustVersion(t *testing.T, res *http.Response, data []byte) uint64 {
	t.Helper()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var v VersionResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	return v.Version
}

// seedDiamond loads u1 plus a -> {b, c} -> d with durations 3/2/1/1.
func seedDiamond(t *testing.T, srv *testServer) uint64 {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/graph", map[string]any{
		"users": []map[string]any{{"id": "u1", "name": "Ana", "personas": []map[string]any{{"id": "p1", "capacity": 40}}}},
		"tasks": []map[string]any{
			{"id": "a", "title": "A", "ownerId": "u1", "personaId": "p1", "duration": 3},
			{"id": "b", "title": "B", "ownerId": "u1", "duration": 2, "dependencyIds": []string{"a"}},
			{"id": "c", "title": "C", "ownerId": "u1", "duration": 1, "dependencyIds": []string{"a"}},
			{"id": "d", "title": "D", "ownerId": "u1", "duration": 1, "dependencyIds": []string{"b", "c"}, "status": "In Progress"},
		},
	}, asAna)
	return mustVersion(t, res, data)
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/graph", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
}

func TestScheduleAndCycleRejection(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	v := seedDiamond(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/critical-path", nil, asAna)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("critical path: %d %s", res.StatusCode, data)
	}
	var cp CriticalPathResponse
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatal(err)
	}
	if cp.Version != v || strings.Join(cp.TaskIDs, ",") != "a,b,d" {
		t.Fatalf("unexpected critical path %+v", cp)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/c/slack", nil, asAna)
	var slack SlackResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &slack) != nil || slack.Slack != 1 {
		t.Fatalf("slack: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dependencies", map[string]any{"fromId": "a", "toId": "d"}, asAna)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "cycle" || env.Error.Details["path"] == nil {
		t.Fatalf("unexpected error %+v", env)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/d/classification", nil, asAna)
	var cls ClassificationResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &cls) != nil {
		t.Fatalf("classification: %d %s", res.StatusCode, data)
	}
	if cls.Classification.Status != "Blocked" || cls.Classification.Recorded != "InProgress" {
		t.Fatalf("unexpected classification %+v", cls.Classification)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/zzz", nil, asAna)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Error.Code != "unknown_task" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
}

func TestStaleVersionAndDeletePolicy(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	v := seedDiamond(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/tasks/a", nil, asAna)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "has_dependents" {
		t.Fatalf("expected has_dependents, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/tasks/d?cascade=true", nil, asAna)
	next := mustVersion(t, res, data)
	if next != v+1 {
		t.Fatalf("expected version %d, got %d", v+1, next)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schedule?version=1", nil, asAna)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "stale_snapshot" || env.Error.Details["current"] != float64(next) {
		t.Fatalf("unexpected error %+v", env)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/e", map[string]any{"title": "E", "ownerId": "u1", "progress": 120}, asAna)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Error.Details["field"] != "progress" {
		t.Fatalf("expected validation failure, got %d %s", res.StatusCode, data)
	}
}

func TestProposalEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	v := seedDiamond(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/users/u2", map[string]any{"name": "Ben"}, asAna)
	v = mustVersion(t, res, data)

	handoff := `{"kind":"handoff","taskId":"c","toUserId":"u2","reason":"balance"}`
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals?version=1", handoff, asAna)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "stale_snapshot" {
		t.Fatalf("expected stale proposal, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals?version="+strconv.FormatUint(v, 10), handoff, asAna)
	mustVersion(t, res, data)
	task, _, err := srv.Engine.Task("c", 0)
	if err != nil || task.OwnerID != "u2" || task.PersonaID != "u2:default" {
		t.Fatalf("handoff not applied: %+v %v", task, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals", `{"kind":"handoff","taskId":"c","toUserId":"u1","extra":1}`, asAna)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Error.Code != "invalid_proposal" {
		t.Fatalf("expected invalid proposal, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?entity_kind=task&limit=5", nil, asAna)
	var page paginatedEvents
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	if len(page.Items) != 1 || page.Items[0].EntityID != "c" || page.Items[0].ActorID != "ana" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
}

func TestZeroCapacityLoadEncodesNull(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/users/u1", map[string]any{
		"personas": []map[string]any{{"id": "p0", "capacity": 0}},
	}, asAna)
	mustVersion(t, res, data)
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/a", map[string]any{"title": "A", "ownerId": "u1", "personaId": "p0", "duration": 8}, asAna)
	mustVersion(t, res, data)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/load/u1/p0/0", nil, asAna)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load: %d %s", res.StatusCode, data)
	}
	var out struct {
		Load map[string]any `json:"load"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if v, ok := out.Load["percent"]; !ok || v != nil || out.Load["overloaded"] != true {
		t.Fatalf("expected null percent and overload, got %v", out.Load)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, asAna)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header must be ignored with a secret: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "bot"}, nil)
	var login DevLoginResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &login) != nil || login.Token == "" {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	var who WhoAmIResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &who) != nil || who.ActorID != "bot" || who.Source != "jwt" {
		t.Fatalf("me: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, data)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
		bodies   [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(data, &evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		bodies = append(bodies, data)
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{URL: hook.URL, Secret: "k", Events: []string{"graph.loaded"}}}, logging.Discard())
	d.SetCursor(0, 0)
	seedDiamond(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/users/u9", map[string]any{}, asAna)
	mustVersion(t, res, data)
	d.DispatchOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "graph.loaded" || received[0].ActorID != "ana" {
		t.Fatalf("unexpected deliveries %+v", received)
	}
	h := headers[0]
	if h.Get("X-Taskgraph-Event") != "graph.loaded" || h.Get("X-Taskgraph-Delivery") == "" {
		t.Fatalf("missing headers %v", h)
	}
	if h.Get(SignatureHeader) != Sign("k", bodies[0]) {
		t.Fatalf("bad signature %q", h.Get(SignatureHeader))
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	e := engine.New(nil, config.Default(), logging.Discard())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{Logger: logging.Discard()}, MaxBodyBytes: 64})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	big := `{"tasks":[{"id":"` + strings.Repeat("x", 256) + `","title":"big"}]}`
	req := httptest.NewRequest(http.MethodPut, "/v0/graph", strings.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "ana")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if env := decodeError(t, rec.Body.Bytes()); env.Error.Code != "body_too_large" {
		t.Fatalf("unexpected error %+v", env)
	}
	if e.Store.Version() != 0 {
		t.Fatalf("oversized body reached the store")
	}
}
