package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/jobs"
	"github.com/agentworkforce/relaygraph/internal/provenance"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

type testServer struct {
	server     *Server
	dispatcher *relaygraph.Dispatcher
	graph      *graph.MemoryStore
	commits    *provenance.Store
	hub        *relaygraph.Hub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, capacity int, cfg ServerConfig, mutate func(*Deps)) *testServer {
	t.Helper()
	runner := jobs.NewRunner(jobs.Options{Name: "httpapi-test", Logger: discardLogger()})
	dispatcher := relaygraph.NewDispatcher(runner, relaygraph.DispatcherOptions{Logger: discardLogger()})
	dispatcher.AddQueue(relaygraph.QueueSync, relaygraph.NewMemoryWorkQueue(capacity))
	g := graph.NewMemoryStore()
	commits := provenance.NewStore(g, provenance.StoreOptions{Signer: provenance.NewSigner("commit-secret", nil), Logger: discardLogger()})
	hub := relaygraph.NewHub()
	deps := Deps{
		Jobs:    dispatcher,
		Commits: commits,
		Events:  hub,
		Depths:  dispatcher.Depths,
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	server, err := NewServer(deps, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{server: server, dispatcher: dispatcher, graph: g, commits: commits, hub: hub}
}

func TestNewServerRequiresJobQueue(t *testing.T) {
	if _, err := NewServer(Deps{}, ServerConfig{}); err == nil {
		t.Fatalf("expected missing job queue to fail")
	}
}

func TestHealthReflectsRunner(t *testing.T) {
	healthy := true
	ts := newTestServer(t, 4, ServerConfig{}, func(d *Deps) {
		d.Health = func() jobs.Health { return jobs.Health{Name: "agent", Healthy: healthy} }
	})
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"}); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	healthy = false
	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusServiceUnavailable || !strings.Contains(resp.Body.String(), "degraded") {
		t.Fatalf("expected 503 degraded, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/nope", headers: map[string]string{"X-Correlation-Id": "corr_404"}})
	if resp.Code != http.StatusNotFound || !strings.Contains(resp.Body.String(), "corr_404") {
		t.Fatalf("expected 404 with correlation id, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestMetricsEndpointServesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relaygraph_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Inc()
	ts := newTestServer(t, 4, ServerConfig{}, func(d *Deps) { d.Gatherer = reg })

	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "relaygraph_test_total 1") {
		t.Fatalf("expected metrics output, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func syncEventBody(t *testing.T, orgID, eventType, path string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"orgId":        orgID,
		"sourceId":     "src_1",
		"eventType":    eventType,
		"resourcePath": path,
		"provider":     "generic",
		"eventData":    map[string]any{"name": "draft.pdf", "size": 2048},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func signedHeaders(secret, correlationID string, ts time.Time, body []byte) map[string]string {
	stamp := ts.UTC().Format(time.RFC3339)
	return map[string]string{
		"X-Correlation-Id":  correlationID,
		"X-Relay-Timestamp": stamp,
		"X-Relay-Signature": mustHMAC(secret, stamp+"\n"+string(body)),
		"Content-Type":      "application/json",
	}
}

func TestSyncEventIntakeEnqueues(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	body := syncEventBody(t, "org_1", "file_created", "/scripts/draft.pdf")
	headers := signedHeaders("dev-internal-secret", "corr_sync_1", time.Now(), body)

	resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var accepted map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &accepted); err != nil || accepted["jobId"] == "" || accepted["correlationId"] != "corr_sync_1" {
		t.Fatalf("unexpected response %s err=%v", resp.Body.String(), err)
	}

	queue, _ := ts.dispatcher.Queue(relaygraph.QueueSync)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, ok := queue.Dequeue(ctx)
	if !ok || job.Name != relaygraph.JobNameSync || job.ID != accepted["jobId"] {
		t.Fatalf("expected queued sync job, got %+v (ok=%v)", job, ok)
	}
	var event relaygraph.SyncEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if event.OrgID != "org_1" || event.EventType != relaygraph.EventFileCreated || event.CorrelationID != "corr_sync_1" || len(event.EventData) == 0 {
		t.Fatalf("unexpected sync event %+v", event)
	}

	replay := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed request to be rejected, got %d (%s)", replay.Code, replay.Body.String())
	}
}

func TestSyncEventIntakeAuth(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	body := syncEventBody(t, "org_1", "file_created", "/a.pdf")

	bad := signedHeaders("dev-internal-secret", "corr_bad", time.Now(), body)
	bad["X-Relay-Signature"] = "bad_signature"
	if resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: bad, body: body}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	stale := signedHeaders("dev-internal-secret", "corr_stale", time.Now().Add(-10*time.Minute), body)
	if resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: stale, body: body}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", resp.Code)
	}

	noCorrelation := signedHeaders("dev-internal-secret", "", time.Now(), body)
	if resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: noCorrelation, body: body}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
	if depths := ts.dispatcher.Depths(); depths[relaygraph.QueueSync] != 0 {
		t.Fatalf("expected nothing queued, got %v", depths)
	}
}

func TestSyncEventIntakeValidatesSchema(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	cases := map[string][]byte{
		"unknown event type": syncEventBody(t, "org_1", "file_renamed", "/a.pdf"),
		"missing org":        syncEventBody(t, "", "file_created", "/a.pdf"),
		"not json":           []byte("{"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			headers := signedHeaders("dev-internal-secret", "corr_"+strings.ReplaceAll(name, " ", "_"), time.Now(), body)
			resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
			}
		})
	}
}

func TestSyncEventIntakeQueueFull(t *testing.T) {
	ts := newTestServer(t, 1, ServerConfig{}, nil)
	for i, path := range []string{"/a.pdf", "/b.pdf"} {
		body := syncEventBody(t, "org_1", "file_created", path)
		headers := signedHeaders("dev-internal-secret", fmt.Sprintf("corr_full_%d", i), time.Now(), body)
		resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
		if i == 0 && resp.Code != http.StatusAccepted {
			t.Fatalf("expected first event accepted, got %d (%s)", resp.Code, resp.Body.String())
		}
		if i == 1 {
			if resp.Code != http.StatusTooManyRequests || resp.Header().Get("Retry-After") != "1" {
				t.Fatalf("expected 429 with Retry-After, got %d (%s)", resp.Code, resp.Body.String())
			}
		}
	}
}

// unavailableQueue fails every enqueue the way a queue whose database is
// down does.
type unavailableQueue struct{}

func (unavailableQueue) TryEnqueue(relaygraph.Job) error {
	return errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}
func (unavailableQueue) Enqueue(context.Context, relaygraph.Job) bool { return false }
func (unavailableQueue) Dequeue(ctx context.Context) (relaygraph.Job, bool) {
	<-ctx.Done()
	return relaygraph.Job{}, false
}
func (unavailableQueue) Depth() int    { return 0 }
func (unavailableQueue) Capacity() int { return 1 }
func (unavailableQueue) Close() error  { return nil }

func TestSyncEventIntakeQueueBackendDown(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	ts.dispatcher.AddQueue(relaygraph.QueueSync, unavailableQueue{})
	body := syncEventBody(t, "org_1", "file_created", "/a.pdf")
	headers := signedHeaders("dev-internal-secret", "corr_down", time.Now(), body)
	resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
	if resp.Code != http.StatusServiceUnavailable || !strings.Contains(resp.Body.String(), "queue_unavailable") {
		t.Fatalf("expected 503 queue_unavailable, got %d (%s)", resp.Code, resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "10.0.0.5") {
		t.Fatalf("expected backend details to stay out of the response, got %s", resp.Body.String())
	}
}

func TestSyncEventIntakeBodyLimit(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{MaxBodyBytes: 16}, nil)
	body := syncEventBody(t, "org_1", "file_created", "/a.pdf")
	headers := signedHeaders("dev-internal-secret", "corr_big", time.Now(), body)
	resp := doRawRequest(t, ts.server, rawRequest{method: http.MethodPost, path: "/v1/internal/sync-events", headers: headers, body: body})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestCommitEndpoints(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	ctx := context.Background()
	commit, err := ts.commits.CreateCommit(ctx, provenance.CommitInput{OrgID: "org_1", Message: "file_created /a.pdf", Author: "relaygraph-agent", AuthorType: "agent"})
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "org_1", "reader", []string{"commits:read"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/commits/" + commit.ID, headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var got provenance.Commit
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil || got.ID != commit.ID || got.Signature != commit.Signature {
		t.Fatalf("unexpected commit %s err=%v", resp.Body.String(), err)
	}

	verify := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/commits/" + commit.ID + "/verify", headers: auth})
	if verify.Code != http.StatusOK || !strings.Contains(verify.Body.String(), `"valid":true`) {
		t.Fatalf("expected valid commit, got %d (%s)", verify.Code, verify.Body.String())
	}

	nodes, _ := ts.graph.FindNodes(ctx, "Commit", map[string]any{"commit_id": commit.ID}, 1)
	if len(nodes) != 1 {
		t.Fatalf("expected commit node")
	}
	if _, err := ts.graph.SetProps(ctx, nodes[0].ID, map[string]any{"message": "rewritten"}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	tampered := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/commits/" + commit.ID + "/verify", headers: auth})
	if tampered.Code != http.StatusOK || !strings.Contains(tampered.Body.String(), `"valid":false`) {
		t.Fatalf("expected tampered commit to fail verification, got %d (%s)", tampered.Code, tampered.Body.String())
	}

	missing := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/commits/nope", headers: auth})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown commit, got %d", missing.Code)
	}
}

func TestCommitEndpointsEnforceClaims(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	commit, err := ts.commits.CreateCommit(context.Background(), provenance.CommitInput{OrgID: "org_1", Message: "m"})
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	path := "/v1/orgs/org_1/commits/" + commit.ID

	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	wrongScope := mustTestJWT(t, "dev-secret", "org_1", "reader", []string{"events:read"}, time.Now().Add(time.Hour))
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path, headers: map[string]string{"Authorization": "Bearer " + wrongScope}}); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", resp.Code)
	}
	otherOrg := mustTestJWT(t, "dev-secret", "org_2", "reader", []string{"commits:read"}, time.Now().Add(time.Hour))
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path, headers: map[string]string{"Authorization": "Bearer " + otherOrg}}); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for org mismatch, got %d", resp.Code)
	}
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_2/commits/" + commit.ID, headers: map[string]string{"Authorization": "Bearer " + otherOrg}}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected another org's commit to be hidden, got %d", resp.Code)
	}
	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "org_1", "reader", []string{"commits:read"}, "other-service", time.Now().Add(time.Hour))
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path, headers: map[string]string{"Authorization": "Bearer " + wrongAudience}}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}
	expired := mustTestJWT(t, "dev-secret", "org_1", "reader", []string{"commits:read"}, time.Now().Add(-time.Minute))
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path, headers: map[string]string{"Authorization": "Bearer " + expired}}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}
	forged := mustTestJWT(t, "other-secret", "org_1", "reader", []string{"commits:read"}, time.Now().Add(time.Hour))
	if resp := doRequest(t, ts.server, request{method: http.MethodGet, path: path, headers: map[string]string{"Authorization": "Bearer " + forged}}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", resp.Code)
	}
}

func TestListVersionsEndpoint(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	ctx := context.Background()
	file, err := ts.graph.CreateNode(ctx, relaygraph.LabelFile, map[string]any{"org_id": "org_1", "path": "/a.pdf"})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := ts.commits.CreateVersion(ctx, provenance.VersionInput{OrgID: "org_1", EntityID: file.ID, EntityType: relaygraph.LabelFile, Properties: map[string]any{"size": 1}}); err != nil {
		t.Fatalf("create version: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "org_1", "reader", []string{"commits:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/entities/" + file.ID + "/versions", headers: map[string]string{"Authorization": "Bearer " + token}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out struct {
		Items []provenance.Version `json:"items"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil || len(out.Items) != 1 || out.Items[0].EntityID != file.ID {
		t.Fatalf("unexpected versions %s err=%v", resp.Body.String(), err)
	}
}

func TestAdminQueuesReportsDepths(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	if _, err := ts.dispatcher.AddJob(context.Background(), relaygraph.QueueSync, relaygraph.JobNameSync, relaygraph.SyncEvent{OrgID: "org_1"}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "ops", "admin", []string{"admin:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/admin/queues", headers: map[string]string{"Authorization": "Bearer " + token}})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"sync":1`) {
		t.Fatalf("expected sync depth 1, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}, nil)
	token := mustTestJWT(t, "dev-secret", "org_rate", "reader", []string{"commits:read"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i < 2; i++ {
		resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_rate/entities/e1/versions", headers: auth})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}
	denied := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_rate/entities/e1/versions", headers: auth})
	if denied.Code != http.StatusTooManyRequests || denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
}

func TestEventStreamForwardsOrgEvents(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	httpServer := httptest.NewServer(ts.server)
	defer httpServer.Close()

	token := mustTestJWT(t, "dev-secret", "org_1", "watcher", []string{"events:read"}, time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/orgs/org_1/events/stream?access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for stream subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = ts.hub.Publish(ctx, relaygraph.DomainEvent{Type: relaygraph.DomainEventFileProcessed, OrgID: "org_2", FileID: "other"})
	_ = ts.hub.Publish(ctx, relaygraph.DomainEvent{Type: relaygraph.DomainEventFileProcessed, OrgID: "org_1", FileID: "file_1", CommitID: "commit_1"})

	var event relaygraph.DomainEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.FileID != "file_1" || event.CommitID != "commit_1" {
		t.Fatalf("expected only org_1 events, got %+v", event)
	}
}

func TestEventStreamRequiresScope(t *testing.T) {
	ts := newTestServer(t, 4, ServerConfig{}, nil)
	token := mustTestJWT(t, "dev-secret", "org_1", "watcher", []string{"commits:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/orgs/org_1/events/stream?access_token=" + token})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, orgID, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, orgID, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, orgID, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"org_id": orgID,
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	sig, err := hex.DecodeString(mustHMAC(secret, signingInput))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
