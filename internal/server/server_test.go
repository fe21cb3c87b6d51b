package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/app"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/notify"
	"taskrelay/internal/repo"
)

const testJWTSecret = "test-jwt-secret"

var testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("clerk-signing-key-for-tests"))

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Send(ctx context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

type testServer struct {
	URL    string
	App    *app.App
	Outbox *outbox
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	box := &outbox{}
	a, err := app.Bootstrap(config.Default(), app.Options{Workspace: t.TempDir(), Logger: zerolog.Nop(), Notifier: box})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, Issuer: "taskrelay"},
		Clerk:    ClerkConfig{WebhookSecret: testWebhookSecret},
		Logger:   zerolog.Nop(),
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		Outbox: box,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := SignToken(AuthConfig{JWTSecret: testJWTSecret, Issuer: "taskrelay"}, "backend", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, p := range []string{"/v0/health", "/v0/openapi.json", "/docs"} {
		res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", p, res.StatusCode, body)
		}
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, body)
	}
	bad, err := SignToken(AuthConfig{JWTSecret: "other-secret"}, "backend", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret accepted: %d", res.StatusCode)
	}
}

func TestSendEventAndInspectRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	r := srv.App.Repo
	if err := r.CreateUser(ctx, domain.User{ID: "U1", Email: "a@x.com", Name: "Ann"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "P1", Name: "Alpha"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	assignee := "U1"
	if err := r.InsertTask(ctx, domain.Task{ID: "T1", ProjectID: "P1", Title: "Ship", AssigneeID: &assignee}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"id":   "assign-T1",
		"name": "app/task.assigned",
		"data": map[string]any{"taskId": "T1", "origin": "https://app.example.com"},
	}, authHeaders(t))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("send event status %d: %s", res.StatusCode, body)
	}
	var sent SendEventResponse
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sent.EventID != "assign-T1" || len(sent.RunIDs) != 1 || sent.Duplicate {
		t.Fatalf("unexpected send response %+v", sent)
	}

	if _, err := srv.App.Engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+sent.RunIDs[0], nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, body)
	}
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != "completed" || len(run.Steps) != 1 || run.Steps[0].Name != "send-task-assignment-email" {
		t.Fatalf("unexpected run %+v", run)
	}
	if len(srv.Outbox.msgs) != 1 {
		t.Fatalf("expected assignment email, got %d", len(srv.Outbox.msgs))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs?function_id=send-task-assignment-email&status=completed", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, body)
	}
	var list paginatedRuns
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("expected 1 run, got %d", len(list.Items))
	}
}

func TestSendEventValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{"name": ""}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d %s", res.StatusCode, body)
	}
}

func TestGetMissingRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/missing", nil, authHeaders(t))
	if res.StatusCode != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("expected not found, got %d %s", res.StatusCode, body)
	}
}

func signedClerkRequest(t *testing.T, url, id string, sentAt time.Time, payload string, secret string) *http.Request {
	t.Helper()
	v, err := newSvixVerifier(ClerkConfig{WebhookSecret: secret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	ts := strconv.FormatInt(sentAt.Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("svix-id", id)
	req.Header.Set("svix-timestamp", ts)
	req.Header.Set("svix-signature", "v1,bm90LXRoaXMtb25l v1,"+v.sign(id, ts, []byte(payload)))
	return req
}

func TestClerkWebhookSyncsUser(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	payload := `{"type":"user.created","object":"event","data":{"id":"user_1","first_name":"Ann","last_name":"Lee","email_addresses":[{"id":"e1","email_address":"a@x.com"}]}}`
	for i, wantDup := range []bool{false, true} {
		req := signedClerkRequest(t, srv.URL+"/webhooks/clerk", "msg_1", time.Now(), payload, testWebhookSecret)
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d status %d: %s", i, res.StatusCode, body)
		}
		var out SendEventResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Duplicate != wantDup || len(out.RunIDs) != 1 {
			t.Fatalf("delivery %d unexpected response %+v", i, out)
		}
	}
	if _, err := srv.App.Engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	u, err := srv.App.Repo.GetUser(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Name != "Ann Lee" || u.Email != "a@x.com" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestClerkWebhookRejectsBadSignatures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	payload := `{"type":"user.deleted","data":{"id":"user_1"}}`
	other := "whsec_" + base64.StdEncoding.EncodeToString([]byte("someone-else"))
	cases := map[string]*http.Request{
		"wrong secret": signedClerkRequest(t, srv.URL+"/webhooks/clerk", "msg_1", time.Now(), payload, other),
		"stale":        signedClerkRequest(t, srv.URL+"/webhooks/clerk", "msg_2", time.Now().Add(-10*time.Minute), payload, testWebhookSecret),
	}
	unsigned, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/clerk", bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatal(err)
	}
	cases["unsigned"] = unsigned
	for name, req := range cases {
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_signature" {
			t.Fatalf("%s: expected invalid signature, got %d %s", name, res.StatusCode, body)
		}
	}
	runs, err := srv.App.Repo.ListRuns(context.Background(), repo.RunFilters{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected deliveries queued runs: %d", len(runs))
	}
}

func TestClerkWebhookRejectsOversizedBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	pad := string(bytes.Repeat([]byte("x"), maxWebhookBody))
	payload := `{"type":"user.created","data":{"id":"user_1","pad":"` + pad + `"}}`
	req := signedClerkRequest(t, srv.URL+"/webhooks/clerk", "msg_big", time.Now(), payload, testWebhookSecret)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, body) != "payload_too_large" {
		t.Fatalf("expected payload too large, got %d %s", res.StatusCode, body)
	}
	runs, err := srv.App.Repo.ListRuns(context.Background(), repo.RunFilters{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("oversized delivery queued runs: %d", len(runs))
	}
}

func TestSvixVerifierTamperedBody(t *testing.T) {
	v, err := newSvixVerifier(ClerkConfig{WebhookSecret: testWebhookSecret, Now: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	h := http.Header{}
	h.Set("svix-id", "msg_1")
	h.Set("svix-timestamp", "1700000000")
	h.Set("svix-signature", "v1,"+v.sign("msg_1", "1700000000", []byte(`{"a":1}`)))
	if _, err := v.Verify(h, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if _, err := v.Verify(h, []byte(`{"a":2}`)); err == nil {
		t.Fatalf("tampered body accepted")
	}
}
