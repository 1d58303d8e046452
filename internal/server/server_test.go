package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/deliverable"
	"deliverline/internal/events"
	"deliverline/internal/extract"
	"deliverline/internal/migrate"
	"deliverline/internal/normalize"
	"deliverline/internal/pipeline"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	handler, err := New(cfg)
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func openJournal(t *testing.T) *events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &events.Writer{DB: conn}
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

func fixedExtractor(records []deliverable.Record, err error) pipeline.Extractor {
	return pipeline.Func(func(ctx context.Context, text string) ([]deliverable.Record, error) {
		return records, err
	})
}

func TestWebhookReturnsRecords(t *testing.T) {
	due := deliverable.NewDate(2025, time.December, 1)
	srv := newTestServer(t, Config{
		Extractor: fixedExtractor([]deliverable.Record{
			{Name: "Branded Booth", Description: "One booth.", Team: deliverable.TeamEvents},
			{Name: "Posts", Description: "Three posts.", Team: deliverable.TeamMarketing, DueDate: &due},
		}, nil),
		Sources: []string{"monday", "hubspot"},
	})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/monday", map[string]any{"text": "contract"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	var got []map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, string(data))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %s", string(data))
	}
	if v, ok := got[0]["due_date"]; !ok || v != nil {
		t.Fatalf("absent date must be null, got %s", string(data))
	}
	if got[1]["due_date"] != "Dec 01, 2025" || got[1]["team"] != "MARKETING" {
		t.Fatalf("unexpected record %v", got[1])
	}
}

func TestWebhookEmptyResultIsArray(t *testing.T) {
	srv := newTestServer(t, Config{Extractor: fixedExtractor([]deliverable.Record{}, nil)})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/anything", map[string]any{"text": ""}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty array, got %s", string(data))
	}
}

func TestWebhookUnknownSource(t *testing.T) {
	srv := newTestServer(t, Config{
		Extractor: fixedExtractor(nil, nil),
		Sources:   []string{"monday"},
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/jira", map[string]any{"text": "x"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "unknown_source" {
		t.Fatalf("unexpected body %s", string(data))
	}
}

func TestWebhookMissingTextIsBadRequest(t *testing.T) {
	srv := newTestServer(t, Config{Extractor: fixedExtractor(nil, nil)})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/monday", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookErrorKinds(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{deliverable.Unavailable(errors.New("dial tcp: refused"), "generate"), "service_unavailable", true},
		{deliverable.Violation(nil, "response is not a JSON array"), "schema_violation", false},
		{deliverable.Invalid(deliverable.ErrInvalidTeam, 0, "assigned_team", "unknown team"), "invalid_team", false},
		{deliverable.Invalid(deliverable.ErrInvalidRecord, 1, "name", "empty"), "invalid_record", false},
		{errors.New("boom"), "internal_error", false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			srv := newTestServer(t, Config{Extractor: fixedExtractor(nil, tc.err)})
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/monday", map[string]any{"text": "x"}, map[string]string{"X-Request-Id": "req-42"})
			if res.StatusCode != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d %s", res.StatusCode, string(data))
			}
			var env errorEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code %q, want %q", env.Error.Code, tc.code)
			}
			if env.Error.Details["retryable"] != tc.retryable || env.Error.Details["request_id"] != "req-42" {
				t.Fatalf("unexpected details %v", env.Error.Details)
			}
			if res.Header.Get("X-Request-Id") != "req-42" {
				t.Fatalf("request id not echoed")
			}
			if _, ok := env.Error.Details["error"]; ok || strings.Contains(string(data), tc.err.Error()) {
				t.Fatalf("cause leaked into response body: %s", string(data))
			}
		})
	}
}

func TestWebhookEndToEndWithReplay(t *testing.T) {
	reply := `[{"name":"Branded Booth","description":"One booth.","assigned_team":"EVENTS","due_date":"2025-12-01"}]`
	p := pipeline.New(
		extract.New(&extract.Replay{Payload: []byte(reply)}, deliverable.MustShape()),
		normalize.Normalizer{Policy: normalize.PolicyFail, Logger: log.New(io.Discard)},
	)
	p.Logger = log.New(io.Discard)
	srv := newTestServer(t, Config{Extractor: p, BasePath: "/v1"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhook/hubspot", map[string]any{"text": "Client receives one branded booth."}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var got []DeliverableResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].DueDate == nil || *got[0].DueDate != "Dec 01, 2025" || got[0].Team != "EVENTS" {
		t.Fatalf("unexpected response %s", string(data))
	}
}

func TestInfoRoutes(t *testing.T) {
	srv := newTestServer(t, Config{
		Extractor: fixedExtractor(nil, nil),
		Shape:     deliverable.MustShape(),
		BasePath:  "/v1",
	})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), rootMessage) {
		t.Fatalf("root: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/schema", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "assigned_team") {
		t.Fatalf("schema: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v1/webhook/{source}") {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v1/openapi.json") {
		t.Fatalf("docs: %d %s", res.StatusCode, string(data))
	}
}

func TestJournalRecordsOutcomes(t *testing.T) {
	journal := openJournal(t)
	var fail atomic.Bool
	extractor := pipeline.Func(func(ctx context.Context, text string) ([]deliverable.Record, error) {
		if fail.Load() {
			return nil, deliverable.Unavailable(errors.New("timeout"), "generate")
		}
		return []deliverable.Record{{Name: "a", Description: "b", Team: deliverable.TeamNone}}, nil
	})
	srv := newTestServer(t, Config{Extractor: extractor, Journal: journal})
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/webhook/monday", map[string]any{"text": "x"}, map[string]string{"X-Request-Id": "ok-1"})
	fail.Store(true)
	doJSON(t, client, http.MethodPost, srv.URL+"/webhook/hubspot", map[string]any{"text": "x"}, map[string]string{"X-Request-Id": "bad-1"})

	evts, err := journal.Latest(context.Background(), 10, 0, "", "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %+v", evts)
	}
	if evts[0].Type != events.TypeFailed || evts[0].RequestID != "bad-1" || !strings.Contains(evts[0].Payload, "service_unavailable") {
		t.Fatalf("unexpected failed event %+v", evts[0])
	}
	if evts[1].Type != events.TypeCompleted || evts[1].Source != "monday" || !strings.Contains(evts[1].Payload, `"records":1`) {
		t.Fatalf("unexpected completed event %+v", evts[1])
	}
	if strings.Contains(evts[1].Payload, "description") {
		t.Fatalf("journal must not store records: %s", evts[1].Payload)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/events?type=extraction.failed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].RequestID != "bad-1" {
		t.Fatalf("unexpected page %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/events?cursor=nope", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestDispatcherDeliversNewEvents(t *testing.T) {
	journal := openJournal(t)
	ctx := context.Background()
	if err := journal.Append(ctx, events.TypeCompleted, "monday", "old", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Deliverline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewDispatcher(*journal, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{events.TypeFailed}, Secret: "s3cret"},
	}, log.New(io.Discard))
	d.DispatchAll(ctx)

	if err := journal.Append(ctx, events.TypeCompleted, "monday", "skip", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := journal.Append(ctx, events.TypeFailed, "hubspot", "send", events.EventPayload{"kind": "schema_violation"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}
	if got[0].RequestID != "send" || got[0].Type != events.TypeFailed || !strings.Contains(string(got[0].Payload), "schema_violation") {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("secret header missing")
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	journal := openJournal(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	d := NewDispatcher(*journal, []config.WebhookConfig{{URL: hook.URL}}, log.New(io.Discard))
	d.DispatchAll(ctx)
	if err := journal.Append(ctx, events.TypeCompleted, "monday", "r", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected one failed and one successful attempt, got %d", calls)
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	journal := openJournal(t)
	d := NewDispatcher(*journal, []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}, log.New(io.Discard))
	d.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}
