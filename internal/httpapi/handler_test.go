package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/scanner"
)

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *httptest.Server) {
	t.Helper()
	logger := pslog.NewStructured(io.Discard)
	cfg := Config{
		Clients: clients.NewRegistry(logger),
		Scanner: scanner.New(scanner.Config{
			Workers: 2,
			Logger:  logger,
			Clock:   newStubClock(time.Unix(1_700_000_000, 0)),
		}),
		Logger:             logger,
		Clock:              newStubClock(time.Unix(1_700_000_000, 0)),
		EventPollTimeout:   50 * time.Millisecond,
		BrowseRoot:         t.TempDir(),
		DisableHTTPTracing: true,
		Version:            "v1.2.3-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler := New(cfg)
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return handler, server
}

func doRaw(t *testing.T, server *httptest.Server, method, path string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, server.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("User-Agent", "armadito-test/1.0")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func doJSON(t *testing.T, server *httptest.Server, method, path string, headers map[string]string, body any, out any) int {
	t.Helper()
	var raw []byte
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		raw = buf
	}
	resp := doRaw(t, server, method, path, headers, raw)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				t.Fatalf("decode response: %v (body=%s)", err, string(data))
			}
		}
	}
	return resp.StatusCode
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func registerClient(t *testing.T, server *httptest.Server) string {
	t.Helper()
	var reg api.RegisterResponse
	status := doJSON(t, server, http.MethodGet, "/register", nil, nil, &reg)
	if status != http.StatusOK {
		t.Fatalf("expected register 200, got %d", status)
	}
	if reg.Token == "" {
		t.Fatal("expected non-empty token")
	}
	return reg.Token
}

func TestPreconditionOrder(t *testing.T) {
	_, server := newTestHandler(t, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown path",
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
			wantBody:   cannedNotFound.body,
		},
		{
			name:       "unknown path wins over missing user agent",
			method:     http.MethodDelete,
			path:       "/nope",
			headers:    map[string]string{"User-Agent": ""},
			wantStatus: http.StatusNotFound,
			wantBody:   cannedNotFound.body,
		},
		{
			name:       "missing user agent",
			method:     http.MethodGet,
			path:       "/ping",
			headers:    map[string]string{"User-Agent": "", api.TokenHeader: "tok"},
			wantStatus: http.StatusForbidden,
			wantBody:   cannedForbidden.body,
		},
		{
			name:       "missing token",
			method:     http.MethodGet,
			path:       "/ping",
			wantStatus: http.StatusBadRequest,
			wantBody:   cannedBadRequest.body,
		},
		{
			name:       "missing token wins over wrong method",
			method:     http.MethodPut,
			path:       "/ping",
			wantStatus: http.StatusBadRequest,
			wantBody:   cannedBadRequest.body,
		},
		{
			name:       "method not allowed on GET endpoint",
			method:     http.MethodPost,
			path:       "/ping",
			headers:    map[string]string{api.TokenHeader: "tok"},
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   cannedMethodNotAllowed.body,
		},
		{
			name:       "method not allowed on POST endpoint",
			method:     http.MethodGet,
			path:       "/scan",
			headers:    map[string]string{api.TokenHeader: "tok"},
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   cannedMethodNotAllowed.body,
		},
		{
			name:       "wrong content type",
			method:     http.MethodPost,
			path:       "/scan",
			headers:    map[string]string{api.TokenHeader: "tok", "Content-Type": "text/plain"},
			wantStatus: http.StatusUnsupportedMediaType,
			wantBody:   cannedUnsupportedMedia.body,
		},
		{
			name:       "space before content type parameter",
			method:     http.MethodPost,
			path:       "/scan",
			headers:    map[string]string{api.TokenHeader: "tok", "Content-Type": "application/json ; charset=utf-8"},
			wantStatus: http.StatusUnsupportedMediaType,
			wantBody:   cannedUnsupportedMedia.body,
		},
		{
			name:       "version endpoint needs no token",
			method:     http.MethodGet,
			path:       "/version",
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRaw(t, server, tc.method, tc.path, tc.headers, nil)
			body := readBody(t, resp)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected status %d, got %d (body=%s)", tc.wantStatus, resp.StatusCode, body)
			}
			if tc.wantBody != "" && body != tc.wantBody {
				t.Fatalf("expected body %q, got %q", tc.wantBody, body)
			}
		})
	}
}

func TestUserAgentCheckIsPresenceOnly(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	// A present header passes even with an empty value.
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header["User-Agent"] = []string{""}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty User-Agent value, got %d (body=%s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for absent User-Agent header, got %d", rec.Code)
	}
	if rec.Body.String() != cannedForbidden.body {
		t.Fatalf("expected canned 403 body, got %q", rec.Body.String())
	}
}

func TestCannedResponsesOmitEnvelopeHeaders(t *testing.T) {
	_, server := newTestHandler(t, nil)

	resp := doRaw(t, server, http.MethodGet, "/nope", nil, nil)
	readBody(t, resp)
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header on canned response, got %q", got)
	}
	if got := resp.Header.Get(api.VersionHeader); got != "" {
		t.Fatalf("expected no version header on canned response, got %q", got)
	}
}

func TestContentTypeParametersAreIgnored(t *testing.T) {
	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	headers := map[string]string{
		api.TokenHeader: token,
		"Content-Type":  "application/json; charset=utf-8",
	}
	resp := doRaw(t, server, http.MethodPost, "/scan", headers, []byte(`{"path":""}`))
	body := readBody(t, resp)
	// Past the 415 gate; the empty path fails the endpoint check instead.
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body=%s)", resp.StatusCode, body)
	}
	if body != cannedUnprocessable.body {
		t.Fatalf("expected canned 422 body, got %q", body)
	}
}

func TestMalformedJSONSharesBadRequestBody(t *testing.T) {
	handler, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	spy := &spyProcessor{}
	handler.endpoints["/scan"].proc = spy

	headers := map[string]string{api.TokenHeader: token}
	resp := doRaw(t, server, http.MethodPost, "/scan", headers, []byte(`{"path":`))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body != cannedBadRequest.body {
		t.Fatalf("expected shared 400 body, got %q", body)
	}
	if spy.checkCalls() != 0 || spy.processCalls() != 0 {
		t.Fatal("expected neither check nor process to run on malformed JSON")
	}
}

func TestEmptyPostBodySkipsJSONParsing(t *testing.T) {
	handler, server := newTestHandler(t, nil)
	token := registerClient(t, server)
	headers := map[string]string{api.TokenHeader: token}

	// The real /scan endpoint rejects an absent document in its check,
	// so an empty body is a 422, never a parse-level 400.
	resp := doRaw(t, server, http.MethodPost, "/scan", headers, nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty body, got %d (body=%s)", resp.StatusCode, body)
	}
	if body != cannedUnprocessable.body {
		t.Fatalf("expected canned 422 body, got %q", body)
	}

	spy := &spyProcessor{}
	handler.endpoints["/scan"].proc = spy
	resp = doRaw(t, server, http.MethodPost, "/scan", headers, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if spy.checkCalls() != 1 {
		t.Fatalf("expected one check call, got %d", spy.checkCalls())
	}
	if doc := spy.lastCheckedDoc(); doc != nil {
		t.Fatalf("expected absent document for empty body, got %#v", doc)
	}
}

func TestCheckRejectionSkipsProcess(t *testing.T) {
	handler, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	spy := &spyProcessor{checkErr: errors.New("nope")}
	handler.endpoints["/scan"].proc = spy

	headers := map[string]string{api.TokenHeader: token}
	resp := doRaw(t, server, http.MethodPost, "/scan", headers, []byte(`{"path":"/tmp"}`))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if body != cannedUnprocessable.body {
		t.Fatalf("expected canned 422 body, got %q", body)
	}
	if spy.checkCalls() != 1 {
		t.Fatalf("expected one check call, got %d", spy.checkCalls())
	}
	if spy.processCalls() != 0 {
		t.Fatal("expected process to be skipped after check rejection")
	}
}

func TestProcessFailureWrapsDocumentIn500Envelope(t *testing.T) {
	handler, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	spy := &spyProcessor{
		doc:        map[string]any{"partial": "result"},
		processErr: errors.New("backend exploded"),
	}
	handler.endpoints["/scan"].proc = spy

	headers := map[string]string{api.TokenHeader: token}
	var envelope api.ErrorBody
	status := doJSON(t, server, http.MethodPost, "/scan", headers, map[string]any{"path": "/tmp"}, &envelope)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if envelope.Code != http.StatusInternalServerError {
		t.Fatalf("expected code 500, got %d", envelope.Code)
	}
	if envelope.Message != "Request processing triggered an internal error" {
		t.Fatalf("unexpected message %q", envelope.Message)
	}
	data, ok := envelope.Data.(map[string]any)
	if !ok || data["partial"] != "result" {
		t.Fatalf("expected partial document in data, got %#v", envelope.Data)
	}
}

func TestEnvelopeResponseHeaders(t *testing.T) {
	_, server := newTestHandler(t, nil)

	resp := doRaw(t, server, http.MethodGet, "/version", nil, nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS wildcard, got %q", got)
	}
	if got := resp.Header.Get(api.VersionHeader); got != api.Version {
		t.Fatalf("expected %q, got %q", api.Version, got)
	}
	want := `{"name":"armadito","version":"v1.2.3-test","api_version":"armadito.v0"}`
	if body != want {
		t.Fatalf("expected body %q, got %q", want, body)
	}
}

func TestRegisterPingUnregisterLifecycle(t *testing.T) {
	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	headers := map[string]string{api.TokenHeader: token}
	var ping api.PingResponse
	if status := doJSON(t, server, http.MethodGet, "/ping", headers, nil, &ping); status != http.StatusOK {
		t.Fatalf("expected ping 200, got %d", status)
	}
	if ping.Status != "pong" {
		t.Fatalf("expected pong, got %q", ping.Status)
	}

	var unreg api.UnregisterResponse
	if status := doJSON(t, server, http.MethodGet, "/unregister", headers, nil, &unreg); status != http.StatusOK {
		t.Fatalf("expected unregister 200, got %d", status)
	}

	var envelope api.ErrorBody
	if status := doJSON(t, server, http.MethodGet, "/ping", headers, nil, &envelope); status != http.StatusInternalServerError {
		t.Fatalf("expected ping after unregister 500, got %d", status)
	}
	if envelope.Code != http.StatusInternalServerError {
		t.Fatalf("expected code 500, got %d", envelope.Code)
	}

	if status := doJSON(t, server, http.MethodGet, "/unregister", headers, nil, nil); status != http.StatusInternalServerError {
		t.Fatalf("expected double unregister 500, got %d", status)
	}
}

func TestEventReturnsEmptyDocumentOnPollTimeout(t *testing.T) {
	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)

	headers := map[string]string{api.TokenHeader: token}
	resp := doRaw(t, server, http.MethodGet, "/event", headers, nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "{}" {
		t.Fatalf("expected bare empty document, got %q", body)
	}
}

func TestScanSchedulesAndDeliversEvents(t *testing.T) {
	dir := t.TempDir()
	eicar := scannerTestSignature()
	if err := os.WriteFile(filepath.Join(dir, "infected.txt"), []byte(eicar), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "clean.txt"), []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write clean file: %v", err)
	}

	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)
	headers := map[string]string{api.TokenHeader: token}

	var scanResp api.ScanResponse
	status := doJSON(t, server, http.MethodPost, "/scan", headers, api.ScanRequest{Path: dir}, &scanResp)
	if status != http.StatusOK {
		t.Fatalf("expected scan 200, got %d", status)
	}
	if scanResp.Status != "scheduled" || scanResp.Path != dir {
		t.Fatalf("unexpected scan response %+v", scanResp)
	}

	var sawDetection, sawEnd bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sawEnd {
		var ev api.Event
		if status := doJSON(t, server, http.MethodGet, "/event", headers, nil, &ev); status != http.StatusOK {
			t.Fatalf("expected event 200, got %d", status)
		}
		switch ev.Type {
		case api.EventDetection:
			sawDetection = true
			if ev.Data["module"] != "eicar" {
				t.Fatalf("expected eicar module, got %#v", ev.Data)
			}
		case api.EventScanEnd:
			sawEnd = true
		case "":
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !sawEnd {
		t.Fatal("expected scan_end event before deadline")
	}
	if !sawDetection {
		t.Fatal("expected detection event for the test file")
	}
}

func TestScanRejectsMissingPathDocument(t *testing.T) {
	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)
	headers := map[string]string{api.TokenHeader: token}

	for _, body := range []string{`{}`, `{"path":42}`, `[1,2,3]`, `"str"`} {
		resp := doRaw(t, server, http.MethodPost, "/scan", headers, []byte(body))
		got := readBody(t, resp)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("body %s: expected 422, got %d (%s)", body, resp.StatusCode, got)
		}
	}
}

func TestScanMissingTargetReturns500Envelope(t *testing.T) {
	_, server := newTestHandler(t, nil)
	token := registerClient(t, server)
	headers := map[string]string{api.TokenHeader: token}

	var envelope api.ErrorBody
	status := doJSON(t, server, http.MethodPost, "/scan", headers,
		api.ScanRequest{Path: "/does/not/exist/armadito"}, &envelope)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if envelope.Code != http.StatusInternalServerError {
		t.Fatalf("expected code 500, got %d", envelope.Code)
	}
}

func TestStatusReportsClientsAndVersion(t *testing.T) {
	_, server := newTestHandler(t, nil)
	registerClient(t, server)
	registerClient(t, server)

	var statusResp api.StatusResponse
	if code := doJSON(t, server, http.MethodGet, "/status", nil, nil, &statusResp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if statusResp.Status != "ok" {
		t.Fatalf("expected ok, got %q", statusResp.Status)
	}
	if statusResp.Clients != 2 {
		t.Fatalf("expected 2 clients, got %d", statusResp.Clients)
	}
	if statusResp.Version != "v1.2.3-test" {
		t.Fatalf("unexpected version %q", statusResp.Version)
	}
}

func TestBrowseListsDirectoriesUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "file.txt"), []byte("data"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, server := newTestHandler(t, func(cfg *Config) {
		cfg.BrowseRoot = root
	})

	var browse api.BrowseResponse
	if status := doJSON(t, server, http.MethodGet, "/browse", nil, nil, &browse); status != http.StatusOK {
		t.Fatalf("expected browse 200, got %d", status)
	}
	types := map[string]string{}
	for _, entry := range browse.Entries {
		types[entry.Name] = entry.Type
	}
	if types["sub"] != "dir" {
		t.Fatalf("expected sub to be dir, got %q", types["sub"])
	}
	if types["file.txt"] != "file" {
		t.Fatalf("expected file.txt to be file, got %q", types["file.txt"])
	}

	var envelope api.ErrorBody
	status := doJSON(t, server, http.MethodGet, "/browse?path=../../etc", nil, nil, &envelope)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected escape attempt 500, got %d", status)
	}
}

func TestOversizedBodyReturns400(t *testing.T) {
	_, server := newTestHandler(t, func(cfg *Config) {
		cfg.JSONMaxBytes = 64
	})
	token := registerClient(t, server)
	headers := map[string]string{api.TokenHeader: token}

	big := `{"path":"` + strings.Repeat("a", 256) + `"}`
	resp := doRaw(t, server, http.MethodPost, "/scan", headers, []byte(big))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body=%s)", resp.StatusCode, body)
	}
}

type spyProcessor struct {
	mu         sync.Mutex
	checks     int
	processes  int
	checkErr   error
	checkedDoc any
	doc        any
	processErr error
}

func (s *spyProcessor) check(_ *http.Request, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	s.checkedDoc = doc
	return s.checkErr
}

func (s *spyProcessor) process(context.Context, *http.Request, any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes++
	return s.doc, s.processErr
}

func (s *spyProcessor) checkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func (s *spyProcessor) processCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes
}

func (s *spyProcessor) lastCheckedDoc() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkedDoc
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{now: start}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	next := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- next
	return ch
}

func (c *stubClock) Sleep(time.Duration) {}

// scannerTestSignature rebuilds the standard antivirus test string from
// fragments so this file does not carry the literal.
func scannerTestSignature() string {
	return "X5O!P%@AP[4\\PZX54(P^)7CC)7}$" +
		"EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*"
}
