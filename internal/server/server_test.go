package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ccpool/internal/config"
	"ccpool/internal/dispatch"
	"ccpool/internal/metrics"
	"ccpool/internal/models"
	"ccpool/internal/probe"
	"ccpool/internal/rotation"
	"ccpool/internal/translator"
	"ccpool/internal/upstream"
)

func newTestServer(t *testing.T, upstreamHandler http.HandlerFunc, authKey string) *Server {
	t.Helper()
	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	cfg := config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8000, AuthKey: authKey},
		Upstream: config.UpstreamConfig{
			BaseURL:        up.URL,
			APIKeys:        []string{"k1", "k2"},
			Models:         []string{"m1"},
			TimeoutSeconds: 30,
			MaxTokensLimit: 65535,
			MinTokensLimit: 1,
		},
	}

	client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())
	if err != nil {
		t.Fatal(err)
	}
	rotator, err := rotation.New(cfg.Upstream.APIKeys, cfg.Upstream.Models)
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	limits := translator.Limits{MinTokens: cfg.Upstream.MinTokensLimit, MaxTokens: cfg.Upstream.MaxTokensLimit}
	d := dispatch.New(rotator, client, limits, m)
	p := probe.New(client, rotator, cfg.Upstream.Timeout())

	srv, err := New(cfg, d, p, m)
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func chatOK(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(models.ChatResponse{
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: &models.ChatUsage{PromptTokens: 4, CompletionTokens: 2},
	})
}

const messagesBody = `{"model":"claude-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

func TestHealth(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("body: %v", body)
	}
}

func TestMessagesSync(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp models.MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Model != "claude-sonnet" || resp.Role != "assistant" {
		t.Fatalf("envelope: %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Fatalf("content: %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("stop reason: %s", resp.StopReason)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 2 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
	if rec.Header().Get("request-id") == "" {
		t.Fatal("response must carry the dispatch handle")
	}
}

func TestMessagesInvalidBody(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	cases := []string{
		``,
		`{not json`,
		`{"model":"m","max_tokens":5,"messages":[]}`,
		`{"model":"m","max_tokens":5,"messages":[{"role":"system","content":"x"}]}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d", body, rec.Code)
		}
		var errResp errorBody
		json.Unmarshal(rec.Body.Bytes(), &errResp)
		if errResp.Type != "error" || errResp.Error.Type != "invalid_request_error" {
			t.Fatalf("body %q: error envelope %+v", body, errResp)
		}
	}
}

func TestMessagesUpstreamError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit"}}`)
	}, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", rec.Code)
	}
	var errResp errorBody
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.Error.Type != "rate_limit_error" {
		t.Fatalf("error type: %+v", errResp)
	}
}

func TestMessagesStreaming(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"finish_reason\":\"stop\",\"delta\":{}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}, "")

	body := `{"model":"claude-sonnet","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control: %s", cc)
	}

	events := parseSSENames(rec.Body.String())
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Fatalf("events:\n got %v\nwant %v", events, want)
	}
}

func TestMessagesStreamingPreflightFailure(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, "")

	body := `{"model":"claude-sonnet","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// Stream headers go out before the upstream call, so the failure must
	// arrive as an error event, not a JSON status.
	events := parseSSENames(rec.Body.String())
	if len(events) != 1 || events[0] != "error" {
		t.Fatalf("events: %v", events)
	}
	if !strings.Contains(rec.Body.String(), "api_error") {
		t.Fatalf("body: %s", rec.Body)
	}
}

func TestCountTokens(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hello, world!"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp models.CountTokensResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	// 13 chars at 4 chars per token.
	if resp.InputTokens != 3 {
		t.Fatalf("estimate: %d", resp.InputTokens)
	}
}

func TestValidateKeys(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/validate-keys", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var report probe.Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Total != 2 || report.Valid != 2 {
		t.Fatalf("report: %+v", report)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, chatOK, "secret-token")

	// No credential.
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: %d", rec.Code)
	}
	var errResp errorBody
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.Error.Type != "authentication_error" {
		t.Fatalf("error type: %+v", errResp)
	}

	// x-api-key.
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	req.Header.Set("x-api-key", "secret-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("x-api-key status: %d", rec.Code)
	}

	// Bearer.
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status: %d", rec.Code)
	}

	// Wrong secret.
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody))
	req.Header.Set("x-api-key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status: %d", rec.Code)
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, chatOK, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("exposition output missing")
	}
}

func parseSSENames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}
