package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ccpool/internal/classify"
	"ccpool/internal/models"
)

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New("  ", time.Minute); err == nil {
		t.Fatal("empty base url must be rejected")
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	c, err := New("https://api.example.com/v1/", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "https://api.example.com/v1" {
		t.Fatalf("trailing slash not trimmed: %s", c.BaseURL())
	}
}

func TestCreateChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization header: %q", got)
		}
		var req models.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("synchronous call must not set stream")
		}
		json.NewEncoder(w).Encode(models.ChatResponse{
			Model: req.Model,
			Choices: []models.ChatChoice{{
				Message:      models.ChatMessage{Role: models.RoleAssistant, Content: "hi"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.CreateChatCompletion(context.Background(), "sk-test", models.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("response: %+v", resp)
	}
}

func TestCreateChatCompletionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, time.Minute)
	_, err := c.CreateChatCompletion(context.Background(), "sk-test", models.ChatRequest{Model: "gpt-4o"})

	var upErr *classify.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("want UpstreamError, got %T: %v", err, err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: %d", upErr.StatusCode)
	}
	if upErr.Body == "" {
		t.Fatal("body must be captured for classification")
	}
}

func TestStreamChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag must be forced on")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("include_usage must be requested")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		io.WriteString(w, ": keepalive comment\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"finish_reason\":\"stop\",\"delta\":{}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL, time.Minute)
	stream, err := c.StreamChatCompletion(context.Background(), "sk-test", models.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	first, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if first.Choices[0].Delta.Role != models.RoleAssistant {
		t.Fatalf("first chunk: %+v", first)
	}

	second, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if second.Choices[0].Delta.Content != "hello" {
		t.Fatalf("second chunk: %+v", second)
	}

	third, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if third.Choices[0].FinishReason != "stop" {
		t.Fatalf("third chunk: %+v", third)
	}

	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("want io.EOF after [DONE], got %v", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatal("Recv after EOF must keep returning io.EOF")
	}
}

func TestStreamChatCompletionErrorBeforeFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, time.Minute)
	_, err := c.StreamChatCompletion(context.Background(), "bad-key", models.ChatRequest{Model: "gpt-4o"})

	var upErr *classify.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("want UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", upErr.StatusCode)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: this is not json\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL, time.Minute)
	stream, err := c.StreamChatCompletion(context.Background(), "sk-test", models.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "ok" {
		t.Fatalf("malformed frame not skipped: %+v", chunk)
	}
}

func TestStreamContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := New(srv.URL, time.Minute)
	stream, err := c.StreamChatCompletion(ctx, "sk-test", models.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatal(err)
	}

	cancel()
	if _, err := stream.Recv(); err == nil {
		t.Fatal("cancelled context must end the stream with an error")
	}
}
