// Package upstream speaks the Chat-Completions protocol to the configured
// OpenAI-compatible endpoint, synchronously and as an SSE chunk stream.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ccpool/internal/classify"
	"ccpool/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "ccpool/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second

	maxErrorBody = 64 * 1024
)

// Client issues chat-completions calls against one base URL. The credential
// is chosen per call, so a single client serves the whole key pool.
type Client struct {
	baseURL string
	chatURL string

	// unary carries the configured request timeout; stream relies on the
	// caller's context so long generations are not cut off mid-body.
	unary  *http.Client
	stream *http.Client
}

// New creates a client for the given base URL. The timeout bounds
// synchronous calls end to end; streaming calls are bounded by their context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		chatURL: baseURL + "/chat/completions",
		unary:   &http.Client{Timeout: timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}, nil
}

// BaseURL reports the normalized endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateChatCompletion performs one synchronous chat call with the given
// credential. Upstream error statuses surface as *classify.UpstreamError so
// the caller can map them onto its own taxonomy.
func (c *Client) CreateChatCompletion(ctx context.Context, apiKey string, req models.ChatRequest) (models.ChatResponse, error) {
	req.Stream = false
	req.StreamOptions = nil

	httpReq, err := c.newRequest(ctx, apiKey, req)
	if err != nil {
		return models.ChatResponse{}, err
	}

	httpResp, err := c.unary.Do(httpReq)
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return models.ChatResponse{}, readUpstreamError(httpResp)
	}

	var resp models.ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return models.ChatResponse{}, fmt.Errorf("decode upstream response: %w", err)
	}
	return resp, nil
}

// StreamChatCompletion opens a streaming chat call and returns a reader over
// its chunks. A non-2xx status is consumed in full and returned as
// *classify.UpstreamError before any chunk is produced, so stream errors
// that happen before the first byte never reach the caller mid-stream.
func (c *Client) StreamChatCompletion(ctx context.Context, apiKey string, req models.ChatRequest) (*ChunkStream, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}

	httpReq, err := c.newRequest(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, readUpstreamError(httpResp)
	}

	return &ChunkStream{
		body:   httpResp.Body,
		reader: bufio.NewReader(httpResp.Body),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, apiKey string, payload models.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func readUpstreamError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &classify.UpstreamError{StatusCode: resp.StatusCode}
	}
	return &classify.UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// ChunkStream reads SSE frames off an open streaming response and decodes
// each data payload as one chunk.
type ChunkStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Recv returns the next chunk. It reports io.EOF once the upstream sends its
// [DONE] sentinel or closes the connection; frames that are not valid chunk
// JSON are skipped.
func (s *ChunkStream) Recv() (models.ChatChunk, error) {
	if s.done {
		return models.ChatChunk{}, io.EOF
	}

	for {
		data, err := s.nextData()
		if err != nil {
			s.done = true
			return models.ChatChunk{}, err
		}
		if data == "[DONE]" {
			s.done = true
			return models.ChatChunk{}, io.EOF
		}

		var chunk models.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		return chunk, nil
	}
}

// nextData scans forward to the next non-empty data field. Multi-line data
// fields are joined with newlines per the SSE framing rules; comment lines
// and other fields are ignored.
func (s *ChunkStream) nextData() (string, error) {
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// event names, ids and comments carry nothing we need.
		}
	}
}

// Close releases the underlying connection. Safe to call at any point,
// including mid-stream on client disconnect.
func (s *ChunkStream) Close() error {
	s.done = true
	return s.body.Close()
}
