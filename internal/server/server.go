// Package server exposes the proxy's HTTP surface: the Messages endpoints,
// the key-validation report and the operational routes.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ccpool/internal/classify"
	"ccpool/internal/config"
	"ccpool/internal/dispatch"
	"ccpool/internal/metrics"
	"ccpool/internal/models"
	"ccpool/internal/probe"
	"ccpool/internal/translator"
)

const (
	maxBodyBytes        = 10 << 20 // 10 MiB; requests carry full conversations
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	prober     *probe.Prober
	metrics    *metrics.Metrics
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, d *dispatch.Dispatcher, p *probe.Prober, m *metrics.Metrics) (*Server, error) {
	if d == nil {
		return nil, errors.New("dispatcher must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = anthropicErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:        cfg,
		dispatcher: d,
		prober:     p,
		metrics:    m,
		app:        e,
		address:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}

	srv.registerRoutes()
	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: streamed responses stay open as long as the
		// upstream keeps generating.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/", s.handleRoot)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	protected := s.app.Group("", s.requireAuth)
	protected.POST("/v1/messages", s.handleMessages)
	protected.POST("/v1/messages/count_tokens", s.handleCountTokens)
	protected.GET("/validate-keys", s.handleValidateKeys)
}

// requireAuth enforces the configured shared secret via x-api-key or a
// bearer token. With no secret configured it is a passthrough.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := s.cfg.Server.AuthKey
		if secret == "" {
			return next(c)
		}

		presented := c.Request().Header.Get("x-api-key")
		if presented == "" {
			bearer := c.Request().Header.Get("Authorization")
			presented = strings.TrimPrefix(bearer, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "invalid or missing api key",
				Type:    "authentication_error",
			}
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_requests": s.dispatcher.ActiveRequests(),
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "ccpool",
		"message": "Anthropic-compatible proxy over a pooled OpenAI upstream",
		"config": map[string]any{
			"upstream":       s.cfg.Upstream.BaseURL,
			"api_keys":       len(s.cfg.Upstream.APIKeys),
			"models":         s.cfg.Upstream.Models,
			"auth_required":  s.cfg.Server.AuthKey != "",
			"timeout_secs":   s.cfg.Upstream.TimeoutSeconds,
			"max_tokens_cap": s.cfg.Upstream.MaxTokensLimit,
		},
		"endpoints": map[string]string{
			"POST /v1/messages":              "Messages API (sync and streaming)",
			"POST /v1/messages/count_tokens": "input token estimate",
			"GET /validate-keys":             "probe every configured key",
			"GET /health":                    "liveness",
			"GET /metrics":                   "Prometheus exposition",
		},
	})
}

func (s *Server) handleMessages(c echo.Context) error {
	started := time.Now()

	var req models.MessagesRequest
	if err := decodeRequestBody(c, &req); err != nil {
		s.record("messages", "invalid_request", started)
		return err
	}

	// The dispatch handle is echoed as a response header so the caller can
	// address the in-flight request, e.g. to cancel it.
	handle := uuid.NewString()
	c.Response().Header().Set("request-id", handle)
	ctx := dispatch.WithHandle(c.Request().Context(), handle)

	if req.Stream {
		return s.streamMessages(ctx, c, req, started)
	}

	resp, err := s.dispatcher.Complete(ctx, req)
	if err != nil {
		env := classify.Classify(err)
		s.record("messages", string(env.Category), started)
		return envelopeError(env)
	}

	s.record("messages", "success", started)
	return c.JSON(http.StatusOK, resp)
}

// streamMessages writes the SSE response. Once headers are out, failures are
// reported in-band as an error event; a disconnected caller ends the stream
// silently with no message_stop.
func (s *Server) streamMessages(ctx context.Context, c echo.Context, req models.MessagesRequest, started time.Time) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		s.record("messages_stream", "internal", started)
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "api_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	emitted := false
	emit := func(ev models.StreamEvent) error {
		emitted = true
		if err := writeSSEEvent(writer, ev.Type, translator.EventPayload(ev)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.dispatcher.Stream(ctx, req, emit)
	if err != nil && !emitted {
		env := classify.Classify(err)
		s.record("messages_stream", string(env.Category), started)
		// Headers are already written; the failure travels as an event.
		_ = emit(models.StreamEvent{
			Type:       models.EventError,
			ErrType:    env.ErrorType(),
			ErrMessage: env.Message,
		})
		return nil
	}
	if err != nil {
		env := classify.Classify(err)
		s.record("messages_stream", string(env.Category), started)
		return nil
	}

	s.record("messages_stream", "success", started)
	return nil
}

func (s *Server) handleCountTokens(c echo.Context) error {
	started := time.Now()

	var req models.CountTokensRequest
	if err := decodeRequestBody(c, &req); err != nil {
		s.record("count_tokens", "invalid_request", started)
		return err
	}

	s.record("count_tokens", "success", started)
	return c.JSON(http.StatusOK, s.dispatcher.CountTokens(req))
}

func (s *Server) handleValidateKeys(c echo.Context) error {
	if s.prober == nil {
		return requestError{
			Status:  http.StatusNotImplemented,
			Message: "key validation is not configured",
			Type:    "api_error",
		}
	}
	return c.JSON(http.StatusOK, s.prober.Run(c.Request().Context()))
}

func (s *Server) record(endpoint, outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.RecordRequest(endpoint, outcome, time.Since(started))
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func envelopeError(env classify.Envelope) error {
	return requestError{
		Status:  env.HTTPStatus(),
		Message: env.Message,
		Type:    env.ErrorType(),
	}
}

// errorBody is the Anthropic-style error envelope.
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, errType, message string) error {
	payload := errorBody{Type: "error"}
	payload.Error.Type = errType
	payload.Error.Message = message
	return c.JSON(status, payload)
}

func anthropicErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Type, reqErr.Message)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, "invalid_request_error", fmt.Sprintf("%v", echoErr.Message))
		return
	}

	env := classify.Classify(err)
	_ = writeError(c, env.HTTPStatus(), env.ErrorType(), env.Message)
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
