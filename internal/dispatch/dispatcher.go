// Package dispatch ties one caller request to one upstream attempt: it picks
// the credential/model pair, translates in both directions and accounts for
// the outcome.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"ccpool/internal/classify"
	"ccpool/internal/metrics"
	"ccpool/internal/models"
	"ccpool/internal/rotation"
	"ccpool/internal/tokencount"
	"ccpool/internal/translator"
	"ccpool/internal/upstream"
)

// ErrEmptyStream reports an upstream stream that ended before producing any
// usable chunk.
var ErrEmptyStream = errors.New("upstream returned an empty stream")

type handleKey struct{}

// WithHandle returns a context carrying a caller-chosen request handle.
// Dispatches made under it register with that handle, so the owner can reach
// the in-flight call through CancelRequest. Without it the dispatcher
// assigns a random handle that nobody outside can address.
func WithHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, handleKey{}, handle)
}

func handleFrom(ctx context.Context) string {
	handle, _ := ctx.Value(handleKey{}).(string)
	return handle
}

type Dispatcher struct {
	rotator *rotation.Rotator
	client  *upstream.Client
	limits  translator.Limits
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a dispatcher over the given credential pool and client.
func New(rotator *rotation.Rotator, client *upstream.Client, limits translator.Limits, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		rotator: rotator,
		client:  client,
		limits:  limits,
		metrics: m,
		active:  make(map[string]context.CancelFunc),
	}
}

// Complete performs one synchronous caller request end to end.
func (d *Dispatcher) Complete(ctx context.Context, req models.MessagesRequest) (models.MessagesResponse, error) {
	cred, model := d.rotator.Select()
	d.metrics.RecordSelection(model)

	ctx, cancel := context.WithCancel(ctx)
	handle := d.track(ctx, cancel)
	defer d.release(handle)

	chatReq := translator.BuildChatRequest(req, model, d.limits)
	inputEstimate := tokencount.EstimateRequest(req.System, req.Messages)

	resp, err := d.client.CreateChatCompletion(ctx, cred.Key, chatReq)
	if err != nil {
		env := classify.Classify(err)
		d.metrics.RecordError(string(env.Category))
		slog.Warn("upstream call failed",
			"key", cred.Preview(),
			"model", model,
			"category", env.Category,
		)
		return models.MessagesResponse{}, err
	}

	out := translator.TranslateResponse(resp, req.Model, inputEstimate)
	d.metrics.RecordTokens(out.Usage.InputTokens, out.Usage.OutputTokens)
	return out, nil
}

// Stream performs one streaming caller request, pushing each protocol event
// through emit in order. An error return before any emit call means nothing
// was written and the caller still owns the response; an emit failure is
// treated as a client disconnect and ends the stream without message_stop.
func (d *Dispatcher) Stream(ctx context.Context, req models.MessagesRequest, emit func(models.StreamEvent) error) error {
	cred, model := d.rotator.Select()
	d.metrics.RecordSelection(model)

	ctx, cancel := context.WithCancel(ctx)
	handle := d.track(ctx, cancel)
	defer d.release(handle)

	chatReq := translator.BuildChatRequest(req, model, d.limits)
	inputEstimate := tokencount.EstimateRequest(req.System, req.Messages)

	stream, err := d.client.StreamChatCompletion(ctx, cred.Key, chatReq)
	if err != nil {
		env := classify.Classify(err)
		d.metrics.RecordError(string(env.Category))
		slog.Warn("upstream stream failed",
			"key", cred.Preview(),
			"model", model,
			"category", env.Category,
		)
		return err
	}
	defer stream.Close()

	st := translator.NewStream(req.Model, inputEstimate)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if classify.IsClientDisconnect(err) || ctx.Err() != nil {
				return nil
			}
			env := classify.Classify(err)
			d.metrics.RecordError(string(env.Category))
			slog.Warn("upstream stream interrupted",
				"key", cred.Preview(),
				"model", model,
				"category", env.Category,
			)
			// The message cannot complete; report in-band, then surface
			// the failure so the caller records the right outcome.
			if emitErr := emit(models.StreamEvent{
				Type:       models.EventError,
				ErrType:    env.ErrorType(),
				ErrMessage: env.Message,
			}); emitErr != nil {
				return nil
			}
			return err
		}

		for _, ev := range st.Feed(chunk) {
			if err := emit(ev); err != nil {
				return nil
			}
		}
	}

	final := st.Finish()
	if len(final) == 0 {
		return ErrEmptyStream
	}
	for _, ev := range final {
		if err := emit(ev); err != nil {
			return nil
		}
		if ev.Type == models.EventMessageDelta && ev.Usage != nil {
			d.metrics.RecordTokens(ev.Usage.InputTokens, ev.Usage.OutputTokens)
		}
	}
	return nil
}

// CountTokens reports the input-token estimate for a would-be request.
func (d *Dispatcher) CountTokens(req models.CountTokensRequest) models.CountTokensResponse {
	return models.CountTokensResponse{
		InputTokens: tokencount.EstimateRequest(req.System, req.Messages),
	}
}

// ActiveRequests reports how many dispatches are currently in flight.
func (d *Dispatcher) ActiveRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// CancelRequest aborts one in-flight dispatch by handle.
func (d *Dispatcher) CancelRequest(handle string) bool {
	d.mu.Lock()
	cancel, ok := d.active[handle]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) track(ctx context.Context, cancel context.CancelFunc) string {
	handle := handleFrom(ctx)
	if handle == "" {
		handle = uuid.NewString()
	}
	d.mu.Lock()
	d.active[handle] = cancel
	d.mu.Unlock()
	return handle
}

func (d *Dispatcher) release(handle string) {
	d.mu.Lock()
	cancel, ok := d.active[handle]
	delete(d.active, handle)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}
