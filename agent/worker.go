// Package agent invokes worker roles and turns their replies into validated
// structured outputs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/metrics"
)

// Invoker sends one completion request. It must not retry; the Worker owns
// retries. *llm.Client satisfies it.
type Invoker interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Invocation outcomes reported to metrics.
const (
	OutcomeOK             = "ok"
	OutcomeBlocked        = "blocked"
	OutcomeSynthesized    = "synthesized"
	OutcomeTransportError = "transport_error"
	OutcomeFatal          = "fatal"
)

// Result describes how an output was obtained. It never carries prompts or
// raw responses.
type Result struct {
	Model    string
	Duration time.Duration

	// ContractAttempts counts structured-output negotiations.
	ContractAttempts int
	// TransportAttempts counts calls to the Invoker including backoff retries.
	TransportAttempts int

	// Synthesized is true when the output is a generated blocked envelope.
	Synthesized bool
	// TransportFailed is true when transient errors exhausted the retry budget.
	TransportFailed bool
}

// Outcome returns the metrics label for the result.
func (r Result) Outcome(status string) string {
	switch {
	case r.TransportFailed:
		return OutcomeTransportError
	case r.Synthesized:
		return OutcomeSynthesized
	case status == contract.StatusBlocked:
		return OutcomeBlocked
	default:
		return OutcomeOK
	}
}

// Worker invokes roles with transport retry, pacing and contract negotiation.
type Worker struct {
	invoker  Invoker
	retry    llm.RetryConfig
	ceiling  int
	metrics  *metrics.Metrics
	logger   *slog.Logger
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Worker.
type Option func(*Worker)

// WithRetry sets the transport retry policy.
func WithRetry(cfg llm.RetryConfig) Option {
	return func(w *Worker) {
		w.retry = cfg
	}
}

// WithContractCeiling sets how many malformed replies are tolerated.
func WithContractCeiling(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.ceiling = n
		}
	}
}

// WithPacing limits calls for a role to perMinute requests. Zero disables it.
func WithPacing(role string, perMinute int) Option {
	return func(w *Worker) {
		if perMinute <= 0 {
			delete(w.limiters, role)
			return
		}
		w.limiters[role] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// WithMetrics records invocation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker around an invoker.
func NewWorker(invoker Invoker, opts ...Option) *Worker {
	w := &Worker{
		invoker:  invoker,
		retry:    llm.DefaultRetryConfig(),
		ceiling:  contract.DefaultCeiling,
		logger:   slog.Default(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Invoke runs a role to a validated output. The system prompt and user
// message start the conversation; every contract failure appends the reply
// and a corrective instruction before re-invoking.
//
// Transient errors are retried with backoff. When the budget is exhausted a
// blocked output is returned with Result.TransportFailed set. Fatal errors
// and context cancellation are returned as errors.
func Invoke[T contract.Output](ctx context.Context, w *Worker, role contract.Role[T], system, user string) (T, Result, error) {
	var zero T
	start := time.Now()
	res := Result{}

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	var lastRaw string

	attempt := func(ctx context.Context, corrective string) (string, error) {
		if corrective != "" {
			messages = append(messages,
				llm.Message{Role: "assistant", Content: lastRaw},
				llm.Message{Role: "user", Content: corrective},
			)
		}
		resp, n, err := w.complete(ctx, llm.Request{Role: role.Name(), Messages: messages})
		res.TransportAttempts += n
		if err != nil {
			return "", err
		}
		if resp.Model != "" {
			res.Model = resp.Model
		}
		lastRaw = resp.Content
		return resp.Content, nil
	}

	out, neg, err := contract.Negotiate(ctx, role, w.ceiling, attempt)
	res.ContractAttempts = neg.Attempts
	res.Synthesized = neg.Synthesized
	res.Duration = time.Since(start)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return zero, res, ctx.Err()
	case llm.IsTransient(err):
		res.TransportFailed = true
		out = role.BlockedOutput(fmt.Sprintf("agent unavailable after %d attempts: %v", res.TransportAttempts, err))
	default:
		w.metrics.RecordInvocation(role.Name(), OutcomeFatal, res.Duration, retries(neg.Attempts), res.TransportAttempts-neg.Attempts)
		w.logger.Error("Agent invocation failed", "role", role.Name(), "error", err)
		return zero, res, fmt.Errorf("invoke %s: %w", role.Name(), err)
	}

	status := out.Common().Status
	outcome := res.Outcome(status)
	w.metrics.RecordInvocation(role.Name(), outcome, res.Duration, retries(neg.Attempts), res.TransportAttempts-neg.Attempts)
	w.logger.Debug("Agent invocation finished",
		"role", role.Name(),
		"status", status,
		"outcome", outcome,
		"contract_attempts", res.ContractAttempts,
		"transport_attempts", res.TransportAttempts,
		"duration", res.Duration)
	if neg.LastError != nil && res.Synthesized {
		w.logger.Warn("Agent never produced a valid structured response",
			"role", role.Name(), "kind", neg.LastError.Kind, "detail", neg.LastError.Detail)
	}
	return out, res, nil
}

// complete makes one logical call, retrying transient errors. It returns the
// number of Invoker calls made.
func (w *Worker) complete(ctx context.Context, req llm.Request) (*llm.Response, int, error) {
	var (
		resp  *llm.Response
		calls int
	)
	op := func() error {
		if err := w.wait(ctx, req.Role); err != nil {
			return backoff.Permanent(err)
		}
		calls++
		r, err := w.invoker.Complete(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		if llm.IsTransient(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("Transient agent error, retrying",
			"role", req.Role, "attempt", calls, "backoff", next, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(w.retry.NewBackOff(), ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, calls, err
	}
	return resp, calls, nil
}

func (w *Worker) wait(ctx context.Context, role string) error {
	w.mu.Lock()
	limiter := w.limiters[role]
	w.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func retries(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}
