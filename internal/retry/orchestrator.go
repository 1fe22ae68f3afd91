// Package retry runs payment operations with bounded retries and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/telemetry"
)

// Event and error types emitted by the orchestrator.
const (
	EventAttemptStarted   = "retry_attempt_started"
	EventAttemptSucceeded = "retry_attempt_succeeded"
	EventAttemptFailed    = "retry_attempt_failed"
	ErrorRetriesExhausted = "retry_exhausted"
	ErrorFatalAttempt     = "retry_fatal_error"
)

// Options bounds a Run.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so a
	// Run makes at most MaxRetries+1 attempts.
	MaxRetries int

	InitialDelay      time.Duration
	BackoffMultiplier float64

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultOptions returns 3 retries starting at one second, doubling.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	return o
}

// schedule returns a deterministic exponential backoff for o.
func (o Options) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialDelay
	b.Multiplier = o.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = o.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()
	return b
}

// Operation is one attempt against a payment. attempt is zero-based.
type Operation[T any] func(ctx context.Context, p *models.Payment, attempt int) (T, error)

// Outcome is the result of a Run. Payment is the latest snapshot, which
// reflects every retry recorded and, on failure, the final transition.
type Outcome[T any] struct {
	Payment  *models.Payment
	Value    T
	Attempts int
}

// Machine is the subset of the state machine the orchestrator drives.
type Machine interface {
	Transition(ctx context.Context, p *models.Payment, target models.PaymentState, metadata map[string]any) (*models.Payment, error)
	RecordRetry(ctx context.Context, p *models.Payment, cause error) (*models.Payment, error)
}

// Recorder receives attempt events and trace spans.
type Recorder interface {
	LogEvent(ctx context.Context, evt telemetry.Event)
	LogError(ctx context.Context, evt telemetry.ErrorEvent)
	AddSpan(traceID, name string, data map[string]any)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator executes operations with retries.
type Orchestrator struct {
	machine  Machine
	recorder Recorder
	sleep    SleepFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator.
func New(machine Machine, recorder Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		machine:  machine,
		recorder: recorder,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recorder == nil {
		o.recorder = telemetry.NewRecorder()
	}
	return o
}

// Sleep waits for d without blocking other goroutines and returns early
// with ctx.Err() when ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run attempts op against p until it succeeds, a non-retryable error is
// returned, or opts.MaxRetries retries are spent.
//
// Every failed attempt increments the payment's retry count. Compliance
// denials are returned after one attempt and leave the payment state to the
// caller. Fatal errors and exhausted retries transition the payment to
// failed before the last error is returned.
func Run[T any](ctx context.Context, o *Orchestrator, p *models.Payment, op Operation[T], opts Options) (Outcome[T], error) {
	opts = opts.withDefaults()
	schedule := opts.schedule()
	traceID := traceIDOf(p)
	current := p

	for attempt := 0; ; attempt++ {
		o.recorder.LogEvent(ctx, telemetry.Event{
			Type:     EventAttemptStarted,
			EntityID: current.ID,
			UserID:   current.UserID,
			Data:     map[string]any{"attempt": attempt, "max_retries": opts.MaxRetries},
		})

		value, err := op(ctx, current, attempt)
		if err == nil {
			o.recorder.LogEvent(ctx, telemetry.Event{
				Type:     EventAttemptSucceeded,
				EntityID: current.ID,
				UserID:   current.UserID,
				Data:     map[string]any{"attempt": attempt},
			})
			o.recorder.AddSpan(traceID, "attempt_succeeded", map[string]any{"attempt": attempt})
			return Outcome[T]{Payment: current, Value: value, Attempts: attempt + 1}, nil
		}

		retryable := Retryable(err)
		o.recorder.LogEvent(ctx, telemetry.Event{
			Type:     EventAttemptFailed,
			EntityID: current.ID,
			UserID:   current.UserID,
			Data: map[string]any{
				"attempt":   attempt,
				"error":     err.Error(),
				"retryable": retryable,
				"blocked":   apperrors.IsBlocked(err),
			},
		})
		o.recorder.AddSpan(traceID, "attempt_failed", map[string]any{"attempt": attempt, "error": err.Error()})

		if apperrors.IsBlocked(err) {
			return Outcome[T]{Payment: current, Attempts: attempt + 1}, err
		}

		bookCtx := ctx
		if ctx.Err() != nil {
			bookCtx = context.WithoutCancel(ctx)
		}
		next, rerr := o.machine.RecordRetry(bookCtx, current, err)
		if rerr != nil {
			return Outcome[T]{Payment: current, Attempts: attempt + 1}, rerr
		}
		current = next

		if !retryable {
			o.recorder.LogError(ctx, telemetry.ErrorEvent{
				Type:     ErrorFatalAttempt,
				EntityID: current.ID,
				UserID:   current.UserID,
				Err:      err,
				Data:     map[string]any{"attempt": attempt},
			})
			return fail[T](bookCtx, o, current, attempt+1, err, true)
		}

		if attempt >= opts.MaxRetries {
			o.recorder.LogError(ctx, telemetry.ErrorEvent{
				Type:     ErrorRetriesExhausted,
				EntityID: current.ID,
				UserID:   current.UserID,
				Err:      err,
				Data:     map[string]any{"attempts": attempt + 1},
			})
			return fail[T](bookCtx, o, current, attempt+1, err, false)
		}

		delay := schedule.NextBackOff()
		o.recorder.AddSpan(traceID, "backoff", map[string]any{"delay_ms": delay.Milliseconds()})
		if serr := o.sleep(ctx, delay); serr != nil {
			cause := fmt.Errorf("retry wait interrupted: %w", serr)
			return fail[T](context.WithoutCancel(ctx), o, current, attempt+1, cause, false)
		}
	}
}

// fail moves p to failed and returns cause, joined with the transition
// error if the payment could not be moved.
func fail[T any](ctx context.Context, o *Orchestrator, p *models.Payment, attempts int, cause error, fatal bool) (Outcome[T], error) {
	metadata := map[string]any{
		"error":   cause.Error(),
		"retries": p.RetryCount,
	}
	if fatal {
		metadata["fatal"] = true
	}
	failed, err := o.machine.Transition(ctx, p, models.StateFailed, metadata)
	if err != nil {
		return Outcome[T]{Payment: p, Attempts: attempts}, errors.Join(cause, err)
	}
	return Outcome[T]{Payment: failed, Attempts: attempts}, cause
}

// Retryable reports whether err is worth another attempt. Errors that
// carry no classification are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeTransientProcessing:
		return true
	case apperrors.CodeFatalProcessing,
		apperrors.CodeProcessingFailed,
		apperrors.CodeStoreUnavailable,
		apperrors.CodeValidation,
		apperrors.CodeInvalidTransition,
		apperrors.CodeSanctionsBlocked,
		apperrors.CodeKYCRequired,
		apperrors.CodeKYBRequired:
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func traceIDOf(p *models.Payment) string {
	id, _ := p.Metadata[models.MetadataTraceID].(string)
	return id
}
