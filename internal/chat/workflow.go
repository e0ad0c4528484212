package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UsageReporter computes and emits the priced usage report for a finished
// request. Accounting failures are logged only — they must never fail the
// request.
type UsageReporter interface {
	Report(ctx context.Context, state *RequestState) error
}

// ValidationError is raised by the validate stage for a malformed request.
// It is fatal for the request: no vendor call is ever attempted.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: missing required field %q", e.Field)
}

// TimeoutError is raised when the workflow's circuit breaker expires before
// the request finished.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow exceeded circuit breaker timeout of %s", e.Timeout)
}

// Workflow runs the linear validate → stream → account → cleanup state
// machine for one request, open-coded as a straight-line sequence per the
// redesign guidance: a graph abstraction buys nothing for four steps with no
// branching.
type Workflow struct {
	Publisher EventPublisher
	Usage     UsageReporter
	Timeout   time.Duration
}

// Run executes the workflow for state against inst. It always leaves
// state.StreamActive == false and state.AIRequestFinishedAt set on return,
// regardless of outcome, and always publishes exactly one END_STREAM event
// for any request that got past validation.
func (w *Workflow) Run(ctx context.Context, inst *Instance, state *RequestState) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 1200 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	inst.setCancel(cancel)
	defer cancel()

	if err := validate(state); err != nil {
		state.AIRequestFinishedAt = time.Now()
		if w.Publisher != nil {
			_ = PublishError(w.Publisher, state.WorkspaceID, state.ThreadID, err.Error(), "", "")
		}
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- w.stream(ctx, inst, state)
	}()

	select {
	case err := <-runErr:
		w.account(ctx, state)
		cleanup(inst)
		return err
	case <-ctx.Done():
		if ctx.Err() != context.DeadlineExceeded {
			// Cancelled by Instance.Stop or the caller, not by the circuit
			// breaker: the adapter's request is bound to ctx, so the stream
			// goroutine returns and the normal exit path runs.
			err := <-runErr
			w.account(ctx, state)
			cleanup(inst)
			return err
		}
		// Circuit breaker: the workflow itself timed out. The stream
		// goroutine keeps running until it notices ctx.Done and exits on
		// its own; we don't wait for it here.
		err := &TimeoutError{Timeout: timeout}
		if w.Publisher != nil {
			_ = PublishError(w.Publisher, state.WorkspaceID, state.ThreadID, err.Error(), "", "")
		}
		state.StreamActive = false
		state.AIRequestFinishedAt = time.Now()
		cleanup(inst)
		return err
	}
}

func validate(state *RequestState) error {
	if state.ModelVersion == "" {
		return &ValidationError{Field: "modelVersion"}
	}
	if len(state.Messages) == 0 {
		return &ValidationError{Field: "messages"}
	}
	if state.WorkspaceID == "" {
		return &ValidationError{Field: "workspaceId"}
	}
	if state.ThreadID == "" {
		return &ValidationError{Field: "threadId"}
	}
	return nil
}

func (w *Workflow) stream(ctx context.Context, inst *Instance, state *RequestState) (err error) {
	state.StreamActive = true
	state.AIRequestReceivedAt = time.Now()

	defer func() {
		// Guaranteed-release section: the finished timestamp and the
		// stream-end marker are emitted on every exit path (success,
		// cancellation, or caught error) regardless of what streamImpl did.
		state.StreamActive = false
		state.AIRequestFinishedAt = time.Now()

		if w.Publisher != nil {
			_ = PublishEvent(w.Publisher, state.WorkspaceID, state.ThreadID, StreamEvent{
				Status:     StatusEndStream,
				AIProvider: state.Provider,
			})
		}
	}()

	result, streamErr := inst.adapter.StreamImpl(ctx, w.Publisher, state, inst.ShouldStop)
	if result != nil {
		*state = *result
	}

	// Anthropic's adapter fills this from the vendor's message id; OpenAI's
	// Responses API has no equivalent concept. Fall back to a generated id
	// so every accounted request carries a stable correlation id.
	if state.AIVendorRequestID == "" {
		state.AIVendorRequestID = uuid.NewString()
	}

	if streamErr != nil {
		// Adapters publish vendor-reported failures themselves and record
		// them in state.Error; any other failure is reported here.
		if state.Error == "" && w.Publisher != nil {
			_ = PublishError(w.Publisher, state.WorkspaceID, state.ThreadID, streamErr.Error(), state.ErrorCode, state.ErrorType)
		}
		state.Error = streamErr.Error()
		return streamErr
	}
	return nil
}

func (w *Workflow) account(ctx context.Context, state *RequestState) {
	if state.Error != "" {
		// Matches the original behavior exactly: accounting is skipped
		// entirely whenever the request ended in error, even if partial
		// tokens were streamed first.
		return
	}
	if w.Usage == nil {
		return
	}
	if err := w.Usage.Report(ctx, state); err != nil {
		slog.Error("usage accounting failed", "workspaceId", state.WorkspaceID, "threadId", state.ThreadID, "error", err)
	}
}

func cleanup(inst *Instance) {
	inst.resetShouldStop()
}
