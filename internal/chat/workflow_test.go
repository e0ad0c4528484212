package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakePublisher records every published (subject, payload) pair in order.
type fakePublisher struct {
	mu   sync.Mutex
	subs []string
	data [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subject)
	f.data = append(f.data, data)
	return nil
}

func (f *fakePublisher) statuses(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for i, subject := range f.subs {
		if subject != receiveSubject("ws", "th") {
			continue
		}
		var env struct {
			Content struct {
				Status string `json:"status"`
			} `json:"content"`
		}
		if err := json.Unmarshal(f.data[i], &env); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		out = append(out, env.Content.Status)
	}
	return out
}

// happyAdapter emits three deltas then returns success.
type happyAdapter struct{}

func (happyAdapter) StreamImpl(ctx context.Context, pub EventPublisher, state *RequestState, shouldStop func() bool) (*RequestState, error) {
	_ = PublishEvent(pub, state.WorkspaceID, state.ThreadID, StreamEvent{Status: StatusStartStream, AIProvider: state.Provider})
	for _, delta := range []string{"h", "e", "llo"} {
		if shouldStop() {
			break
		}
		_ = PublishEvent(pub, state.WorkspaceID, state.ThreadID, StreamEvent{Status: StatusStreaming, AIProvider: state.Provider, Text: delta})
	}
	state.Usage = &Usage{Prompt: 2, Completion: 3, Total: 5}
	return state, nil
}

// failingAdapter emits START_STREAM then an ERROR and returns an error.
type failingAdapter struct{}

func (failingAdapter) StreamImpl(ctx context.Context, pub EventPublisher, state *RequestState, shouldStop func() bool) (*RequestState, error) {
	_ = PublishEvent(pub, state.WorkspaceID, state.ThreadID, StreamEvent{Status: StatusStartStream, AIProvider: state.Provider})
	_ = PublishEvent(pub, state.WorkspaceID, state.ThreadID, StreamEvent{
		Status:     StatusError,
		AIProvider: state.Provider,
		Error:      &VendorError{Message: "quota", Code: "insufficient_quota", Type: "billing_error"},
	})
	return state, fmt.Errorf("quota")
}

type stubUsageReporter struct {
	called bool
	total  int
}

func (s *stubUsageReporter) Report(ctx context.Context, state *RequestState) error {
	s.called = true
	if state.Usage != nil {
		s.total = state.Usage.Total
	}
	return nil
}

func baseState() *RequestState {
	return &RequestState{
		Messages:     []Message{{Role: "user", Content: "hi"}},
		ModelVersion: "gpt-x",
		WorkspaceID:  "ws",
		ThreadID:     "th",
		Provider:     VendorOpenAI,
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	pub := &fakePublisher{}
	usageR := &stubUsageReporter{}
	inst := &Instance{Key: NewInstanceKey("ws", "th"), adapter: happyAdapter{}}
	wf := &Workflow{Publisher: pub, Usage: usageR, Timeout: time.Second}

	state := baseState()
	if err := wf.Run(context.Background(), inst, state); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := pub.statuses(t)
	want := []string{"START_STREAM", "STREAMING", "STREAMING", "STREAMING", "END_STREAM"}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}

	if !usageR.called {
		t.Fatal("expected usage reporter to be called on success")
	}
	if usageR.total != 5 {
		t.Fatalf("usage total = %d, want 5", usageR.total)
	}
	if state.StreamActive {
		t.Fatal("StreamActive should be false after terminal exit")
	}
	if state.AIRequestFinishedAt.Before(state.AIRequestReceivedAt) {
		t.Fatal("AIRequestFinishedAt should not precede AIRequestReceivedAt")
	}
	if state.AIVendorRequestID == "" {
		t.Fatal("expected a generated AIVendorRequestID when the adapter left it empty")
	}
}

func TestWorkflowVendorError(t *testing.T) {
	pub := &fakePublisher{}
	usageR := &stubUsageReporter{}
	inst := &Instance{Key: NewInstanceKey("ws", "th"), adapter: failingAdapter{}}
	wf := &Workflow{Publisher: pub, Usage: usageR, Timeout: time.Second}

	state := baseState()
	err := wf.Run(context.Background(), inst, state)
	if err == nil {
		t.Fatal("expected error from failing adapter")
	}

	got := pub.statuses(t)
	want := []string{"START_STREAM", "ERROR", "END_STREAM"}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}

	if usageR.called {
		t.Fatal("accounting must be skipped when the request errored")
	}

	// S4: the error subject also carries the structured failure.
	found := false
	for i, subject := range pub.subs {
		if subject == errorSubject("ws", "th") {
			var report errorReport
			if err := json.Unmarshal(pub.data[i], &report); err != nil {
				t.Fatalf("unmarshal error report: %v", err)
			}
			found = true
			_ = report
		}
	}
	if !found {
		t.Fatal("expected a publish on the error subject")
	}
}

func TestWorkflowValidationError(t *testing.T) {
	pub := &fakePublisher{}
	inst := &Instance{Key: NewInstanceKey("ws", "th"), adapter: happyAdapter{}}
	wf := &Workflow{Publisher: pub, Timeout: time.Second}

	state := baseState()
	state.ModelVersion = ""

	err := wf.Run(context.Background(), inst, state)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	pub := &fakePublisher{}
	inst := &Instance{Key: NewInstanceKey("ws", "th"), adapter: blockingAdapter{}}
	wf := &Workflow{Publisher: pub, Timeout: 20 * time.Millisecond}

	state := baseState()
	err := wf.Run(context.Background(), inst, state)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
}

type blockingAdapter struct{}

func (blockingAdapter) StreamImpl(ctx context.Context, pub EventPublisher, state *RequestState, shouldStop func() bool) (*RequestState, error) {
	<-ctx.Done()
	return state, ctx.Err()
}
