package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRulesAdapterInterestAsksForEmail(t *testing.T) {
	a := NewRulesAdapter()
	reply, err := a.Respond(context.Background(), Request{Utterance: "Yes, I'm interested"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.EndCall {
		t.Fatalf("EndCall = true, want false")
	}
	if reply.Extracted["interest_level"] != "high" {
		t.Fatalf("interest_level = %q, want high", reply.Extracted["interest_level"])
	}
	if reply.Message == "" {
		t.Fatalf("message is empty")
	}
}

func TestRulesAdapterEmailAsksForCompany(t *testing.T) {
	a := NewRulesAdapter()
	reply, err := a.Respond(context.Background(), Request{Utterance: "sure, it's dana@acme.com"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Extracted["email"] != "dana@acme.com" {
		t.Fatalf("email = %q, want dana@acme.com", reply.Extracted["email"])
	}
	if reply.EndCall {
		t.Fatalf("EndCall = true, want false")
	}
}

func TestRulesAdapterNegativeTerminatesPolitely(t *testing.T) {
	a := NewRulesAdapter()
	reply, err := a.Respond(context.Background(), Request{Utterance: "No thanks, I'm not interested"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !reply.EndCall {
		t.Fatalf("EndCall = false, want true")
	}
	if reply.Extracted["interest_level"] != "low" {
		t.Fatalf("interest_level = %q, want low", reply.Extracted["interest_level"])
	}
}

func TestRulesAdapterDefaultKeepsConversationOpen(t *testing.T) {
	a := NewRulesAdapter()
	reply, err := a.Respond(context.Background(), Request{Utterance: "we use spreadsheets today"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.EndCall || reply.Message == "" {
		t.Fatalf("reply = %+v", reply)
	}
}

type stubAdapter struct {
	reply Reply
	err   error
	calls int
}

func (s *stubAdapter) Respond(context.Context, Request) (Reply, error) {
	s.calls++
	return s.reply, s.err
}

func TestFallbackAdapterUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubAdapter{reply: Reply{Message: "from primary"}}
	fallback := &stubAdapter{reply: Reply{Message: "from rules"}}
	a := NewFallbackAdapter(primary, fallback, 0)

	reply, err := a.Respond(context.Background(), Request{Utterance: "hi"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Message != "from primary" {
		t.Fatalf("message = %q, want from primary", reply.Message)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestFallbackAdapterFallsBackOnPrimaryError(t *testing.T) {
	primary := &stubAdapter{err: errors.New("quota exhausted")}
	fallback := &stubAdapter{reply: Reply{Message: "from rules"}}
	a := NewFallbackAdapter(primary, fallback, 0)

	reply, err := a.Respond(context.Background(), Request{Utterance: "hi"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Message != "from rules" {
		t.Fatalf("message = %q, want from rules", reply.Message)
	}
}

type blockingAdapter struct{}

func (blockingAdapter) Respond(ctx context.Context, _ Request) (Reply, error) {
	<-ctx.Done()
	return Reply{}, ctx.Err()
}

func TestFallbackAdapterFallsBackOnPrimarySubDeadline(t *testing.T) {
	fallback := &stubAdapter{reply: Reply{Message: "from rules"}}
	a := NewFallbackAdapter(blockingAdapter{}, fallback, 10*time.Millisecond)

	reply, err := a.Respond(context.Background(), Request{Utterance: "hi"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Message != "from rules" {
		t.Fatalf("message = %q, want from rules", reply.Message)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1 after primary sub-deadline", fallback.calls)
	}
}

func TestFallbackAdapterPropagatesCallerCancellation(t *testing.T) {
	primary := &stubAdapter{err: context.Canceled}
	fallback := &stubAdapter{reply: Reply{Message: "from rules"}}
	a := NewFallbackAdapter(primary, fallback, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Respond(ctx, Request{Utterance: "hi"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Respond() error = %v, want context.Canceled", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0 after caller cancellation", fallback.calls)
	}
}

func TestFallbackAdapterCombinesErrorsWhenBothFail(t *testing.T) {
	primary := &stubAdapter{err: errors.New("primary down")}
	fallback := &stubAdapter{err: errors.New("fallback down")}
	a := NewFallbackAdapter(primary, fallback, 0)

	if _, err := a.Respond(context.Background(), Request{Utterance: "hi"}); err == nil {
		t.Fatalf("Respond() expected combined error")
	}
}
