package call

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryGetReturnsSameSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	created, err := r.Create("CA123", "+15550001111", "camp-1", "contact-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := r.Get("CA123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := r.Get("CA123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != created || second != created {
		t.Fatalf("Get() returned a different session instance")
	}
}

func TestRegistryCreateRejectsDuplicateCallID(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA123", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create("CA123", "+15550002222", "camp-2", ""); err == nil {
		t.Fatalf("Create() expected error for duplicate call id")
	}
}

func TestEnsureTrackedIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute)
	seed := Session{CampaignID: "camp-1", Phone: "+15550001111"}

	first := r.EnsureTracked("CA9", seed)
	second := r.EnsureTracked("CA9", seed)
	if first != second {
		t.Fatalf("EnsureTracked() created a second entry for the same id")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
	if first.State != StateActive {
		t.Fatalf("recovered state = %s, want %s", first.State, StateActive)
	}
}

func TestWithCallSerializesMutations(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA7", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 16
	const perWriter = 25
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = r.WithCall("CA7", func(s *Session) error {
					s.AppendTurn(Turn{Role: RoleCustomer, Text: "x"})
					return nil
				})
			}
		}()
	}
	wg.Wait()

	s, err := r.Get("CA7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(s.History) != writers*perWriter {
		t.Fatalf("history len = %d, want %d", len(s.History), writers*perWriter)
	}
}

func TestEnsureTrackedSeedsHistory(t *testing.T) {
	r := NewRegistry(time.Minute)
	seed := Session{
		CampaignID: "camp-1",
		History: []Turn{
			{Role: RoleAgent, Text: "hi"},
			{Role: RoleCustomer, Text: "hello"},
		},
	}

	s := r.EnsureTracked("CA14", seed)
	if len(s.History) != 2 {
		t.Fatalf("recovered history len = %d, want 2", len(s.History))
	}
	seed.History[0].Text = "mutated"
	if s.History[0].Text != "hi" {
		t.Fatalf("recovered history shares backing array with the seed")
	}
}

func TestSnapshotDetachesHistoryAndCollected(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA13", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := r.WithCall("CA13", func(s *Session) error {
		s.AppendTurn(Turn{Role: RoleAgent, Text: "hello"})
		s.Collected.Merge(map[string]string{"email": "dana@acme.com"})
		return nil
	})
	if err != nil {
		t.Fatalf("WithCall() error = %v", err)
	}

	snap, err := r.Snapshot("CA13")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	snap.History[0].Text = "mutated"
	snap.Collected["email"] = "mutated"

	live, err := r.Get("CA13")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if live.History[0].Text != "hello" || live.Collected["email"] != "dana@acme.com" {
		t.Fatalf("snapshot shares state with the live session")
	}
}

func TestEndWaitsForInFlightTurn(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA11", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.WithCall("CA11", func(s *Session) error {
			close(entered)
			<-release
			s.AppendTurn(Turn{Role: RoleCustomer, Text: "mid-flight"})
			return nil
		})
	}()
	<-entered

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	s, err := r.End("CA11")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WithCall() error = %v", err)
	}
	if len(s.History) != 1 {
		t.Fatalf("history len = %d, want the in-flight turn included", len(s.History))
	}
}

func TestTurnRacingEndIsRejected(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA12", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- r.WithCall("CA12", func(s *Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- r.WithCall("CA12", func(s *Session) error {
			s.AppendTurn(Turn{Role: RoleCustomer, Text: "late"})
			return nil
		})
	}()

	endDone := make(chan *Session, 1)
	go func() {
		s, err := r.End("CA12")
		if err != nil {
			t.Errorf("End() error = %v", err)
		}
		endDone <- s
	}()
	// End unregisters before it waits on the entry lock.
	for r.ActiveCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-firstDone; err != nil {
		t.Fatalf("in-flight WithCall() error = %v", err)
	}
	if err := <-secondDone; !errors.Is(err, ErrNotFound) {
		t.Fatalf("late WithCall() error = %v, want ErrNotFound", err)
	}
	if s := <-endDone; len(s.History) != 0 {
		t.Fatalf("history len = %d, late turn mutated an ended session", len(s.History))
	}
}

func TestEndRemovesAndReturnsSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Create("CA5", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s, err := r.End("CA5")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if s.EndedAt.IsZero() {
		t.Fatalf("End() did not stamp EndedAt")
	}
	if _, err := r.Get("CA5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End() error = %v, want ErrNotFound", err)
	}
	if _, err := r.End("CA5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End() twice error = %v, want ErrNotFound", err)
	}
}

func TestJanitorExpiresInactiveCalls(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	if _, err := r.Create("CA2", "+15550001111", "camp-1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	expired := make(chan *Session, 1)
	r.SetExpireHook(func(s *Session) { expired <- s })

	time.Sleep(20 * time.Millisecond)
	r.expireInactive()

	select {
	case s := <-expired:
		if s.ProviderCallID != "CA2" {
			t.Fatalf("expired call id = %q, want %q", s.ProviderCallID, "CA2")
		}
	default:
		t.Fatalf("expire hook not invoked")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}
