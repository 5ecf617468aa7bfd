package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("call not found")

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Registry is the single source of truth for in-flight calls, keyed by the
// provider-assigned call identifier. Mutations for one call id are serialized
// through WithCall; different call ids proceed in parallel.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook installs a callback invoked for calls evicted by the janitor.
// The hook runs outside the registry lock with an already-removed session.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Create registers a new session for a provider call id. Exactly one live
// session may exist per call id; a second Create for the same id fails.
func (r *Registry) Create(providerCallID, phone, campaignID, contactID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ProviderCallID: providerCallID,
		CampaignID:     campaignID,
		ContactID:      contactID,
		Phone:          phone,
		State:          StateCreated,
		StartedAt:      now,
		LastActivityAt: now,
		Collected:      ContactData{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[providerCallID]; exists {
		return nil, errors.New("call already tracked")
	}
	r.entries[providerCallID] = &entry{session: s}
	return s, nil
}

// EnsureTracked inserts a session for the call id if none exists, used when a
// webhook references a call the in-memory registry has forgotten (e.g. after
// a restart). Idempotent: a repeated call for the same id is a no-op.
func (r *Registry) EnsureTracked(providerCallID string, seed Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[providerCallID]; exists {
		return e.session
	}

	s := &Session{
		ID:             seed.ID,
		ProviderCallID: providerCallID,
		CampaignID:     seed.CampaignID,
		ContactID:      seed.ContactID,
		Phone:          seed.Phone,
		State:          seed.State,
		Language:       seed.Language,
		StartedAt:      seed.StartedAt,
		LastActivityAt: time.Now().UTC(),
		Collected:      ContactData{},
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = StateActive
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.History = append([]Turn(nil), seed.History...)
	for k, v := range seed.Collected {
		s.Collected[k] = v
	}
	r.entries[providerCallID] = &entry{session: s}
	return s
}

// Get returns the live session for the call id, or ErrNotFound. The returned
// pointer is the registry's single session instance for that id.
func (r *Registry) Get(providerCallID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[providerCallID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.session, nil
}

// WithCall runs fn with exclusive access to the session for the call id.
// Webhook redelivery by the provider serializes here instead of corrupting
// shared state. After taking the entry lock it re-checks registration: if a
// concurrent End or janitor eviction won the race, fn never runs and the
// ended session stays untouched.
func (r *Registry) WithCall(providerCallID string, fn func(*Session) error) error {
	r.mu.RLock()
	e, ok := r.entries[providerCallID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.RLock()
	current, registered := r.entries[providerCallID]
	r.mu.RUnlock()
	if !registered || current != e {
		return ErrNotFound
	}

	e.session.LastActivityAt = time.Now().UTC()
	return fn(e.session)
}

// Snapshot returns a copy of the session for read-only callers, with the
// history and collected map detached from the live session. Unlike WithCall
// it does not count as call activity for the janitor.
func (r *Registry) Snapshot(providerCallID string) (Session, error) {
	r.mu.RLock()
	e, ok := r.entries[providerCallID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := *e.session
	s.History = append([]Turn(nil), e.session.History...)
	s.Collected = ContactData{}
	for k, v := range e.session.Collected {
		s.Collected[k] = v
	}
	return s, nil
}

// End removes the session from the registry and returns it for persistence.
// It unregisters first and then waits on the entry lock, so an in-flight
// WithCall finishes before the caller owns the session and any turn still
// queued behind it fails the registration re-check.
func (r *Registry) End(providerCallID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.entries[providerCallID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(r.entries, providerCallID)
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.EndedAt.IsZero() {
		e.session.EndedAt = time.Now().UTC()
	}
	return e.session, nil
}

// ActiveCount returns the number of tracked calls.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StartJanitor evicts calls with no webhook activity for the inactivity
// window. The provider can die mid-call without a terminal status webhook;
// the expire hook gives the caller a chance to finalize and persist.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// expireInactive evicts entries one at a time under their own lock. The
// registry lock is never held while waiting on an entry lock, matching the
// ordering WithCall and End use.
func (r *Registry) expireInactive() {
	now := time.Now().UTC()

	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		candidates[id] = e
	}
	hook := r.onExpire
	r.mu.RUnlock()

	for id, e := range candidates {
		e.mu.Lock()
		if now.Sub(e.session.LastActivityAt) < r.inactivityTimeout {
			e.mu.Unlock()
			continue
		}

		r.mu.Lock()
		current, registered := r.entries[id]
		if !registered || current != e {
			// Ended through the normal path while we waited.
			r.mu.Unlock()
			e.mu.Unlock()
			continue
		}
		delete(r.entries, id)
		r.mu.Unlock()

		if e.session.EndedAt.IsZero() {
			e.session.EndedAt = now
		}
		sess := e.session
		e.mu.Unlock()

		if hook != nil {
			hook(sess)
		}
	}
}
