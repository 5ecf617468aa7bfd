package call

import (
	"strings"
	"time"
)

// State is the lifecycle state of a call. Transitions are monotonic except
// for the Gathering/Processing loop while the call is live.
type State string

const (
	StateCreated    State = "created"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateGathering  State = "gathering"
	StateProcessing State = "processing"
	StateEnding     State = "ending"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateNoAnswer   State = "no_answer"
	StateBusy       State = "busy"
)

// Terminal reports whether the call has reached a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateNoAnswer, StateBusy:
		return true
	default:
		return false
	}
}

// Live reports whether the call is in the gather/process sub-loop.
func (s State) Live() bool {
	switch s {
	case StateActive, StateGathering, StateProcessing:
		return true
	default:
		return false
	}
}

var stateRank = map[State]int{
	StateCreated:    0,
	StateRinging:    1,
	StateActive:     2,
	StateGathering:  2,
	StateProcessing: 2,
	StateEnding:     3,
	StateCompleted:  4,
	StateFailed:     4,
	StateNoAnswer:   4,
	StateBusy:       4,
}

// CanTransition reports whether moving from s to next is allowed. States are
// never revisited once left; Gathering and Processing alternate freely while
// the call is live.
func (s State) CanTransition(next State) bool {
	if s == next {
		return s.Live()
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if from == to {
		// Only the live sub-loop shares a rank.
		return s.Live() && next.Live()
	}
	return to > from
}

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Turn is a single utterance in the conversation. Immutable once appended.
type Turn struct {
	Role       Role              `json:"role"`
	Text       string            `json:"text"`
	At         time.Time         `json:"at"`
	ArtifactID string            `json:"artifact_id,omitempty"`
	Extracted  map[string]string `json:"extracted,omitempty"`
}

// ContactData accumulates structured fields extracted across turns.
type ContactData map[string]string

// Merge applies incoming fields non-destructively: a non-empty incoming value
// overwrites the existing one, empty or absent values never erase data.
func (d ContactData) Merge(incoming map[string]string) {
	for key, value := range incoming {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		d[key] = value
	}
}

// Session is the in-memory record of one phone call. All mutation happens
// under the owning registry entry's lock (Registry.WithCall).
type Session struct {
	ID             string
	ProviderCallID string
	CampaignID     string
	ContactID      string
	Phone          string

	State     State
	Language  string
	StartedAt time.Time
	EndedAt   time.Time

	History   []Turn
	Collected ContactData

	// LastEventToken and LastMarkup support idempotent webhook redelivery:
	// a repeated token replays the cached response instead of reprocessing.
	LastEventToken string
	LastMarkup     []byte

	LastArtifactID string

	// NativeVoiceOnly pins the telephony provider's built-in voice for the
	// rest of the call once premium synthesis has failed, so the voice
	// identity does not flap mid-call on a transient recovery.
	NativeVoiceOnly bool

	LastActivityAt time.Time
}

// AppendTurn adds a turn to the conversation history. History is append-only.
func (s *Session) AppendTurn(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	s.History = append(s.History, t)
}

// Transition moves the session to next if the state machine allows it and
// reports whether the move happened.
func (s *Session) Transition(next State) bool {
	if !s.State.CanTransition(next) {
		return false
	}
	s.State = next
	return true
}
