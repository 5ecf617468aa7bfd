package store

import (
	"context"
	"errors"
	"time"

	"github.com/lmoretti/outcall/internal/call"
)

var ErrNotFound = errors.New("record not found")

// VoiceConfig holds per-campaign synthesis parameters. Read-only here.
type VoiceConfig struct {
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
	Language        string  `json:"language"`
}

// Campaign is the outreach campaign a call belongs to. Campaign CRUD lives
// elsewhere; the orchestrator only reads it.
type Campaign struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Script    string      `json:"script"`
	Greeting  string      `json:"greeting"`
	Objective string      `json:"objective"`
	Language  string      `json:"language"`
	Voice     VoiceConfig `json:"voice"`
}

// Contact is a prospect record enriched with data collected during calls.
type Contact struct {
	ID            string    `json:"id"`
	Phone         string    `json:"phone"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Company       string    `json:"company"`
	InterestLevel string    `json:"interest_level"`
	Notes         string    `json:"notes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CallRecord is the durable record of one call.
type CallRecord struct {
	ID              string            `json:"id"`
	ProviderCallID  string            `json:"provider_call_id"`
	CampaignID      string            `json:"campaign_id"`
	ContactID       string            `json:"contact_id"`
	Phone           string            `json:"phone"`
	Status          string            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
	DurationSeconds int               `json:"duration_seconds"`
	Transcript      []call.Turn       `json:"transcript"`
	Collected       map[string]string `json:"collected"`
	Summary         string            `json:"summary"`
	SuccessScore    int               `json:"success_score"`
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, id string) (Contact, error)
	CreateContact(ctx context.Context, c Contact) (Contact, error)
	UpdateContact(ctx context.Context, c Contact) error
}

type CallStore interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	UpdateCall(ctx context.Context, rec CallRecord) error
	FinalizeCall(ctx context.Context, rec CallRecord) error
	GetCallByProviderID(ctx context.Context, providerCallID string) (CallRecord, error)
}

// Store bundles the collaborator contracts the orchestrator consumes.
type Store interface {
	CampaignStore
	ContactStore
	CallStore
	Close() error
}
