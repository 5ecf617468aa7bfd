package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists campaigns, contacts, and call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			script TEXT NOT NULL DEFAULT '',
			greeting TEXT NOT NULL DEFAULT '',
			objective TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'en',
			voice JSONB NOT NULL DEFAULT '{}'::jsonb
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			interest_level TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			provider_call_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_seconds INT NOT NULL DEFAULT 0,
			transcript JSONB NOT NULL DEFAULT '[]'::jsonb,
			collected JSONB NOT NULL DEFAULT '{}'::jsonb,
			summary TEXT NOT NULL DEFAULT '',
			success_score INT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_provider ON calls (provider_call_id);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_campaign_started ON calls (campaign_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var (
		c        Campaign
		voiceRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, script, greeting, objective, language, voice
		 FROM campaigns WHERE id=$1`, id,
	).Scan(&c.ID, &c.Name, &c.Script, &c.Greeting, &c.Objective, &c.Language, &voiceRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	if len(voiceRaw) > 0 {
		if err := json.Unmarshal(voiceRaw, &c.Voice); err != nil {
			return Campaign{}, fmt.Errorf("decode campaign voice config: %w", err)
		}
	}
	return c, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx,
		`SELECT id, phone, name, email, company, interest_level, notes, updated_at
		 FROM contacts WHERE id=$1`, id,
	).Scan(&c.ID, &c.Phone, &c.Name, &c.Email, &c.Company, &c.InterestLevel, &c.Notes, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, c Contact) (Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (id, phone, name, email, company, interest_level, notes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Phone, c.Name, c.Email, c.Company, c.InterestLevel, c.Notes, c.UpdatedAt,
	)
	if err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c Contact) error {
	c.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET phone=$2, name=$3, email=$4, company=$5, interest_level=$6, notes=$7, updated_at=$8
		 WHERE id=$1`,
		c.ID, c.Phone, c.Name, c.Email, c.Company, c.InterestLevel, c.Notes, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	transcript, collected, err := encodeCallJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calls (id, provider_call_id, campaign_id, contact_id, phone, status,
			started_at, ended_at, duration_seconds, transcript, collected, summary, success_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.ProviderCallID, rec.CampaignID, rec.ContactID, rec.Phone, rec.Status,
		nullableTime(rec.StartedAt), nullableTime(rec.EndedAt), rec.DurationSeconds,
		transcript, collected, rec.Summary, rec.SuccessScore,
	)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCall(ctx context.Context, rec CallRecord) error {
	transcript, collected, err := encodeCallJSON(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET provider_call_id=$2, status=$3, ended_at=$4, duration_seconds=$5,
			transcript=$6, collected=$7, summary=$8, success_score=$9
		 WHERE id=$1`,
		rec.ID, rec.ProviderCallID, rec.Status, nullableTime(rec.EndedAt), rec.DurationSeconds,
		transcript, collected, rec.Summary, rec.SuccessScore,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeCall upserts so a call that was never created incrementally (e.g.
// recovered after a restart) still persists on finalize.
func (s *PostgresStore) FinalizeCall(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	transcript, collected, err := encodeCallJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calls (id, provider_call_id, campaign_id, contact_id, phone, status,
			started_at, ended_at, duration_seconds, transcript, collected, summary, success_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, ended_at=EXCLUDED.ended_at,
			duration_seconds=EXCLUDED.duration_seconds, transcript=EXCLUDED.transcript,
			collected=EXCLUDED.collected, summary=EXCLUDED.summary,
			success_score=EXCLUDED.success_score`,
		rec.ID, rec.ProviderCallID, rec.CampaignID, rec.ContactID, rec.Phone, rec.Status,
		nullableTime(rec.StartedAt), nullableTime(rec.EndedAt), rec.DurationSeconds,
		transcript, collected, rec.Summary, rec.SuccessScore,
	)
	if err != nil {
		return fmt.Errorf("finalize call: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCallByProviderID(ctx context.Context, providerCallID string) (CallRecord, error) {
	var (
		rec        CallRecord
		transcript []byte
		collected  []byte
		startedAt  *time.Time
		endedAt    *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider_call_id, campaign_id, contact_id, phone, status,
			started_at, ended_at, duration_seconds, transcript, collected, summary, success_score
		 FROM calls WHERE provider_call_id=$1 ORDER BY started_at DESC LIMIT 1`, providerCallID,
	).Scan(&rec.ID, &rec.ProviderCallID, &rec.CampaignID, &rec.ContactID, &rec.Phone, &rec.Status,
		&startedAt, &endedAt, &rec.DurationSeconds, &transcript, &collected, &rec.Summary, &rec.SuccessScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("get call: %w", err)
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
			return CallRecord{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(collected) > 0 {
		if err := json.Unmarshal(collected, &rec.Collected); err != nil {
			return CallRecord{}, fmt.Errorf("decode collected data: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeCallJSON(rec CallRecord) (transcript []byte, collected []byte, err error) {
	if rec.Transcript == nil {
		transcript = []byte("[]")
	} else if transcript, err = json.Marshal(rec.Transcript); err != nil {
		return nil, nil, fmt.Errorf("encode transcript: %w", err)
	}
	if rec.Collected == nil {
		collected = []byte("{}")
	} else if collected, err = json.Marshal(rec.Collected); err != nil {
		return nil, nil, fmt.Errorf("encode collected data: %w", err)
	}
	return transcript, collected, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
