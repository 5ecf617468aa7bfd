// Package extract turns finished conversations into durable records: merged
// contact data, call transcript, summary and success score.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/call"
	"github.com/lmoretti/outcall/internal/store"
)

// SummaryUnavailable is recorded when the summary generation call fails.
const SummaryUnavailable = "Call completed; summary unavailable."

// DefaultSuccessScore is recorded when the scoring call fails or returns
// something unparseable.
const DefaultSuccessScore = 50

// TextCompleter produces a free-form completion for a system/user prompt
// pair. The dialogue package's generation adapter satisfies it.
type TextCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Persister writes call progress and outcomes to the store. Every write is
// best effort: a storage failure is logged and never interrupts a live call.
type Persister struct {
	store     store.Store
	completer TextCompleter
	logger    *log.Logger
}

func NewPersister(st store.Store, completer TextCompleter, logger *log.Logger) *Persister {
	if logger == nil {
		logger = log.Default()
	}
	return &Persister{store: st, completer: completer, logger: logger}
}

// MergeTurn folds a turn's extracted fields into the session's collected
// data. Merging is non-destructive: empty values never erase known data.
func (p *Persister) MergeTurn(sess *call.Session, extracted map[string]string) {
	if sess.Collected == nil {
		sess.Collected = call.ContactData{}
	}
	sess.Collected.Merge(extracted)
}

// PersistTurn snapshots the in-flight call to storage so a crash mid-call
// loses at most the current turn. Failures are logged, never returned.
func (p *Persister) PersistTurn(ctx context.Context, sess *call.Session) {
	rec := p.snapshot(sess)
	err := p.store.UpdateCall(ctx, rec)
	if errors.Is(err, store.ErrNotFound) {
		err = p.store.CreateCall(ctx, rec)
	}
	if err != nil {
		p.logger.Printf("persist turn call=%s: %v", sess.ID, err)
	}
}

// Finalize computes the summary and success score, pushes newly collected
// identifiers onto the contact, and writes the final call record. Each step
// degrades independently so a generation outage still leaves a complete
// record with placeholder summary and default score.
func (p *Persister) Finalize(ctx context.Context, sess *call.Session) store.CallRecord {
	rec := p.snapshot(sess)
	rec.EndedAt = sess.EndedAt
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	if !sess.StartedAt.IsZero() {
		rec.DurationSeconds = int(rec.EndedAt.Sub(sess.StartedAt).Round(time.Second).Seconds())
		if rec.DurationSeconds < 0 {
			rec.DurationSeconds = 0
		}
	}

	rec.Summary = p.summarize(ctx, sess)
	rec.SuccessScore = p.score(ctx, sess)

	p.updateContact(ctx, sess)

	if err := p.store.FinalizeCall(ctx, rec); err != nil {
		p.logger.Printf("finalize call=%s: %v", sess.ID, err)
	}
	return rec
}

func (p *Persister) snapshot(sess *call.Session) store.CallRecord {
	transcript := make([]call.Turn, len(sess.History))
	copy(transcript, sess.History)
	collected := make(map[string]string, len(sess.Collected))
	for k, v := range sess.Collected {
		collected[k] = v
	}
	return store.CallRecord{
		ID:             sess.ID,
		ProviderCallID: sess.ProviderCallID,
		CampaignID:     sess.CampaignID,
		ContactID:      sess.ContactID,
		Phone:          sess.Phone,
		Status:         string(sess.State),
		StartedAt:      sess.StartedAt,
		Transcript:     transcript,
		Collected:      collected,
	}
}

func (p *Persister) summarize(ctx context.Context, sess *call.Session) string {
	if p.completer == nil || len(sess.History) == 0 {
		return SummaryUnavailable
	}
	out, err := p.completer.Complete(ctx,
		"You summarize sales calls. Reply with two or three plain sentences covering what the prospect said and any commitments made.",
		TranscriptText(sess.History))
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			p.logger.Printf("summary call=%s: %v", sess.ID, err)
		}
		return SummaryUnavailable
	}
	return strings.TrimSpace(out)
}

func (p *Persister) score(ctx context.Context, sess *call.Session) int {
	if p.completer == nil || len(sess.History) == 0 {
		return DefaultSuccessScore
	}
	out, err := p.completer.Complete(ctx,
		"You score sales calls. Reply with a single integer from 1 to 100 measuring how promising the prospect is. No other text.",
		TranscriptText(sess.History))
	if err != nil {
		p.logger.Printf("score call=%s: %v", sess.ID, err)
		return DefaultSuccessScore
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return DefaultSuccessScore
	}
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	return n
}

// updateContact pushes identifiers collected during the call onto the
// contact record. Only non-empty collected values overwrite.
func (p *Persister) updateContact(ctx context.Context, sess *call.Session) {
	if sess.ContactID == "" || len(sess.Collected) == 0 {
		return
	}
	contact, err := p.store.GetContact(ctx, sess.ContactID)
	if err != nil {
		p.logger.Printf("load contact=%s call=%s: %v", sess.ContactID, sess.ID, err)
		return
	}

	changed := false
	apply := func(dst *string, key string) {
		if v := strings.TrimSpace(sess.Collected[key]); v != "" && v != *dst {
			*dst = v
			changed = true
		}
	}
	apply(&contact.Name, "name")
	apply(&contact.Email, "email")
	apply(&contact.Company, "company")
	apply(&contact.InterestLevel, "interest_level")
	if v := strings.TrimSpace(sess.Collected["notes"]); v != "" {
		if contact.Notes != "" {
			contact.Notes += "\n"
		}
		contact.Notes += v
		changed = true
	}
	if !changed {
		return
	}
	contact.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateContact(ctx, contact); err != nil {
		p.logger.Printf("update contact=%s call=%s: %v", sess.ContactID, sess.ID, err)
	}
}

// TranscriptText renders the conversation as role-prefixed lines for the
// summary and scoring prompts.
func TranscriptText(history []call.Turn) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	return b.String()
}
