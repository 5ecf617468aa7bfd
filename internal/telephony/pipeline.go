// Package telephony receives provider webhooks and drives the per-turn
// pipeline: recognize the caller, generate the next line, synthesize it, and
// answer with response markup before the provider's webhook timeout.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/broadcast"
	"github.com/lmoretti/outcall/internal/call"
	"github.com/lmoretti/outcall/internal/config"
	"github.com/lmoretti/outcall/internal/dialogue"
	"github.com/lmoretti/outcall/internal/extract"
	"github.com/lmoretti/outcall/internal/observability"
	"github.com/lmoretti/outcall/internal/recognize"
	"github.com/lmoretti/outcall/internal/store"
	"github.com/lmoretti/outcall/internal/synthesize"
	"github.com/lmoretti/outcall/internal/twiml"
)

// DefaultGreeting opens the call when the campaign has no greeting of its own.
const DefaultGreeting = "Hello! Thanks for taking the call. Do you have a quick minute?"

// goodbyeLine closes the call after an end phrase or an end-call reply.
const goodbyeLine = "Thank you for your time. Have a great day."

// apologyLine is spoken before the safe hangup on a protocol failure.
const apologyLine = "I'm sorry, something went wrong on our end. Goodbye."

// Pipeline is the single authoritative turn loop. Every webhook route funnels
// into it; there are no competing per-route variants.
type Pipeline struct {
	cfg        config.Config
	registry   *call.Registry
	store      store.Store
	recognizer *recognize.Recognizer
	dialogue   dialogue.Adapter
	synth      synthesize.Synthesizer
	persister  *extract.Persister
	hub        *broadcast.Hub
	metrics    *observability.Metrics
	logger     *log.Logger
}

func NewPipeline(
	cfg config.Config,
	registry *call.Registry,
	st store.Store,
	recognizer *recognize.Recognizer,
	dialogueAdapter dialogue.Adapter,
	synth synthesize.Synthesizer,
	persister *extract.Persister,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger *log.Logger,
) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		registry:   registry,
		store:      st,
		recognizer: recognizer,
		dialogue:   dialogueAdapter,
		synth:      synth,
		persister:  persister,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
	}
}

// TurnInput is the raw payload of one process-turn webhook.
type TurnInput struct {
	Speech          string
	AlternateSpeech string
	Digits          string
	RecordingURL    string
	EventToken      string
}

// Answer handles the first-contact webhook: greet and gather the first input.
func (p *Pipeline) Answer(ctx context.Context, providerCallID, campaignID, contactID, phone, eventToken string) []byte {
	if strings.TrimSpace(providerCallID) == "" || strings.TrimSpace(campaignID) == "" {
		return p.safeHangup("answer: missing call or campaign id")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PipelineDeadline)
	defer cancel()

	p.registry.EnsureTracked(providerCallID, call.Session{
		CampaignID: campaignID,
		ContactID:  contactID,
		Phone:      phone,
		State:      call.StateRinging,
	})

	var markup []byte
	err := p.registry.WithCall(providerCallID, func(sess *call.Session) error {
		if cached, ok := p.dedupe(sess, "answer:"+eventToken); ok {
			markup = cached
			return nil
		}
		sess.Transition(call.StateActive)
		p.metrics.ActiveCalls.Set(float64(p.registry.ActiveCount()))
		p.metrics.CallEvents.WithLabelValues("answered").Inc()
		p.publish(broadcast.KindCallStarted, sess, map[string]any{"campaign_id": sess.CampaignID})

		campaign := p.campaignFor(ctx, sess)
		greeting := strings.TrimSpace(campaign.Greeting)
		if greeting == "" {
			greeting = DefaultGreeting
		}

		voice := p.speak(ctx, sess, campaign, greeting)
		sess.AppendTurn(call.Turn{Role: call.RoleAgent, Text: greeting, ArtifactID: sess.LastArtifactID})
		sess.Transition(call.StateGathering)

		var err error
		markup, err = p.gatherMarkup(sess, campaign, voice)
		if err != nil {
			return err
		}
		p.remember(sess, "answer:"+eventToken, markup)
		p.persister.PersistTurn(ctx, sess)
		return nil
	})
	if err != nil {
		p.logger.Printf("answer call=%s: %v", providerCallID, err)
		return p.safeHangup("answer: " + err.Error())
	}
	return markup
}

// ProcessTurn handles one conversational turn and returns the next markup.
func (p *Pipeline) ProcessTurn(ctx context.Context, providerCallID string, in TurnInput) []byte {
	if strings.TrimSpace(providerCallID) == "" {
		return p.safeHangup("process-turn: missing call id")
	}
	if !p.ensureTracked(ctx, providerCallID) {
		return p.safeHangup("process-turn: unknown call " + providerCallID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PipelineDeadline)
	defer cancel()

	var (
		markup []byte
		ended  bool
	)
	err := p.registry.WithCall(providerCallID, func(sess *call.Session) error {
		if cached, ok := p.dedupe(sess, "turn:"+in.EventToken); ok {
			markup = cached
			return nil
		}
		sess.Transition(call.StateProcessing)

		campaign := p.campaignFor(ctx, sess)

		recognizeStart := time.Now()
		text, source := p.recognizer.Resolve(ctx, recognize.Input{
			Speech:          in.Speech,
			AlternateSpeech: in.AlternateSpeech,
			Digits:          in.Digits,
			RecordingURL:    in.RecordingURL,
		})
		p.metrics.ObserveStage("recognize", time.Since(recognizeStart))
		p.publish(broadcast.KindSpeechRecognized, sess, map[string]any{"text": text, "source": source})

		sess.AppendTurn(call.Turn{Role: call.RoleCustomer, Text: text})

		if phrase, ok := p.recognizer.MatchEndPhrase(text); ok {
			p.metrics.CallEvents.WithLabelValues("end_phrase").Inc()
			sess.Collected.Merge(map[string]string{"interest_level": "low", "notes": "ended call: " + phrase})
			sess.AppendTurn(call.Turn{Role: call.RoleAgent, Text: goodbyeLine})
			sess.Transition(call.StateEnding)
			var err error
			markup, err = p.hangupMarkup(campaign, goodbyeLine)
			if err != nil {
				return err
			}
			p.remember(sess, "turn:"+in.EventToken, markup)
			ended = true
			return nil
		}

		reply := p.generate(ctx, sess, campaign, text)

		p.persister.MergeTurn(sess, reply.Extracted)

		if reply.EndCall {
			sess.AppendTurn(call.Turn{Role: call.RoleAgent, Text: reply.Message, Extracted: reply.Extracted})
			sess.Transition(call.StateEnding)
			var err error
			markup, err = p.hangupMarkup(campaign, reply.Message)
			if err != nil {
				return err
			}
			p.remember(sess, "turn:"+in.EventToken, markup)
			ended = true
			return nil
		}

		voice := p.speak(ctx, sess, campaign, reply.Message)
		sess.AppendTurn(call.Turn{Role: call.RoleAgent, Text: reply.Message, ArtifactID: sess.LastArtifactID, Extracted: reply.Extracted})
		sess.Transition(call.StateGathering)

		var err error
		markup, err = p.gatherMarkup(sess, campaign, voice)
		if err != nil {
			return err
		}
		p.remember(sess, "turn:"+in.EventToken, markup)
		p.persister.PersistTurn(ctx, sess)
		return nil
	})
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return p.safeHangup("process-turn: call vanished mid-turn")
		}
		p.logger.Printf("process-turn call=%s: %v", providerCallID, err)
		return p.safeHangup("process-turn: " + err.Error())
	}

	if ended {
		p.finalize(providerCallID, call.StateCompleted)
	}
	return markup
}

// RecordingComplete is the fallback turn path: the provider had no live
// hypothesis and recorded the caller instead.
func (p *Pipeline) RecordingComplete(ctx context.Context, providerCallID, recordingURL, eventToken string) []byte {
	if strings.TrimSpace(recordingURL) == "" {
		return p.safeHangup("recording-complete: missing recording url")
	}
	return p.ProcessTurn(ctx, providerCallID, TurnInput{RecordingURL: recordingURL, EventToken: eventToken})
}

// Status ingests provider telemetry. Terminal statuses finalize the call;
// non-terminal ones only advance the state machine.
func (p *Pipeline) Status(ctx context.Context, providerCallID, status, answeredBy string) {
	if strings.TrimSpace(providerCallID) == "" {
		return
	}

	next, terminal := mapProviderStatus(status, answeredBy)
	if next == "" {
		return
	}
	p.metrics.CallEvents.WithLabelValues("status_" + string(next)).Inc()

	if !terminal {
		err := p.registry.WithCall(providerCallID, func(sess *call.Session) error {
			sess.Transition(next)
			return nil
		})
		if err != nil && !errors.Is(err, call.ErrNotFound) {
			p.logger.Printf("status call=%s: %v", providerCallID, err)
		}
		return
	}

	p.finalize(providerCallID, next)
}

// FinalizeExpired persists a call evicted by the registry janitor: the
// provider died mid-call and no terminal status webhook will ever arrive.
func (p *Pipeline) FinalizeExpired(sess *call.Session) {
	sess.State = call.StateFailed
	p.finalizeSession(sess)
	p.metrics.CallEvents.WithLabelValues("expired").Inc()
}

// finalize removes the session and persists the final record. Safe to call
// more than once for the same id: the second call finds nothing to do.
func (p *Pipeline) finalize(providerCallID string, final call.State) {
	sess, err := p.registry.End(providerCallID)
	if err != nil {
		return
	}
	if !sess.State.Terminal() {
		sess.State = final
	}
	p.finalizeSession(sess)
}

func (p *Pipeline) finalizeSession(sess *call.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec := p.persister.Finalize(ctx, sess)
	p.metrics.ActiveCalls.Set(float64(p.registry.ActiveCount()))
	p.metrics.CallEvents.WithLabelValues("finalized").Inc()
	p.publish(broadcast.KindCallEnded, sess, map[string]any{
		"status":           rec.Status,
		"duration_seconds": rec.DurationSeconds,
		"success_score":    rec.SuccessScore,
	})
}

// ensureTracked recovers registry state for webhooks that reference a call
// the process has forgotten, e.g. after a restart.
func (p *Pipeline) ensureTracked(ctx context.Context, providerCallID string) bool {
	if _, err := p.registry.Get(providerCallID); err == nil {
		return true
	}
	rec, err := p.store.GetCallByProviderID(ctx, providerCallID)
	if err != nil {
		return false
	}
	if call.State(rec.Status).Terminal() {
		return false
	}
	p.registry.EnsureTracked(providerCallID, call.Session{
		ID:         rec.ID,
		CampaignID: rec.CampaignID,
		ContactID:  rec.ContactID,
		Phone:      rec.Phone,
		State:      call.StateActive,
		StartedAt:  rec.StartedAt,
		History:    rec.Transcript,
		Collected:  rec.Collected,
	})
	p.metrics.CallEvents.WithLabelValues("recovered").Inc()
	return true
}

// generate asks the dialogue adapter for the next line. The adapter chain
// bounds the remote service with its own sub-deadline; any error that still
// escapes is absorbed into the canned default so the conversation keeps
// moving.
func (p *Pipeline) generate(ctx context.Context, sess *call.Session, campaign store.Campaign, utterance string) dialogue.Reply {
	language := dialogue.DetectLanguage(utterance, p.cfg.SecondaryLangWords)
	sess.Language = string(language)

	req := dialogue.Request{
		CampaignScript: campaign.Script,
		Objective:      campaign.Objective,
		History:        p.historyWindow(sess),
		Utterance:      utterance,
		Language:       language,
	}
	p.publish(broadcast.KindGenerationRequest, sess, map[string]any{"utterance": utterance, "language": string(language)})

	start := time.Now()
	reply, err := p.dialogue.Respond(ctx, req)
	p.metrics.ObserveStage("generate", time.Since(start))
	if err != nil {
		p.metrics.ProviderErrors.WithLabelValues("generation", "respond").Inc()
		p.publish(broadcast.KindError, sess, map[string]any{"stage": "generate", "error": err.Error()})
		reply = dialogue.DefaultReply()
	}
	if strings.TrimSpace(reply.Message) == "" {
		reply.Message = dialogue.DefaultMessage
	}
	p.publish(broadcast.KindGenerationResponse, sess, map[string]any{"message": reply.Message, "end_call": reply.EndCall})
	return reply
}

// spokenLine is the voice part of the next markup document: premium audio to
// play, or text for the provider's built-in voice.
type spokenLine struct {
	say  *twiml.Say
	play *twiml.Play
}

// speak synthesizes the line, degrading to the provider's native voice on any
// failure. Once the native voice engages for a call it stays for that call,
// so a transient recovery does not flap the voice identity mid-conversation.
func (p *Pipeline) speak(ctx context.Context, sess *call.Session, campaign store.Campaign, text string) spokenLine {
	native := spokenLine{say: &twiml.Say{Language: campaign.Voice.Language, Text: text}}
	if p.synth == nil || sess.NativeVoiceOnly || strings.TrimSpace(campaign.Voice.VoiceID) == "" {
		return native
	}

	synthCtx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.synth.Synthesize(synthCtx, synthesize.Request{
		Text:            text,
		VoiceID:         campaign.Voice.VoiceID,
		ModelID:         campaign.Voice.ModelID,
		Stability:       campaign.Voice.Stability,
		SimilarityBoost: campaign.Voice.SimilarityBoost,
		Speed:           campaign.Voice.Speed,
		Language:        campaign.Voice.Language,
	})
	p.metrics.ObserveStage("synthesize", time.Since(start))
	if err != nil {
		sess.NativeVoiceOnly = true
		p.metrics.ProviderErrors.WithLabelValues("synthesis", "synthesize").Inc()
		p.publish(broadcast.KindError, sess, map[string]any{"stage": "synthesize", "error": err.Error()})
		return native
	}

	sess.LastArtifactID = res.ArtifactID
	p.publish(broadcast.KindSynthesisCompleted, sess, map[string]any{"artifact_id": res.ArtifactID})
	return spokenLine{play: &twiml.Play{URL: p.cfg.PublicBaseURL + "/audio/" + res.ArtifactID}}
}

func (p *Pipeline) gatherMarkup(sess *call.Session, campaign store.Campaign, voice spokenLine) ([]byte, error) {
	resp := twiml.Response{
		Gather: &twiml.Gather{
			Input:         "speech dtmf",
			Action:        p.cfg.PublicBaseURL + "/process-turn/" + sess.ProviderCallID,
			Method:        "POST",
			Language:      campaign.Voice.Language,
			SpeechTimeout: "auto",
			Timeout:       5,
			Say:           voice.say,
			Play:          voice.play,
		},
	}
	return resp.Encode()
}

// hangupMarkup always uses the native voice for the goodbye: the artifact
// TTL may outlive the call and there is no next turn to recover on.
func (p *Pipeline) hangupMarkup(campaign store.Campaign, text string) ([]byte, error) {
	resp := twiml.Response{
		Say:    &twiml.Say{Language: campaign.Voice.Language, Text: text},
		Hangup: &twiml.Hangup{},
	}
	return resp.Encode()
}

// safeHangup is the response of last resort: the caller hears an apology and
// a clean hangup instead of silence or a dead line.
func (p *Pipeline) safeHangup(reason string) []byte {
	p.logger.Printf("safe hangup: %s", reason)
	p.metrics.CallEvents.WithLabelValues("safe_hangup").Inc()
	resp := twiml.Response{
		Say:    &twiml.Say{Text: apologyLine},
		Hangup: &twiml.Hangup{},
	}
	markup, err := resp.Encode()
	if err != nil {
		// Unreachable: the document above always validates.
		return []byte(xmlFallback)
	}
	return markup
}

const xmlFallback = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup></Hangup></Response>`

// dedupe replays the cached markup for a redelivered webhook event.
func (p *Pipeline) dedupe(sess *call.Session, token string) ([]byte, bool) {
	if strings.TrimSpace(token) == "" || strings.HasSuffix(token, ":") {
		return nil, false
	}
	if token == sess.LastEventToken && len(sess.LastMarkup) > 0 {
		p.metrics.CallEvents.WithLabelValues("deduped").Inc()
		return sess.LastMarkup, true
	}
	return nil, false
}

func (p *Pipeline) remember(sess *call.Session, token string, markup []byte) {
	if strings.HasSuffix(token, ":") {
		return
	}
	sess.LastEventToken = token
	sess.LastMarkup = markup
}

func (p *Pipeline) historyWindow(sess *call.Session) []string {
	turns := sess.History
	if n := p.cfg.HistoryWindowTurns; n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Text))
	}
	return lines
}

// campaignFor loads the campaign, degrading to an empty campaign so a store
// outage still produces a coherent call with default lines.
func (p *Pipeline) campaignFor(ctx context.Context, sess *call.Session) store.Campaign {
	if sess.CampaignID == "" {
		return store.Campaign{}
	}
	campaign, err := p.store.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		p.logger.Printf("load campaign=%s call=%s: %v", sess.CampaignID, sess.ID, err)
		return store.Campaign{}
	}
	return campaign
}

func (p *Pipeline) publish(kind string, sess *call.Session, data map[string]any) {
	p.hub.Publish(broadcast.Event{Kind: kind, CallID: sess.ProviderCallID, Data: data})
}

// mapProviderStatus translates provider status strings onto the state
// machine. An answering machine counts as no answer: there is no prospect.
func mapProviderStatus(status, answeredBy string) (call.State, bool) {
	if strings.EqualFold(strings.TrimSpace(answeredBy), "machine") {
		return call.StateNoAnswer, true
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ringing", "initiated", "queued":
		return call.StateRinging, false
	case "in-progress", "answered":
		return call.StateActive, false
	case "completed":
		return call.StateCompleted, true
	case "busy":
		return call.StateBusy, true
	case "no-answer":
		return call.StateNoAnswer, true
	case "failed", "canceled":
		return call.StateFailed, true
	default:
		return "", false
	}
}
