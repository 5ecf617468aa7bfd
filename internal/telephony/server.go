package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lmoretti/outcall/internal/broadcast"
	"github.com/lmoretti/outcall/internal/call"
	"github.com/lmoretti/outcall/internal/config"
	"github.com/lmoretti/outcall/internal/observability"
	"github.com/lmoretti/outcall/internal/store"
	"github.com/lmoretti/outcall/internal/synthesize"
)

// Server exposes the webhook surface the telephony provider calls into, the
// artifact retrieval route, the live observer stream, and operator endpoints.
type Server struct {
	cfg       config.Config
	pipeline  *Pipeline
	dialer    Dialer
	registry  *call.Registry
	store     store.Store
	artifacts *synthesize.ArtifactStore
	hub       *broadcast.Hub
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	logger    *log.Logger
}

func NewServer(
	cfg config.Config,
	pipeline *Pipeline,
	dialer Dialer,
	registry *call.Registry,
	st store.Store,
	artifacts *synthesize.ArtifactStore,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		dialer:    dialer,
		registry:  registry,
		store:     st,
		artifacts: artifacts,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/answer", s.handleAnswer)
	r.Post("/process-turn/{callID}", s.handleProcessTurn)
	r.Post("/status", s.handleStatus)
	r.Post("/recording-complete", s.handleRecordingComplete)

	r.Get("/audio/{artifactID}", s.handleAudio)
	r.Get("/live", s.handleLive)

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get("/v1/calls/{callID}", s.handleGetCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// eventToken returns the provider's delivery identifier for dedupe. The
// provider repeats it verbatim when it redelivers the same webhook.
func eventToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("I-Twilio-Idempotency-Token")); t != "" {
		return t
	}
	return strings.TrimSpace(r.FormValue("EventToken"))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.ParseForm()

	providerCallID := firstNonEmpty(r.FormValue("CallSid"), r.URL.Query().Get("call_id"))
	campaignID := firstNonEmpty(r.URL.Query().Get("campaign_id"), r.FormValue("campaign_id"))
	contactID := firstNonEmpty(r.URL.Query().Get("contact_id"), r.FormValue("contact_id"))
	phone := firstNonEmpty(r.FormValue("To"), r.FormValue("Called"))

	markup := s.pipeline.Answer(r.Context(), providerCallID, campaignID, contactID, phone, eventToken(r))
	s.writeMarkup(w, markup)
	s.metrics.ObserveWebhook("answer", time.Since(start))
}

func (s *Server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.ParseForm()

	markup := s.pipeline.ProcessTurn(r.Context(), chi.URLParam(r, "callID"), TurnInput{
		Speech:          r.FormValue("SpeechResult"),
		AlternateSpeech: r.FormValue("UnstableSpeechResult"),
		Digits:          r.FormValue("Digits"),
		RecordingURL:    r.FormValue("RecordingUrl"),
		EventToken:      eventToken(r),
	})
	s.writeMarkup(w, markup)
	s.metrics.ObserveWebhook("process-turn", time.Since(start))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.ParseForm()

	providerCallID := firstNonEmpty(r.FormValue("CallSid"), r.URL.Query().Get("call_id"))
	s.pipeline.Status(r.Context(), providerCallID, r.FormValue("CallStatus"), r.FormValue("AnsweredBy"))
	w.WriteHeader(http.StatusNoContent)
	s.metrics.ObserveWebhook("status", time.Since(start))
}

func (s *Server) handleRecordingComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.ParseForm()

	providerCallID := firstNonEmpty(r.FormValue("CallSid"), r.URL.Query().Get("call_id"))
	markup := s.pipeline.RecordingComplete(r.Context(), providerCallID, r.FormValue("RecordingUrl"), eventToken(r))
	s.writeMarkup(w, markup)
	s.metrics.ObserveWebhook("recording-complete", time.Since(start))
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.artifacts.Get(chi.URLParam(r, "artifactID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "artifact_not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(artifact.Data)
}

// handleLive streams pipeline events to an observer over a websocket. An
// optional ?call_id= narrows the stream to a single call.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(callID, 64)
	defer cancel()
	s.metrics.CallEvents.WithLabelValues("observer_connected").Inc()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Drain the read side so client close frames are noticed.
	go func() {
		defer stop()
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.metrics.CallEvents.WithLabelValues("observer_disconnected").Inc()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.metrics.CallEvents.WithLabelValues("observer_write_error").Inc()
				return
			}
		}
	}
}

type createCallRequest struct {
	Phone      string `json:"phone"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
}

type createCallResponse struct {
	CallID         string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id"`
	State          string `json:"state"`
}

// handleCreateCall places an outbound call. The session is registered before
// the provider confirms ringing so the first webhook finds it tracked.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.CampaignID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "phone and campaign_id are required")
		return
	}
	if s.dialer == nil {
		respondError(w, http.StatusNotImplemented, "dialer_unavailable", "outbound dialing not configured")
		return
	}

	providerCallID, err := s.dialer.Dial(r.Context(), req.Phone, req.CampaignID, req.ContactID)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("telephony", "dial").Inc()
		respondError(w, http.StatusBadGateway, "dial_failed", err.Error())
		return
	}

	sess, err := s.registry.Create(providerCallID, req.Phone, req.CampaignID, req.ContactID)
	if err != nil {
		respondError(w, http.StatusConflict, "call_already_tracked", err.Error())
		return
	}
	s.metrics.ActiveCalls.Set(float64(s.registry.ActiveCount()))
	s.metrics.CallEvents.WithLabelValues("dialed").Inc()

	if err := s.store.CreateCall(r.Context(), store.CallRecord{
		ID:             sess.ID,
		ProviderCallID: sess.ProviderCallID,
		CampaignID:     sess.CampaignID,
		ContactID:      sess.ContactID,
		Phone:          sess.Phone,
		Status:         string(sess.State),
		StartedAt:      sess.StartedAt,
	}); err != nil {
		s.logger.Printf("create call record call=%s: %v", sess.ID, err)
	}

	respondJSON(w, http.StatusCreated, createCallResponse{
		CallID:         sess.ID,
		ProviderCallID: sess.ProviderCallID,
		State:          string(sess.State),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	providerCallID := chi.URLParam(r, "callID")
	// Snapshot, not Get: the live session mutates under its own lock while
	// this handler encodes the response.
	if sess, err := s.registry.Snapshot(providerCallID); err == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"call_id":          sess.ID,
			"provider_call_id": sess.ProviderCallID,
			"state":            string(sess.State),
			"turns":            len(sess.History),
			"collected":        sess.Collected,
		})
		return
	}

	rec, err := s.store.GetCallByProviderID(r.Context(), providerCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", "no such call")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) writeMarkup(w http.ResponseWriter, markup []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(markup)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
