package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmoretti/outcall/internal/broadcast"
	"github.com/lmoretti/outcall/internal/call"
	"github.com/lmoretti/outcall/internal/dialogue"
	"github.com/lmoretti/outcall/internal/extract"
	"github.com/lmoretti/outcall/internal/recognize"
	"github.com/lmoretti/outcall/internal/store"
	"github.com/lmoretti/outcall/internal/synthesize"
)

type stubDialer struct {
	sid string
	err error
}

func (d stubDialer) Dial(context.Context, string, string, string) (string, error) {
	return d.sid, d.err
}

func newTestServer(t *testing.T, dialer Dialer) (*Server, *fixture) {
	t.Helper()
	st := store.NewInMemoryStore()
	st.PutCampaign(store.Campaign{
		ID:       "camp-1",
		Script:   "You are a friendly outreach agent.",
		Greeting: "Hi, this is Sam calling from Acme.",
		Voice:    store.VoiceConfig{VoiceID: "voice-1", Language: "en-US"},
	})

	registry := call.NewRegistry(2 * time.Minute)
	artifacts := synthesize.NewArtifactStore(time.Minute)
	hub := broadcast.NewHub()
	logger := log.New(io.Discard, "", 0)
	persister := extract.NewPersister(st, nil, logger)
	recognizer := recognize.New(nil, nil, []string{"not interested"})
	synth := synthesize.NewMockSynthesizer(artifacts)

	cfg := testConfig()
	cfg.AllowAnyOrigin = true

	p := NewPipeline(cfg, registry, st, recognizer, dialogue.NewRulesAdapter(), synth, persister, hub, testMetrics, logger)
	srv := NewServer(cfg, p, dialer, registry, st, artifacts, hub, testMetrics, logger)
	return srv, &fixture{pipeline: p, registry: registry, store: st, artifacts: artifacts, hub: hub}
}

func postForm(t *testing.T, handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAnswerRouteReturnsMarkup(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	w := postForm(t, router, "/answer?campaign_id=camp-1", url.Values{
		"CallSid": {"CA-route-1"},
		"To":      {"+15550001111"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("<Gather")) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestProcessTurnRouteReadsProviderFields(t *testing.T) {
	srv, f := newTestServer(t, nil)
	router := srv.Router()

	postForm(t, router, "/answer?campaign_id=camp-1", url.Values{"CallSid": {"CA-route-2"}, "To": {"+15550001111"}})
	w := postForm(t, router, "/process-turn/CA-route-2", url.Values{
		"SpeechResult": {"sounds good, tell me more"},
	})
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("<Gather")) {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	sess, err := f.registry.Get("CA-route-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.History[1].Text != "Sounds good, tell me more" {
		t.Fatalf("customer turn = %q", sess.History[1].Text)
	}
}

func TestStatusRouteFinalizes(t *testing.T) {
	srv, f := newTestServer(t, nil)
	router := srv.Router()

	postForm(t, router, "/answer?campaign_id=camp-1", url.Values{"CallSid": {"CA-route-3"}, "To": {"+15550001111"}})
	w := postForm(t, router, "/status", url.Values{
		"CallSid":    {"CA-route-3"},
		"CallStatus": {"completed"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := f.registry.Get("CA-route-3"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("call still tracked after terminal status")
	}
}

func TestAudioRouteServesAndExpires(t *testing.T) {
	srv, f := newTestServer(t, nil)
	router := srv.Router()

	a := f.artifacts.Put([]byte("mp3-data"), "audio/mpeg")

	req := httptest.NewRequest(http.MethodGet, "/audio/"+a.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "mp3-data" {
		t.Fatalf("status = %d body = %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q", ct)
	}

	f.artifacts.Delete(a.ID)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audio/"+a.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", w.Code)
	}
}

func TestCreateCallRoute(t *testing.T) {
	srv, f := newTestServer(t, stubDialer{sid: "CA-dialed-1"})
	router := srv.Router()

	body, _ := json.Marshal(createCallRequest{Phone: "+15550002222", CampaignID: "camp-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp createCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ProviderCallID != "CA-dialed-1" || resp.State != string(call.StateCreated) {
		t.Fatalf("response = %+v", resp)
	}

	if _, err := f.registry.Get("CA-dialed-1"); err != nil {
		t.Fatalf("dialed call not tracked: %v", err)
	}
	if _, err := f.store.GetCallByProviderID(context.Background(), "CA-dialed-1"); err != nil {
		t.Fatalf("dialed call not persisted: %v", err)
	}
}

func TestCreateCallRouteValidates(t *testing.T) {
	srv, _ := newTestServer(t, stubDialer{sid: "CA-x"})
	router := srv.Router()

	body, _ := json.Marshal(createCallRequest{Phone: "", CampaignID: "camp-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateCallRouteDialFailure(t *testing.T) {
	srv, _ := newTestServer(t, stubDialer{err: errors.New("provider down")})
	router := srv.Router()

	body, _ := json.Marshal(createCallRequest{Phone: "+15550003333", CampaignID: "camp-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestGetCallRoute(t *testing.T) {
	srv, f := newTestServer(t, nil)
	router := srv.Router()

	f.answer(t, "CA-get-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/CA-get-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != string(call.StateGathering) {
		t.Fatalf("state = %v", got["state"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/CA-ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status for unknown call = %d", w.Code)
	}
}

func TestLiveStreamDeliversEvents(t *testing.T) {
	srv, f := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live?call_id=CA-ws-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	f.answer(t, "CA-ws-1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broadcast.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != broadcast.KindCallStarted || ev.CallID != "CA-ws-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestHealthRoutes(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, w.Code)
		}
	}
}
