package synthesize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	OutputFormat string
	MaxChars     int
}

// ElevenLabsSynthesizer renders text through the ElevenLabs HTTP TTS
// endpoint and stores the audio as an ephemeral artifact.
type ElevenLabsSynthesizer struct {
	cfg       ElevenLabsConfig
	artifacts *ArtifactStore
	client    *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig, artifacts *ArtifactStore) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 600
	}
	return &ElevenLabsSynthesizer{
		cfg:       cfg,
		artifacts: artifacts,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type elevenTTSRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id,omitempty"`
	VoiceSettings *elevenTTSSettings `json:"voice_settings,omitempty"`
}

type elevenTTSSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.VoiceID) == "" {
		return Result{}, fmt.Errorf("voice_id is required")
	}

	text := CapSpeechText(SanitizeSpeechText(req.Text), s.cfg.MaxChars)
	if text == "" {
		return Result{}, fmt.Errorf("nothing to synthesize")
	}

	modelID := req.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	stability := clamp(req.Stability, 0, 1, 0.42)
	similarity := clamp(req.SimilarityBoost, 0, 1, 0.85)
	speed := clamp(req.Speed, 0.7, 1.2, 1.0)

	body, err := json.Marshal(elevenTTSRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: &elevenTTSSettings{
			Stability:       stability,
			SimilarityBoost: similarity,
			Speed:           speed,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode synthesis request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(req.VoiceID) +
		"?output_format=" + url.QueryEscape(s.cfg.OutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("xi-api-key", s.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if reliability.IsQuotaHTTPStatus(resp.StatusCode) {
			return Result{}, fmt.Errorf("synthesis quota exhausted (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return Result{}, fmt.Errorf("synthesis failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read synthesis audio: %w", err)
	}
	if len(audio) == 0 {
		return Result{}, fmt.Errorf("synthesis returned no audio")
	}

	artifact := s.artifacts.Put(audio, contentTypeForFormat(s.cfg.OutputFormat))
	return Result{ArtifactID: artifact.ID, ContentType: artifact.ContentType}, nil
}

func contentTypeForFormat(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/l16"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

func clamp(v, lo, hi, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
