package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	ModelID string
}

// ElevenLabsTranscriber transcribes recorded call audio through the
// ElevenLabs batch speech-to-text endpoint.
type ElevenLabsTranscriber struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsTranscriber(cfg ElevenLabsConfig) *ElevenLabsTranscriber {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "scribe_v1"
	}
	return &ElevenLabsTranscriber{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *ElevenLabsTranscriber) Transcribe(ctx context.Context, recordingURL string) (string, error) {
	audio, err := t.fetchRecording(ctx, recordingURL)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("model_id", t.cfg.ModelID); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	part, err := writer.CreateFormFile("file", "recording.wav")
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.cfg.BaseURL, "/")+"/v1/speech-to-text", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", t.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech-to-text request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("speech-to-text unavailable (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return "", fmt.Errorf("speech-to-text failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return parsed.Text, nil
}

func (t *ElevenLabsTranscriber) fetchRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recording: status %d", resp.StatusCode)
	}
	// Provider recordings are single short utterances; 10MB is far above any real one.
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	return audio, nil
}
