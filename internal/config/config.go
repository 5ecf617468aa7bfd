package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call orchestrator.
type Config struct {
	BindAddr        string
	PublicBaseURL   string
	ShutdownTimeout time.Duration

	MetricsNamespace string
	AllowAnyOrigin   bool

	// PipelineDeadline bounds recognition+generation+synthesis for one turn.
	// It must stay comfortably under the telephony provider's webhook timeout
	// (about 15s) so the fallback path still has time to answer.
	PipelineDeadline   time.Duration
	GenerationTimeout  time.Duration
	SynthesisTimeout   time.Duration
	CallInactivityTTL  time.Duration
	ArtifactTTL        time.Duration
	MaxSpeechChars     int
	HistoryWindowTurns int

	TelephonyAccountSID string
	TelephonyAuthToken  string
	TelephonyBaseURL    string
	TelephonyFromNumber string

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsOutputFormat string
	ElevenLabsSTTModel     string

	GenerationAPIKey  string
	GenerationBaseURL string
	GenerationModel   string

	DatabaseURL string

	EndPhrases         []string
	PhraseCorrections  map[string]string
	SecondaryLangWords []string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:          strings.TrimRight(envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "outcall"),
		AllowAnyOrigin:         false,
		ShutdownTimeout:        15 * time.Second,
		PipelineDeadline:       12 * time.Second,
		GenerationTimeout:      8 * time.Second,
		SynthesisTimeout:       6 * time.Second,
		CallInactivityTTL:      2 * time.Minute,
		ArtifactTTL:            60 * time.Second,
		MaxSpeechChars:         600,
		HistoryWindowTurns:     12,
		TelephonyAccountSID:    trimmedEnv("TELEPHONY_ACCOUNT_SID"),
		TelephonyAuthToken:     trimmedEnv("TELEPHONY_AUTH_TOKEN"),
		TelephonyBaseURL:       envOrDefault("TELEPHONY_BASE_URL", "https://api.twilio.com"),
		TelephonyFromNumber:    trimmedEnv("TELEPHONY_FROM_NUMBER"),
		ElevenLabsAPIKey:       trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		ElevenLabsSTTModel:     envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		GenerationAPIKey:       trimmedEnv("GENERATION_API_KEY"),
		GenerationBaseURL:      envOrDefault("GENERATION_BASE_URL", "https://api.openai.com/v1"),
		GenerationModel:        envOrDefault("GENERATION_MODEL", "gpt-4o-mini"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		EndPhrases:             listFromEnv("APP_END_PHRASES", []string{"not interested", "stop calling", "don't call", "goodbye", "remove me"}),
		SecondaryLangWords:     listFromEnv("APP_SECONDARY_LANGUAGE_WORDS", nil),
		PhraseCorrections:      pairsFromEnv("APP_PHRASE_CORRECTIONS"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineDeadline, err = durationFromEnv("APP_PIPELINE_DEADLINE", cfg.PipelineDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("APP_GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("APP_SYNTHESIS_TIMEOUT", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallInactivityTTL, err = durationFromEnv("APP_CALL_INACTIVITY_TTL", cfg.CallInactivityTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ArtifactTTL, err = durationFromEnv("APP_ARTIFACT_TTL", cfg.ArtifactTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSpeechChars, err = intFromEnv("APP_MAX_SPEECH_CHARS", cfg.MaxSpeechChars)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindowTurns, err = intFromEnv("APP_HISTORY_WINDOW_TURNS", cfg.HistoryWindowTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.PipelineDeadline < 2*time.Second {
		return Config{}, fmt.Errorf("APP_PIPELINE_DEADLINE must be at least 2s")
	}
	if cfg.PipelineDeadline >= 15*time.Second {
		return Config{}, fmt.Errorf("APP_PIPELINE_DEADLINE must stay under the provider's 15s webhook timeout")
	}
	if cfg.GenerationTimeout >= cfg.PipelineDeadline {
		return Config{}, fmt.Errorf("APP_GENERATION_TIMEOUT must be shorter than APP_PIPELINE_DEADLINE")
	}
	if cfg.CallInactivityTTL < 30*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_INACTIVITY_TTL must be at least 30s")
	}
	if cfg.ArtifactTTL < 10*time.Second {
		return Config{}, fmt.Errorf("APP_ARTIFACT_TTL must be at least 10s")
	}
	if cfg.MaxSpeechChars <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SPEECH_CHARS must be positive")
	}
	if cfg.HistoryWindowTurns <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_WINDOW_TURNS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv parses a comma-separated list, e.g. "not interested,goodbye".
func listFromEnv(key string, fallback []string) []string {
	raw := trimmedEnv(key)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// pairsFromEnv parses "wrong=>right" pairs separated by commas, e.g.
// "sails team=>sales team,out call=>outcall".
func pairsFromEnv(key string) map[string]string {
	raw := trimmedEnv(key)
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		wrong, right, ok := strings.Cut(pair, "=>")
		if !ok {
			continue
		}
		wrong = strings.TrimSpace(wrong)
		right = strings.TrimSpace(right)
		if wrong != "" && right != "" {
			out[wrong] = right
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
