// Package app wires the orchestrator's components together.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/lmoretti/outcall/internal/broadcast"
	"github.com/lmoretti/outcall/internal/call"
	"github.com/lmoretti/outcall/internal/config"
	"github.com/lmoretti/outcall/internal/dialogue"
	"github.com/lmoretti/outcall/internal/extract"
	"github.com/lmoretti/outcall/internal/observability"
	"github.com/lmoretti/outcall/internal/recognize"
	"github.com/lmoretti/outcall/internal/store"
	"github.com/lmoretti/outcall/internal/synthesize"
	"github.com/lmoretti/outcall/internal/telephony"
)

type BuildResult struct {
	Config    config.Config
	Server    *telephony.Server
	Pipeline  *telephony.Pipeline
	Registry  *call.Registry
	Artifacts *synthesize.ArtifactStore
	Hub       *broadcast.Hub
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	logger := log.Default()

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	registry := call.NewRegistry(cfg.CallInactivityTTL)
	artifacts := synthesize.NewArtifactStore(cfg.ArtifactTTL)
	hub := broadcast.NewHub()

	recognizer := recognize.New(buildTranscriber(cfg), cfg.PhraseCorrections, cfg.EndPhrases)
	dialogueAdapter, completer := buildDialogue(cfg)
	synth := buildSynthesizer(cfg, artifacts)
	persister := extract.NewPersister(st, completer, logger)

	pipeline := telephony.NewPipeline(cfg, registry, st, recognizer, dialogueAdapter, synth, persister, hub, metrics, logger)
	registry.SetExpireHook(pipeline.FinalizeExpired)

	var dialer telephony.Dialer
	if cfg.TelephonyAccountSID != "" && cfg.TelephonyAuthToken != "" {
		dialer = telephony.NewDialer(cfg)
	} else {
		log.Printf("telephony credentials not set: outbound dialing disabled")
	}

	server := telephony.NewServer(cfg, pipeline, dialer, registry, st, artifacts, hub, metrics, logger)

	cleanup := func() error {
		if err := st.Close(); err != nil {
			return fmt.Errorf("store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Server:    server,
		Pipeline:  pipeline,
		Registry:  registry,
		Artifacts: artifacts,
		Hub:       hub,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

// buildDialogue assembles the generation chain: the remote service first,
// the deterministic rules table behind it. Without an API key only the rules
// adapter runs, and summary/score generation is skipped.
func buildDialogue(cfg config.Config) (dialogue.Adapter, extract.TextCompleter) {
	rules := dialogue.NewRulesAdapter()
	if strings.TrimSpace(cfg.GenerationAPIKey) == "" {
		log.Printf("generation provider: rules only (no GENERATION_API_KEY)")
		return rules, nil
	}
	remote := dialogue.NewOpenAIAdapter(dialogue.OpenAIConfig{
		APIKey:  cfg.GenerationAPIKey,
		BaseURL: cfg.GenerationBaseURL,
		Model:   cfg.GenerationModel,
	})
	log.Printf("generation provider: %s with rules fallback", cfg.GenerationModel)
	return dialogue.NewFallbackAdapter(remote, rules, cfg.GenerationTimeout), remote
}

func buildSynthesizer(cfg config.Config, artifacts *synthesize.ArtifactStore) synthesize.Synthesizer {
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
		log.Printf("synthesis provider: native voice only (no ELEVENLABS_API_KEY)")
		return nil
	}
	log.Printf("synthesis provider: elevenlabs")
	return synthesize.NewElevenLabsSynthesizer(synthesize.ElevenLabsConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		OutputFormat: cfg.ElevenLabsOutputFormat,
		MaxChars:     cfg.MaxSpeechChars,
	}, artifacts)
}

func buildTranscriber(cfg config.Config) recognize.Transcriber {
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
		return nil
	}
	return recognize.NewElevenLabsTranscriber(recognize.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		BaseURL: cfg.ElevenLabsBaseURL,
		ModelID: cfg.ElevenLabsSTTModel,
	})
}
