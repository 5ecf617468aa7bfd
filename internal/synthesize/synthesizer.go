// Package synthesize renders agent lines to playable audio artifacts.
package synthesize

import "context"

// Request is one synthesis job for a single agent line.
type Request struct {
	Text            string
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
	Language        string
}

// Result points at the stored audio artifact for the rendered line.
type Result struct {
	ArtifactID  string
	ContentType string
}

// Synthesizer renders text to audio. A failure here never fails the turn:
// the pipeline degrades to the telephony provider's built-in voice for the
// same text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}
