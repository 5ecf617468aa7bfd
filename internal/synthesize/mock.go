package synthesize

import "context"

// MockSynthesizer stores the text bytes as a fake artifact, used when no
// synthesis key is configured and in tests.
type MockSynthesizer struct {
	artifacts *ArtifactStore
}

func NewMockSynthesizer(artifacts *ArtifactStore) *MockSynthesizer {
	return &MockSynthesizer{artifacts: artifacts}
}

func (s *MockSynthesizer) Synthesize(_ context.Context, req Request) (Result, error) {
	text := CapSpeechText(SanitizeSpeechText(req.Text), 600)
	a := s.artifacts.Put([]byte(text), "text/plain")
	return Result{ArtifactID: a.ID, ContentType: a.ContentType}, nil
}
