package synthesize

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrArtifactNotFound = errors.New("audio artifact not found")

// Artifact is an ephemeral synthesized-audio blob, exposed once via its
// retrieval URL and deleted after its TTL whether or not playback happened.
type Artifact struct {
	ID          string
	Data        []byte
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ArtifactStore holds artifacts in memory until their TTL lapses. Deletion
// is idempotent: sweeper, TTL timer, and explicit deletes may race.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	ttl       time.Duration
}

func NewArtifactStore(ttl time.Duration) *ArtifactStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &ArtifactStore{
		artifacts: make(map[string]Artifact),
		ttl:       ttl,
	}
}

// Put stores audio and returns the artifact id.
func (s *ArtifactStore) Put(data []byte, contentType string) Artifact {
	now := time.Now().UTC()
	a := Artifact{
		ID:          uuid.NewString(),
		Data:        data,
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Lock()
	s.artifacts[a.ID] = a
	s.mu.Unlock()
	return a
}

// Get returns the artifact if it exists and has not expired.
func (s *ArtifactStore) Get(id string) (Artifact, error) {
	s.mu.RLock()
	a, ok := s.artifacts[id]
	s.mu.RUnlock()
	if !ok || time.Now().UTC().After(a.ExpiresAt) {
		return Artifact{}, ErrArtifactNotFound
	}
	return a, nil
}

// Delete removes the artifact. Removing an already-gone artifact is a no-op.
func (s *ArtifactStore) Delete(id string) {
	s.mu.Lock()
	delete(s.artifacts, id)
	s.mu.Unlock()
}

// Len returns the number of stored artifacts, expired or not.
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// StartSweeper deletes expired artifacts on an interval until ctx ends.
func (s *ArtifactStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *ArtifactStore) sweep() {
	now := time.Now().UTC()
	s.mu.Lock()
	for id, a := range s.artifacts {
		if now.After(a.ExpiresAt) {
			delete(s.artifacts, id)
		}
	}
	s.mu.Unlock()
}
