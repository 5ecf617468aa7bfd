// Package recognize turns a turn's raw webhook input into normalized text.
package recognize

import (
	"context"
	"strings"
	"unicode"
)

// NotCaught is spoken input of last resort: every priority tier failed.
const NotCaught = "I didn't catch that clearly"

// Input carries the possible speech payloads of one webhook, in priority
// order: live hypothesis, alternate hypothesis, DTMF digits, recording.
type Input struct {
	Speech          string
	AlternateSpeech string
	Digits          string
	RecordingURL    string
}

// Transcriber converts a recorded-audio reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string) (string, error)
}

type Recognizer struct {
	transcriber Transcriber
	corrections map[string]string
	endPhrases  []string
}

// New builds a recognizer. corrections maps misheard phrases to the intended
// domain vocabulary, matched case-insensitively after normalization.
func New(transcriber Transcriber, corrections map[string]string, endPhrases []string) *Recognizer {
	lowered := make(map[string]string, len(corrections))
	for wrong, right := range corrections {
		wrong = strings.ToLower(strings.TrimSpace(wrong))
		if wrong == "" {
			continue
		}
		lowered[wrong] = strings.TrimSpace(right)
	}
	phrases := make([]string, 0, len(endPhrases))
	for _, p := range endPhrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Recognizer{
		transcriber: transcriber,
		corrections: lowered,
		endPhrases:  phrases,
	}
}

// Resolve walks the input-priority chain and returns the recognized text and
// the tier that produced it. It never returns empty text.
func (r *Recognizer) Resolve(ctx context.Context, in Input) (text, source string) {
	if t := r.Normalize(in.Speech); t != "" {
		return t, "speech"
	}
	if t := r.Normalize(in.AlternateSpeech); t != "" {
		return t, "alternate"
	}
	if digits := strings.TrimSpace(in.Digits); digits != "" {
		return "User pressed " + digits, "digits"
	}
	if url := strings.TrimSpace(in.RecordingURL); url != "" && r.transcriber != nil {
		raw, err := r.transcriber.Transcribe(ctx, url)
		if err == nil {
			if t := r.Normalize(raw); t != "" {
				return t, "recording"
			}
		}
	}
	return NotCaught, "none"
}

// Normalize collapses whitespace, strips symbol noise, lowercases, applies
// the phrase-correction dictionary, then re-capitalizes the first letter.
func (r *Recognizer) Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, ch := range raw {
		switch {
		case unicode.IsSpace(ch):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(ch):
			continue
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			b.WriteRune(unicode.ToLower(ch))
			prevSpace = false
		case isKeptPunctuation(ch):
			b.WriteRune(ch)
			prevSpace = false
		default:
			// Symbols (emoji, math glyphs, stray markup) are dropped.
			continue
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return ""
	}

	for wrong, right := range r.corrections {
		out = strings.ReplaceAll(out, wrong, strings.ToLower(right))
	}

	runes := []rune(out)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// IsEndPhrase reports whether the text contains any configured end phrase,
// case- and position-insensitive. First match wins.
func (r *Recognizer) IsEndPhrase(text string) bool {
	_, ok := r.MatchEndPhrase(text)
	return ok
}

// MatchEndPhrase returns the first matching end phrase, if any.
func (r *Recognizer) MatchEndPhrase(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, phrase := range r.endPhrases {
		if strings.Contains(lowered, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func isKeptPunctuation(ch rune) bool {
	switch ch {
	case '.', ',', '!', '?', ':', ';', '\'', '-', '@':
		// '@' survives so spoken email addresses stay intact.
		return true
	default:
		return false
	}
}
