package dialogue

import "strings"

// Language is the response style picked for a turn.
type Language string

const (
	LanguagePrimary   Language = "primary"
	LanguageMixed     Language = "mixed"
	LanguageSecondary Language = "secondary"
)

// DetectLanguage picks a response language from keyword frequency in the
// utterance. No secondary-language words means the primary language; a
// majority means the secondary language; anything in between is mixed speech
// and gets a mixed response style.
func DetectLanguage(utterance string, secondaryWords []string) Language {
	words := strings.Fields(strings.ToLower(utterance))
	if len(words) == 0 {
		return LanguagePrimary
	}

	vocab := make(map[string]struct{}, len(secondaryWords))
	for _, w := range secondaryWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			vocab[w] = struct{}{}
		}
	}
	if len(vocab) == 0 {
		return LanguagePrimary
	}

	hits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if _, ok := vocab[w]; ok {
			hits++
		}
	}

	switch {
	case hits == 0:
		return LanguagePrimary
	case hits*2 >= len(words):
		return LanguageSecondary
	default:
		return LanguageMixed
	}
}
