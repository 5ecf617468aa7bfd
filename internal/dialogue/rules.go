package dialogue

import (
	"context"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

var negativeKeywords = []string{
	"not interested", "no thanks", "no thank you", "stop calling",
	"don't call", "do not call", "remove me", "busy right now", "goodbye",
}

var interestKeywords = []string{
	"interested", "yes", "sure", "sounds good", "tell me more", "okay", "go ahead",
}

// RulesAdapter is the deterministic fallback used when the generation service
// is unavailable or over quota. It keeps the call moving with a fixed
// keyword-to-response table and regex extraction, independent of any remote
// service.
type RulesAdapter struct{}

func NewRulesAdapter() *RulesAdapter { return &RulesAdapter{} }

func (a *RulesAdapter) Respond(_ context.Context, req Request) (Reply, error) {
	utterance := strings.ToLower(strings.TrimSpace(req.Utterance))
	extracted := map[string]string{}

	if email := emailPattern.FindString(req.Utterance); email != "" {
		extracted["email"] = email
		return Reply{
			Message:   "Great, I have noted that down. And what company are you with?",
			Extracted: extracted,
		}, nil
	}
	if phone := phonePattern.FindString(req.Utterance); phone != "" {
		extracted["phone"] = strings.TrimSpace(phone)
		return Reply{
			Message:   "Thanks. Could I also get an email address to send the details to?",
			Extracted: extracted,
		}, nil
	}

	for _, kw := range negativeKeywords {
		if strings.Contains(utterance, kw) {
			extracted["interest_level"] = "low"
			return Reply{
				Message:   "I understand, thank you for your time. Have a great day.",
				EndCall:   true,
				Extracted: extracted,
			}, nil
		}
	}

	for _, kw := range interestKeywords {
		if strings.Contains(utterance, kw) {
			extracted["interest_level"] = "high"
			return Reply{
				Message:   "Wonderful! Could you share your email address so I can send over the details?",
				Extracted: extracted,
			}, nil
		}
	}

	return Reply{
		Message:   "I see. Could you tell me a bit more about what you're looking for?",
		Extracted: extracted,
	}, nil
}
