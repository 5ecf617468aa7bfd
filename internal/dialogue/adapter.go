// Package dialogue produces the agent's next line from the campaign script,
// the rolling conversation history, and the newly recognized utterance.
package dialogue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultMessage is spoken whenever the generation service returns something
// the pipeline cannot use. Parsing never raises; it degrades to this.
const DefaultMessage = "I'm sorry, could you repeat that?"

// Request is the normalized generation request for one turn.
type Request struct {
	CampaignScript string
	Objective      string
	History        []string
	Utterance      string
	Language       Language
}

// Reply is the structured generation result for one turn.
type Reply struct {
	Message   string
	EndCall   bool
	Extracted map[string]string
}

// Adapter produces the next agent reply.
type Adapter interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// DefaultReply is the canned response used when upstream output is unusable.
func DefaultReply() Reply {
	return Reply{
		Message:   DefaultMessage,
		EndCall:   false,
		Extracted: map[string]string{},
	}
}

type replyWire struct {
	Message       string         `json:"message"`
	ShouldEndCall bool           `json:"should_end_call"`
	ExtractedData map[string]any `json:"extracted_data"`
}

// DecodeReply parses the generation service's JSON output into a Reply. It
// never fails: malformed or missing JSON yields DefaultReply so the pipeline
// cannot stall on a parse error.
func DecodeReply(raw string) Reply {
	payload := extractJSONObject(raw)
	if payload == "" {
		return DefaultReply()
	}

	var wire replyWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return DefaultReply()
	}
	if strings.TrimSpace(wire.Message) == "" {
		return DefaultReply()
	}

	extracted := make(map[string]string, len(wire.ExtractedData))
	for key, value := range wire.ExtractedData {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				extracted[key] = strings.TrimSpace(v)
			}
		case float64:
			extracted[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			extracted[key] = strconv.FormatBool(v)
		}
	}

	return Reply{
		Message:   strings.TrimSpace(wire.Message),
		EndCall:   wire.ShouldEndCall,
		Extracted: extracted,
	}
}

// extractJSONObject returns the outermost {...} slice of raw, tolerating
// markdown fences and prose around the object.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
