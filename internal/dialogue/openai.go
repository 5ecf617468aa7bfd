package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/reliability"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAIAdapter talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIAdapter struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.6
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	return &OpenAIAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *OpenAIAdapter) Respond(ctx context.Context, req Request) (Reply, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: buildSystemPrompt(req)})
	for _, line := range req.History {
		role := "user"
		content := line
		if rest, ok := strings.CutPrefix(line, "agent: "); ok {
			role = "assistant"
			content = rest
		} else if rest, ok := strings.CutPrefix(line, "customer: "); ok {
			content = rest
		}
		messages = append(messages, chatMessage{Role: role, Content: content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Utterance})

	raw, err := a.complete(ctx, messages)
	if err != nil {
		return Reply{}, err
	}
	// DecodeReply absorbs malformed model output; only transport errors
	// reach the fallback adapter.
	return DecodeReply(raw), nil
}

// Complete runs a freeform system+user exchange, used for the end-of-call
// summary and success-score passes.
func (a *OpenAIAdapter) Complete(ctx context.Context, system, user string) (string, error) {
	return a.complete(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}

func (a *OpenAIAdapter) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if reliability.IsQuotaHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("generation quota exhausted (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return "", fmt.Errorf("generation failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("generation response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.CampaignScript))
	if req.Objective != "" {
		b.WriteString("\n\nCampaign objective: ")
		b.WriteString(req.Objective)
	}
	switch req.Language {
	case LanguageSecondary:
		b.WriteString("\n\nThe customer is speaking the campaign's secondary language. Respond entirely in that language.")
	case LanguageMixed:
		b.WriteString("\n\nThe customer mixes languages. Respond in the same mixed, conversational register.")
	}
	b.WriteString("\n\nReply with a single JSON object and nothing else: ")
	b.WriteString(`{"message": "<next thing to say, short and spoken-style>", "should_end_call": <true|false>, "extracted_data": {"email": "", "phone": "", "company": "", "interest_level": "", "notes": ""}}`)
	b.WriteString("\nOnly include extracted_data fields the customer actually provided in this turn.")
	return b.String()
}
