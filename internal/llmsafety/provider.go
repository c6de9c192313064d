package llmsafety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one turn in a chat-completions style exchange.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Provider is a chat-completions endpoint capable of producing a single
// text reply for a message list. Only what evaluate() needs — no
// tool-calling, no streaming.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// NewProvider picks an Anthropic- or OpenAI-shaped provider from model,
// mirroring the teacher's model-prefix dispatch (wingthing's
// AnthropicProvider/OpenAIProvider.SupportsModel).
func NewProvider(model, apiKey, baseURL string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return &anthropicProvider{model: model, apiKey: apiKey, client: &http.Client{Timeout: 30 * time.Second}}, nil
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1-"):
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return &openAIProvider{model: model, apiKey: apiKey, baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}, nil
	default:
		return nil, fmt.Errorf("llmsafety: no provider for model %q", model)
	}
}

// --- Anthropic ---

type anthropicProvider struct {
	model  string
	apiKey string
	client *http.Client
}

func (p *anthropicProvider) Name() string { return "anthropic" }

type anthropicReq struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropicProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	req := anthropicReq{Model: p.model, MaxTokens: 1024}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llmsafety: marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmsafety: build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llmsafety: anthropic request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmsafety: read anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmsafety: anthropic status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed anthropicResp
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llmsafety: decode anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// --- OpenAI ---

type openAIProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
}

func (p *openAIProvider) Name() string { return "openai" }

type openAIReq struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResp struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (p *openAIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openAIReq{Model: p.model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llmsafety: marshal openai request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmsafety: build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llmsafety: openai request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmsafety: read openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmsafety: openai status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIResp
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llmsafety: decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llmsafety: openai response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
