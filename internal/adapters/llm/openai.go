package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// OpenAIProvider is the fast structured-output provider, speaking the
// OpenAI-compatible chat completions API. Works with OpenAI, Azure OpenAI,
// Together AI, local Ollama /v1, etc.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		// Streamed generations run long; the orchestrator's context carries
		// the real deadline.
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateStructured streams a chat completion, forwarding each content delta
// through onChunk, then parses the accumulated reply into a GenerationResult.
func (p *OpenAIProvider) GenerateStructured(ctx context.Context, prompt ports.GenerationPrompt, onChunk ports.StreamFunc) (*domain.GenerationResult, error) {
	payload := map[string]any{
		"model":    p.model,
		"messages": p.buildMessages(prompt),
		"stream":   true,
	}

	resp, err := p.post(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	raw := domain.ExtractJSONObject(full.String())
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	result, err := domain.ParseGenerationResult(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}
	return result, nil
}

// GenerateText runs a single non-streaming completion. Used for the small
// classification prompts.
func (p *OpenAIProvider) GenerateText(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": p.model,
		"messages": []chatMessage{
			{Role: "user", Content: prompt},
		},
	}

	resp, err := p.post(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *OpenAIProvider) buildMessages(prompt ports.GenerationPrompt) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: prompt.SystemPrompt}}
	for i, turn := range prompt.History {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn})
	}

	var user strings.Builder
	if prompt.Spec != "" {
		user.WriteString("Project specification:\n" + prompt.Spec + "\n\n")
	}
	if prompt.SkillContent != "" {
		user.WriteString("Guidelines:\n" + prompt.SkillContent + "\n\n")
	}
	for path, code := range prompt.CurrentCode {
		user.WriteString(fmt.Sprintf("=== %s ===\n%s\n", path, code))
	}
	user.WriteString("\n" + prompt.UserMessage)
	messages = append(messages, chatMessage{Role: "user", Content: user.String()})
	return messages
}
