// Package judge provides the LLM-as-judge scoring provider.
//
// Absence of a judge is a legitimate runtime state: verification falls
// back to heuristic scoring when the provider is nil or fails.
package judge

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

// Judge scores a prompt against named dimensions, returning a value in
// [0,1] per dimension.
type Judge interface {
	Score(ctx context.Context, prompt string, dimensions []string) (map[string]float64, error)
}

// Config configures the OpenAI-compatible judge.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// LLMJudge implements Judge over an OpenAI-compatible chat completions API
// with a JSON response format.
type LLMJudge struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
}

// New creates an LLM judge. Returns nil when no API key is configured so
// callers can treat the judge as absent.
func New(cfg Config) *LLMJudge {
	if cfg.APIKey == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &LLMJudge{
		client:  &http.Client{Timeout: 60 * time.Second},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Score asks the model to rate the prompt on each dimension and parses the
// JSON object it returns. Missing or out-of-range dimensions are an error;
// callers fall back to heuristics.
func (j *LLMJudge) Score(ctx context.Context, prompt string, dimensions []string) (map[string]float64, error) {
	system := fmt.Sprintf(
		"You are a strict evaluator. Rate the following on each of these dimensions: %s. "+
			"Respond with a single JSON object mapping each dimension name to a number between 0 and 1. "+
			"No prose.", strings.Join(dimensions, ", "))

	req := chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}
	req.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read judge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode judge response: %w", err)
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("judge API error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("judge returned no choices")
	}

	var raw map[string]float64
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &raw); err != nil {
		return nil, fmt.Errorf("judge returned non-JSON scores: %w", err)
	}

	scores := make(map[string]float64, len(dimensions))
	for _, dim := range dimensions {
		v, ok := raw[dim]
		if !ok {
			return nil, fmt.Errorf("judge omitted dimension %q", dim)
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		scores[dim] = v
	}
	return scores, nil
}
