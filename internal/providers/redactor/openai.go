package redactor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/havencare/haven/internal/utils"
)

const maxResponseSize = 1 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type OpenAIRedactor struct {
	HTTPClient *http.Client

	apiKey  string
	model   string
	baseURL string
}

func NewOpenAIRedactor(apiKey, model, baseURL string) *OpenAIRedactor {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIRedactor{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

func (o *OpenAIRedactor) Close() error { return nil }

func (o *OpenAIRedactor) Redact(ctx context.Context, instructions, text string) (string, error) {
	const op = "redactor.Redact"

	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			{Role: "user", Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "encode redaction request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "build redaction request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", utils.E(utils.CodeTimeout, op, "redaction request timed out", err)
		}
		return "", utils.E(utils.CodeUnavailable, op, "redaction provider unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "read redaction response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("redaction provider error (%d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return "", utils.E(utils.CodeProviderError, op,
			fmt.Sprintf("redaction request rejected (%d): %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", utils.E(utils.CodeProviderError, op, "parse redaction response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", utils.E(utils.CodeProviderError, op, "redaction response has no choices", nil)
	}

	out := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if out == "" {
		return "", utils.E(utils.CodeProviderError, op, "redaction response is empty", nil)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
