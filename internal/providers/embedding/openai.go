package embedding

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

const maxResponseSize = 4 << 20

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// OpenAIEmbedder calls the embeddings endpoint. Dimensions defaults to 768 to
// match the messages.embedding column; text-embedding-3 models support
// truncation to that size natively.
type OpenAIEmbedder struct {
	HTTPClient *http.Client
	Dimensions int

	apiKey  string
	model   string
	baseURL string
}

func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dimensions: 768,
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

func (o *OpenAIEmbedder) Close() error { return nil }

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.Embed"

	body, err := json.Marshal(embeddingRequest{
		Model:      o.model,
		Input:      text,
		Dimensions: o.Dimensions,
	})
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.E(utils.CodeTimeout, op, "embedding request timed out", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "embedding provider unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "read embedding response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("embedding provider error (%d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, utils.E(utils.CodeProviderError, op,
			fmt.Sprintf("embedding request rejected (%d)", resp.StatusCode), nil)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, utils.E(utils.CodeProviderError, op, "parse embedding response", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, utils.E(utils.CodeProviderError, op, "embedding response is empty", nil)
	}
	return parsed.Data[0].Embedding, nil
}
