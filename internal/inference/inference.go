package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openagentsinc/dvm-engine/common/errors"
)

// Backend turns validated job input into job output text. The broker treats
// it as an opaque compute call; it may be long-running.
type Backend interface {
	Compute(ctx context.Context, input string) (string, error)
}

// OllamaBackend runs jobs against a local Ollama-compatible server.
type OllamaBackend struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewOllamaBackend(baseURL, model string) *OllamaBackend {
	return &OllamaBackend{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (b *OllamaBackend) Compute(ctx context.Context, input string) (string, error) {
	data, err := json.Marshal(generateRequest{
		Model:  b.model,
		Prompt: input,
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/generate", b.baseURL), bytes.NewBuffer(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "inference backend request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Errorf("inference backend: status %d: %s", resp.StatusCode, body)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode inference response")
	}
	return out.Response, nil
}
