package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
	"golang.org/x/sync/semaphore"
)

// embedConcurrency caps in-flight embedContent calls per provider so the
// backfill worker cannot starve interactive turns of quota.
const embedConcurrency = 8

// Embedding implements gryag.EmbeddingProvider for Gemini embedding models.
type Embedding struct {
	model      string
	keys       *keyRing
	dims       int
	httpClient *http.Client
	sem        *semaphore.Weighted
}

// NewEmbedding creates a Gemini embedding provider with the given output
// dimensionality. At least one API key is required.
func NewEmbedding(model string, keys []string, dims int) (*Embedding, error) {
	if len(keys) == 0 {
		return nil, errors.New("gemini: at least one API key required")
	}
	return &Embedding{
		model:      model,
		keys:       &keyRing{keys: keys},
		dims:       dims,
		httpClient: &http.Client{Timeout: time.Minute},
		sem:        semaphore.NewWeighted(embedConcurrency),
	}, nil
}

// Name returns "gemini".
func (e *Embedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

// Embed embeds each text and returns the embedding vectors in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vec)
	}
	return embeddings, nil
}

func (e *Embedding) embedOne(ctx context.Context, text string) ([]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", baseURL, e.model, e.keys.current())

	body := map[string]any{
		"content": map[string]any{
			"parts": []map[string]any{
				{"text": text},
			},
		},
		"outputDimensionality": e.dims,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "marshal embed body: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "create embed request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		e.keys.rotate()
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "embed request failed: " + err.Error()}
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		e.keys.rotate()
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "failed to read embed response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.keys.rotate()
		return nil, httpErr(resp, string(respBody))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "failed to parse embed response: " + err.Error()}
	}

	if parsed.Embedding == nil {
		return nil, &gryag.ErrLLM{Provider: "gemini", Message: "missing embedding.values in response"}
	}

	vec := make([]float32, len(parsed.Embedding.Values))
	for i, v := range parsed.Embedding.Values {
		vec[i] = float32(v)
	}
	return vec, nil
}

type embedResponse struct {
	Embedding *embedValues `json:"embedding"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

var _ gryag.EmbeddingProvider = (*Embedding)(nil)
