package gryag

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// GenerateWithTools sends a request with tool definitions. The
	// response may contain tool calls for the dispatcher.
	GenerateWithTools(ctx context.Context, req GenerateRequest, tools []ToolDefinition) (GenerateResponse, error)
	// Name returns the provider name (e.g. "gemini").
	Name() string
}

// SearchGrounder is implemented by providers that can answer a query
// grounded in live web search results. Discovered by type assertion.
type SearchGrounder interface {
	GenerateWithSearchGrounding(ctx context.Context, query string) (string, error)
}

// ImageGenerator is implemented by providers that can render an image
// from a prompt. Returns raw bytes and their MIME type.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, string, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
