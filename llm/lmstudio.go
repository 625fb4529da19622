package llm

import "context"

// lmStudioProvider uses a local LM Studio server for routing, query
// generation and address embeddings, so no listing data leaves the host.
type lmStudioProvider struct {
	base openAICompatClient
}

// NewLMStudio defaults to LM Studio's local server port.
func NewLMStudio(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &lmStudioProvider{base: newOpenAICompatClient(cfg)}
}

func (p *lmStudioProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *lmStudioProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
