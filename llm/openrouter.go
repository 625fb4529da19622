package llm

import "context"

// openRouterProvider reaches any model OpenRouter proxies, which makes it
// the easiest way to try a larger model for query generation without
// changing the embedding side.
type openRouterProvider struct {
	base openAICompatClient
}

// NewOpenRouter returns an OpenRouter client rooted at its public API
// unless cfg overrides the base URL.
func NewOpenRouter(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api"
	}
	return &openRouterProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openRouterProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openRouterProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
