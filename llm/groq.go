package llm

import "context"

// groqProvider is a chat-only option: Groq's low latency suits the two
// chat calls on the critical path of a turn (route, then query), but it
// serves no embeddings.
//
// The key comes from config, HYBRIDQA_*_API_KEY or GROQ_API_KEY.
type groqProvider struct {
	base openAICompatClient
}

// NewGroq returns a Groq client. The model defaults to
// llama-3.3-70b-versatile.
func NewGroq(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.3-70b-versatile"
	}
	return &groqProvider{base: newOpenAICompatClient(cfg)}
}

func (p *groqProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *groqProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
