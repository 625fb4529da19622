package llm

import "context"

// geminiProvider talks to Gemini through Google's OpenAI-compatible
// endpoint, which is mounted without the /v1 prefix. gemini-2.5-flash
// follows the JSON-mode routing prompt reliably; gemini-embedding-001
// produces 3072-dim address vectors, so embedding_dim must match.
//
// The key comes from config, HYBRIDQA_*_API_KEY or GEMINI_API_KEY.
type geminiProvider struct {
	base openAICompatClient
}

// NewGemini creates a provider for Google Gemini.
func NewGemini(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	return &geminiProvider{base: newOpenAICompatClientPrefix(cfg, "")}
}

func (p *geminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *geminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
