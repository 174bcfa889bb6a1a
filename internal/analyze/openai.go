package analyze

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// DefaultChatModel is used when no analysis model is configured.
const DefaultChatModel = "gpt-4o-mini"

// DefaultEmbeddingModel is used when no embedding model is configured.
const DefaultEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

// Compile-time interface checks.
var (
	_ Completer = (*OpenAICompleter)(nil)
	_ Embedder  = (*OpenAIEmbedder)(nil)
)

// ClientOption is a functional option for the OpenAI-backed providers.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

func buildClient(apiKey string, cfg *clientConfig) oai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return oai.NewClient(reqOpts...)
}

// OpenAICompleter implements [Completer] using the OpenAI chat API.
type OpenAICompleter struct {
	client oai.Client
	model  string
}

// NewOpenAICompleter constructs a chat-backed Completer. If model is empty,
// [DefaultChatModel] is used.
func NewOpenAICompleter(apiKey, model string, opts ...ClientOption) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("analyze: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultChatModel
	}
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	return &OpenAICompleter{client: buildClient(apiKey, cfg), model: model}, nil
}

// Complete implements [Completer].
func (p *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
		Temperature: param.NewOpt(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("analyze: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("analyze: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIEmbedder implements [Embedder] using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

// NewOpenAIEmbedder constructs an embeddings-backed Embedder. If model is
// empty, [DefaultEmbeddingModel] is used.
func NewOpenAIEmbedder(apiKey, model string, opts ...ClientOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("analyze: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	return &OpenAIEmbedder{client: buildClient(apiKey, cfg), model: model}, nil
}

// Embed implements [Embedder].
func (p *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("analyze: empty embedding response")
	}
	out := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
