// Package upstream talks to the OpenRouter-compatible completion API.
// Credentials are per-call because billing resolution picks a different key
// for each turn.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type Message struct {
	Role    string
	Content string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one streamed increment: either a text delta, a terminal usage
// report, or both empty for keep-alive frames the caller skips.
type Chunk struct {
	Delta string
	Usage *Usage
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Client struct {
	baseURL         string
	completeTimeout time.Duration
	httpClient      *http.Client
}

func New(baseURL string, completeTimeout time.Duration) *Client {
	return &Client{
		baseURL:         baseURL,
		completeTimeout: completeTimeout,
		// No client-level timeout: streams outlive any fixed deadline and
		// are bounded by their context instead.
		httpClient: &http.Client{},
	}
}

func (c *Client) api(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func toOpenAI(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Stream opens a streaming completion. The final chunk before io.EOF
// carries usage when the provider reports it.
func (c *Client) Stream(ctx context.Context, apiKey, model string, msgs []Message) (Stream, error) {
	s, err := c.api(apiKey).CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAI(msgs),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &chatStream{inner: s}, nil
}

// Complete runs a non-streaming completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, apiKey, model string, msgs []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()
	resp, err := c.api(apiKey).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAI(msgs),
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

type chatStream struct {
	inner *openai.ChatCompletionStream
}

func (s *chatStream) Recv() (Chunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if err == io.EOF {
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("recv: %w", err)
	}
	var ch Chunk
	if len(resp.Choices) > 0 {
		ch.Delta = resp.Choices[0].Delta.Content
	}
	if resp.Usage != nil {
		ch.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return ch, nil
}

func (s *chatStream) Close() error {
	return s.inner.Close()
}
