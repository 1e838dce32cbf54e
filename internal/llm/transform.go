// Package llm post-processes a finished result tree through an LLM:
// the tree is serialized and sent with the plan's transform prompt, and
// the response is stored under the transform's key before the sink
// writes.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const systemPrompt = "You are a data post-processor for a web crawler. " +
	"You receive crawled data as JSON and an instruction. Answer with the " +
	"transformed result only, no commentary."

type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
	log       *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
	minGap   time.Duration
}

func NewClient(apiKey, model string, maxTokens int, log *zap.Logger) *Client {
	return &Client{
		client:    openai.NewClient(apiKey),
		model:     model,
		maxTokens: maxTokens,
		log:       log,
		minGap:    time.Second,
	}
}

// Transform sends the tree with the given instruction and returns the
// model's answer. Calls are spaced out to stay under request limits.
func (c *Client) Transform(ctx context.Context, prompt string, tree map[string]any) (string, error) {
	raw, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result tree: %w", err)
	}

	if err := c.throttle(ctx); err != nil {
		return "", err
	}

	c.log.Info("transforming result tree", zap.String("model", c.model), zap.Int("bytes", len(raw)))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt + "\n\n" + string(raw)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := c.minGap - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
