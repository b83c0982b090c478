package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Client calls Gemini for content enhancement. It satisfies enhance.AIClient.
type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) Complete(ctx context.Context, prompt string) (map[string]any, error) {
	slog.DebugContext(ctx, "requesting enhancement", "model", c.model, "prompt_len", len(prompt))

	gm := c.client.GenerativeModel(c.model)
	gm.ResponseMIMEType = "application/json"

	res, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		slog.ErrorContext(ctx, "enhancement call failed", "error", err)
		return nil, err
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty completion")
	}

	var raw string
	for _, part := range res.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			raw += string(text)
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object: %w", err)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
