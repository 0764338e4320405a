package openai

import (
	"context"
	"encoding/json"
	"fmt"
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatMessageOut struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func strictSchema(name string, schema string) *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchema{
			Name:   name,
			Strict: true,
			Schema: json.RawMessage(schema),
		},
	}
}

// completeJSON runs a chat completion with a strict response schema and
// decodes the first choice into out.
func (c *Client) completeJSON(ctx context.Context, req *chatRequest, wrap errorFunc, out any) error {
	body, err := c.post(ctx, "/chat/completions", req, wrap)
	if err != nil {
		return err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return wrap(false, fmt.Errorf("failed to parse response: %w", err))
	}
	if chatResp.Error != nil {
		return wrap(false, fmt.Errorf("completion failed: %s", chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 {
		return wrap(false, fmt.Errorf("completion failed: no response choices"))
	}

	if err := json.Unmarshal([]byte(chatResp.Choices[0].Message.Content), out); err != nil {
		return wrap(false, fmt.Errorf("malformed structured output: %w", err))
	}
	return nil
}
