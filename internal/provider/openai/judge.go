package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/manash/promptloop/pkg/models"
)

const (
	DefaultJudgeModel     = "gpt-4o-mini"
	defaultJudgeMaxTokens = 512
)

const judgeSchema = `{
  "type": "object",
  "properties": {
    "score": {"type": "integer", "description": "0 to 100, how well the image satisfies the goal"},
    "notes": {"type": "string", "description": "what is missing or wrong, as short actionable sentences"}
  },
  "required": ["score", "notes"],
  "additionalProperties": false
}`

const judgeInstructions = `You are grading a generated image against the user's goal.
Score from 0 (unrelated) to 100 (fully satisfies the goal).
In notes, list concrete changes to the prompt that would raise the score, one short sentence each.

Goal: %s`

// Judge scores stored images with a vision chat model.
type Judge struct {
	client    *Client
	model     string
	maxTokens int
}

func NewJudge(client *Client, model string) *Judge {
	if model == "" {
		model = DefaultJudgeModel
	}
	return &Judge{client: client, model: model, maxTokens: defaultJudgeMaxTokens}
}

func (j *Judge) Judge(ctx context.Context, imageRef, goal string) (models.JudgeResult, error) {
	content, err := imageContent(imageRef)
	if err != nil {
		return models.JudgeResult{}, models.NewJudgeError(false, err)
	}

	req := &chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []chatContent{
					{Type: "text", Text: fmt.Sprintf(judgeInstructions, goal)},
					content,
				},
			},
		},
		MaxCompletionTokens: j.maxTokens,
		ResponseFormat:      strictSchema("image_judgement", judgeSchema),
	}

	var result models.JudgeResult
	if err := j.client.completeJSON(ctx, req, models.NewJudgeError, &result); err != nil {
		return models.JudgeResult{}, err
	}
	if result.Score < 0 || result.Score > 100 {
		return models.JudgeResult{}, models.NewJudgeError(false, fmt.Errorf("score %d out of range 0..100", result.Score))
	}
	result.Notes = strings.TrimSpace(result.Notes)
	return result, nil
}

// imageContent inlines a stored image as a data URL. Remote references are
// passed through.
func imageContent(imageRef string) (chatContent, error) {
	if strings.HasPrefix(imageRef, "http://") || strings.HasPrefix(imageRef, "https://") {
		return chatContent{
			Type:     "image_url",
			ImageURL: &imageURL{URL: imageRef, Detail: "high"},
		}, nil
	}

	data, err := os.ReadFile(imageRef)
	if err != nil {
		return chatContent{}, fmt.Errorf("failed to read image file: %w", err)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", detectMimeType(data), base64.StdEncoding.EncodeToString(data))
	return chatContent{
		Type:     "image_url",
		ImageURL: &imageURL{URL: dataURL, Detail: "high"},
	}, nil
}

func detectMimeType(data []byte) string {
	if len(data) < 4 {
		return "application/octet-stream"
	}

	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 {
		return "image/gif"
	}
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	return "image/png"
}
