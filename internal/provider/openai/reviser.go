package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/manash/promptloop/internal/revision"
	"github.com/manash/promptloop/internal/security"
	"github.com/manash/promptloop/pkg/models"
)

const DefaultReviserModel = "gpt-4o-mini"

const reviserSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "diff": {"type": "string", "description": "one sentence describing what changed"}
  },
  "required": ["prompt", "diff"],
  "additionalProperties": false
}`

const reviserInstructions = `Rewrite an image generation prompt so the next image better satisfies the goal.
Keep what already works. Apply the user feedback first, then the judge notes.
Return the full new prompt and a one-sentence description of the change.

Goal: %s
Previous prompt: %s
Judge notes: %s
User feedback: %s`

// Reviser is a revision.Strategy backed by a chat model.
type Reviser struct {
	client       *Client
	model        string
	maxPromptLen int
}

func NewReviser(client *Client, model string) *Reviser {
	if model == "" {
		model = DefaultReviserModel
	}
	return &Reviser{client: client, model: model, maxPromptLen: revision.DefaultMaxPromptLen}
}

var _ revision.Strategy = (*Reviser)(nil)

func (r *Reviser) Revise(ctx context.Context, in revision.Input) (revision.Revision, error) {
	if strings.TrimSpace(in.PreviousPrompt) == "" {
		return revision.Revision{}, newRevisionError(false, fmt.Errorf("previous prompt is empty"))
	}

	req := &chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []chatContent{{
					Type: "text",
					Text: fmt.Sprintf(reviserInstructions, in.Goal, in.PreviousPrompt, orNone(in.JudgeNotes), orNone(in.UserFeedback)),
				}},
			},
		},
		ResponseFormat: strictSchema("prompt_revision", reviserSchema),
	}

	var out struct {
		Prompt string `json:"prompt"`
		Diff   string `json:"diff"`
	}
	if err := r.client.completeJSON(ctx, req, newRevisionError, &out); err != nil {
		return revision.Revision{}, err
	}

	prompt := strings.TrimSpace(out.Prompt)
	if prompt == "" {
		return revision.Revision{}, newRevisionError(false, fmt.Errorf("model returned an empty prompt"))
	}
	return revision.Revision{
		Prompt: security.Truncate(prompt, r.maxPromptLen),
		Diff:   strings.TrimSpace(out.Diff),
	}, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func newRevisionError(transient bool, cause error) *models.Error {
	return &models.Error{Code: models.CodeRevision, Message: "prompt revision failed", Transient: transient, Cause: cause}
}
