package revision

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/manash/promptloop/pkg/models"
)

func TestParseClauses(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "empty",
			input: "   ",
			want:  nil,
		},
		{
			name:  "sentences",
			input: "The sky is too dark. Add warmer light; make it more detailed!",
			want:  []string{"the sky is too dark", "warmer light", "more detailed"},
		},
		{
			name:  "bullets",
			input: "- sharper focus\n• softer shadows\n1. golden hour lighting",
			want:  []string{"sharper focus", "softer shadows", "golden hour lighting"},
		},
		{
			name:  "suggestions section wins",
			input: "Issues:\n- the fox is blurry\nSuggestions:\n- sharper focus on the fox\n- snow in the foreground",
			want:  []string{"sharper focus on the fox", "snow in the foreground"},
		},
		{
			name:  "inline heading",
			input: "Suggestions: please add a full moon",
			want:  []string{"a full moon"},
		},
		{
			name:  "short fragments dropped",
			input: "ok. Good. needs more fog",
			want:  []string{"good", "more fog"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseClauses(tt.input))
		})
	}
}

func TestDefault_Revise(t *testing.T) {
	d := NewDefault()
	ctx := context.Background()

	rev, err := d.Revise(ctx, Input{
		Goal:           "a red fox in snow",
		PreviousPrompt: "a red fox in snow",
		JudgeNotes:     "Suggestions:\n- sharper focus\n- warmer light",
		UserFeedback:   "make it more dramatic",
	})
	require.NoError(t, err)

	assert.Equal(t, "a red fox in snow, more dramatic, sharper focus, warmer light", rev.Prompt)
	assert.Contains(t, rev.Diff, `from user feedback added "more dramatic"`)
	assert.Contains(t, rev.Diff, `from judge notes added "sharper focus", "warmer light"`)
}

func TestDefault_Revise_SkipsClausesAlreadyInPrompt(t *testing.T) {
	d := NewDefault()

	rev, err := d.Revise(context.Background(), Input{
		Goal:           "a lighthouse",
		PreviousPrompt: "a lighthouse, Warmer Light",
		JudgeNotes:     "warmer light. stormy sea",
		UserFeedback:   "stormy sea",
	})
	require.NoError(t, err)

	assert.Equal(t, "a lighthouse, Warmer Light, stormy sea", rev.Prompt)
	assert.NotContains(t, rev.Diff, "judge notes")
}

func TestDefault_Revise_ClauseLimit(t *testing.T) {
	d := &Default{MaxClauses: 2}

	rev, err := d.Revise(context.Background(), Input{
		PreviousPrompt: "base",
		JudgeNotes:     "one thing. two things. three things",
	})
	require.NoError(t, err)

	assert.Equal(t, "base, one thing, two things", rev.Prompt)
}

func TestDefault_Revise_NoGuidance(t *testing.T) {
	d := NewDefault()
	ctx := context.Background()

	rev, err := d.Revise(ctx, Input{Goal: "a fox", PreviousPrompt: "a fox"})
	require.NoError(t, err)
	assert.Equal(t, "a fox, faithful to: a fox", rev.Prompt)
	assert.NotEmpty(t, rev.Diff)

	again, err := d.Revise(ctx, Input{Goal: "a fox", PreviousPrompt: rev.Prompt})
	require.NoError(t, err)
	assert.Equal(t, rev.Prompt, again.Prompt)
	assert.Equal(t, "no new guidance; prompt unchanged", again.Diff)
}

func TestDefault_Revise_Truncates(t *testing.T) {
	d := &Default{MaxPromptLen: 20}

	rev, err := d.Revise(context.Background(), Input{
		PreviousPrompt: "a very long base prompt",
		JudgeNotes:     "more mist over the water",
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len([]rune(rev.Prompt)), 20)
	assert.True(t, strings.HasSuffix(rev.Prompt, "..."))
	assert.Equal(t, "shortened to 20 characters; new guidance does not fit", rev.Diff)
}

func TestDefault_Revise_AtLimitKeepsNewGuidance(t *testing.T) {
	d := NewDefault()
	ctx := context.Background()
	prev := strings.Repeat("a", 1100)

	first, err := d.Revise(ctx, Input{PreviousPrompt: prev, JudgeNotes: "Add a red scarf."})
	require.NoError(t, err)
	assert.Len(t, []rune(first.Prompt), DefaultMaxPromptLen)
	assert.True(t, strings.HasSuffix(first.Prompt, "..., a red scarf"), "got %q", first.Prompt[len(first.Prompt)-30:])
	assert.Equal(t, `from judge notes added "a red scarf"; shortened to fit 1000 characters`, first.Diff)

	second, err := d.Revise(ctx, Input{PreviousPrompt: first.Prompt, JudgeNotes: "Add falling snow."})
	require.NoError(t, err)
	assert.NotEqual(t, first.Prompt, second.Prompt)
	assert.LessOrEqual(t, len([]rune(second.Prompt)), DefaultMaxPromptLen)
	assert.True(t, strings.HasSuffix(second.Prompt, ", falling snow"))
	assert.Contains(t, second.Diff, `"falling snow"`)
}

func TestDefault_Revise_DiffMatchesPrompt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := &Default{MaxPromptLen: rapid.IntRange(5, 80).Draw(t, "max")}
		in := Input{
			Goal:           rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "goal"),
			PreviousPrompt: rapid.StringMatching(`[a-z][a-z ]{0,120}`).Draw(t, "prev"),
			JudgeNotes:     rapid.StringMatching(`([a-z]{3,12} [a-z]{3,12}\. ){0,3}`).Draw(t, "notes"),
		}
		rev, err := d.Revise(context.Background(), in)
		if err != nil {
			t.Fatalf("Revise() error = %v", err)
		}
		if n := len([]rune(rev.Prompt)); n > d.MaxPromptLen && rev.Prompt != strings.TrimSpace(in.PreviousPrompt) {
			t.Fatalf("prompt has %d runes, limit %d", n, d.MaxPromptLen)
		}
		if rev.Prompt == strings.TrimSpace(in.PreviousPrompt) && !strings.Contains(rev.Diff, "unchanged") {
			t.Fatalf("prompt unchanged but diff = %q", rev.Diff)
		}
	})
}

func TestDefault_Revise_EmptyPrevious(t *testing.T) {
	_, err := NewDefault().Revise(context.Background(), Input{Goal: "x"})
	assert.Equal(t, models.CodeRevision, models.CodeOf(err))
}

func TestDefault_Revise_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDefault().Revise(ctx, Input{PreviousPrompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefault_Revise_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := Input{
			Goal:           rapid.StringMatching(`[a-z ]{0,30}`).Draw(t, "goal"),
			PreviousPrompt: rapid.StringMatching(`[a-z][a-z ,]{0,60}`).Draw(t, "prev"),
			JudgeNotes:     rapid.StringMatching(`[a-z .;\n-]{0,120}`).Draw(t, "notes"),
			UserFeedback:   rapid.StringMatching(`[a-z .]{0,60}`).Draw(t, "feedback"),
		}
		d := NewDefault()

		first, err := d.Revise(context.Background(), in)
		if err != nil {
			t.Fatalf("Revise() error = %v", err)
		}
		second, err := d.Revise(context.Background(), in)
		if err != nil {
			t.Fatalf("Revise() error = %v", err)
		}
		if first != second {
			t.Fatalf("Revise() not deterministic: %+v vs %+v", first, second)
		}
		if first.Prompt == "" || first.Diff == "" {
			t.Fatalf("Revise() = %+v, want non-empty prompt and diff", first)
		}
	})
}

func TestStrategyFunc(t *testing.T) {
	var s Strategy = StrategyFunc(func(_ context.Context, in Input) (Revision, error) {
		return Revision{Prompt: in.PreviousPrompt + "!", Diff: "bang"}, nil
	})

	rev, err := s.Revise(context.Background(), Input{PreviousPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi!", rev.Prompt)
}
