// Package revision turns judge notes and user feedback into the next prompt
// of an optimisation run.
package revision

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/manash/promptloop/internal/security"
	"github.com/manash/promptloop/pkg/models"
)

type Input struct {
	Goal           string
	PreviousPrompt string
	JudgeNotes     string
	UserFeedback   string
}

// Revision is the next prompt and a short description of what changed.
type Revision struct {
	Prompt string
	Diff   string
}

// Strategy produces the next prompt. It is called between iterations and
// never concurrently for the same session.
type Strategy interface {
	Revise(ctx context.Context, in Input) (Revision, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, in Input) (Revision, error)

func (f StrategyFunc) Revise(ctx context.Context, in Input) (Revision, error) {
	return f(ctx, in)
}

const (
	DefaultMaxPromptLen = 1000
	DefaultMaxClauses   = 3
)

// Default is a deterministic rule-based Strategy. It appends the actionable
// clauses of the user feedback, then of the judge notes, that the previous
// prompt does not already contain.
type Default struct {
	MaxPromptLen int
	MaxClauses   int
}

func NewDefault() *Default {
	return &Default{MaxPromptLen: DefaultMaxPromptLen, MaxClauses: DefaultMaxClauses}
}

func (d *Default) Revise(ctx context.Context, in Input) (Revision, error) {
	if err := ctx.Err(); err != nil {
		return Revision{}, err
	}
	prev := strings.TrimSpace(in.PreviousPrompt)
	if prev == "" {
		return Revision{}, &models.Error{Code: models.CodeRevision, Message: "previous prompt is empty"}
	}

	maxClauses := d.MaxClauses
	if maxClauses <= 0 {
		maxClauses = DefaultMaxClauses
	}

	fromFeedback := newClauses(prev, nil, ParseClauses(in.UserFeedback), maxClauses)
	fromNotes := newClauses(prev, fromFeedback, ParseClauses(in.JudgeNotes), maxClauses-len(fromFeedback))

	added := append(append([]string{}, fromFeedback...), fromNotes...)
	if len(added) == 0 {
		anchor := "faithful to: " + strings.TrimSpace(in.Goal)
		if strings.TrimSpace(in.Goal) == "" || containsFold(prev, anchor) {
			return Revision{Prompt: prev, Diff: "no new guidance; prompt unchanged"}, nil
		}
		next := d.compose(prev, anchor)
		if !containsFold(next, anchor) {
			return Revision{Prompt: next, Diff: d.nothingFit(prev, next)}, nil
		}
		return Revision{
			Prompt: next,
			Diff:   fmt.Sprintf("added %q to restate the goal", anchor),
		}, nil
	}

	next := d.compose(prev, strings.Join(added, ", "))
	fromFeedback = kept(next, fromFeedback)
	fromNotes = kept(next, fromNotes)
	if len(fromFeedback)+len(fromNotes) == 0 {
		return Revision{Prompt: next, Diff: d.nothingFit(prev, next)}, nil
	}
	diff := describe(fromFeedback, fromNotes)
	if utf8.RuneCountInString(prev)+utf8.RuneCountInString(", ")+utf8.RuneCountInString(strings.Join(added, ", ")) > d.maxLen() {
		diff += fmt.Sprintf("; shortened to fit %d characters", d.maxLen())
	}
	return Revision{Prompt: next, Diff: diff}, nil
}

func (d *Default) maxLen() int {
	if d.MaxPromptLen <= 0 {
		return DefaultMaxPromptLen
	}
	return d.MaxPromptLen
}

// compose appends addition to prev within the length limit. The prior text
// is shortened first so the new guidance survives; only when the addition
// alone does not fit is the whole prompt cut.
func (d *Default) compose(prev, addition string) string {
	n := d.maxLen()
	suffix := ", " + addition
	room := n - utf8.RuneCountInString(suffix)
	if room <= 3 {
		return security.Truncate(prev+suffix, n)
	}
	return security.Truncate(prev, room) + suffix
}

func (d *Default) nothingFit(prev, next string) string {
	if next == prev {
		return "new guidance does not fit; prompt unchanged"
	}
	return fmt.Sprintf("shortened to %d characters; new guidance does not fit", d.maxLen())
}

// kept returns the clauses that survived into prompt whole.
func kept(prompt string, clauses []string) []string {
	var out []string
	for _, c := range clauses {
		if containsFold(prompt, c) {
			out = append(out, c)
		}
	}
	return out
}

func describe(fromFeedback, fromNotes []string) string {
	var parts []string
	if len(fromFeedback) > 0 {
		parts = append(parts, "from user feedback added "+quoteAll(fromFeedback))
	}
	if len(fromNotes) > 0 {
		parts = append(parts, "from judge notes added "+quoteAll(fromNotes))
	}
	return strings.Join(parts, "; ")
}

func quoteAll(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}

func newClauses(prompt string, taken, candidates []string, limit int) []string {
	var out []string
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		if containsFold(prompt, c) || containsAnyFold(taken, c) || containsAnyFold(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func containsAnyFold(items []string, c string) bool {
	for _, it := range items {
		if strings.EqualFold(it, c) {
			return true
		}
	}
	return false
}
