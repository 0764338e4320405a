package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/manash/promptloop/pkg/models"
)

// Status is the lifecycle state of a session:
// draft -> running -> {done, failed}.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusRunning, StatusDone, StatusFailed:
		return st, nil
	}
	return "", models.NewValidationError("status", "unknown status %q", s)
}

func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Reasons recorded alongside a terminal status.
const (
	ReasonAccepted        = "accepted"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonCancelled       = "cancelled"
	ReasonInterrupted     = "interrupted"
)

const (
	MinBudget     = 1
	MaxBudget     = 10
	DefaultBudget = 3

	MinScore = 0
	MaxScore = 100
)

// Budget is an iteration budget bounded to [MinBudget, MaxBudget].
type Budget int

func NewBudget(n int) (Budget, error) {
	if n < MinBudget || n > MaxBudget {
		return 0, models.NewValidationError("max_iterations", "must be between %d and %d, got %d", MinBudget, MaxBudget, n)
	}
	return Budget(n), nil
}

func (b *Budget) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := NewBudget(n)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Score is a judge score bounded to [MinScore, MaxScore].
type Score int

func NewScore(n int) (Score, error) {
	if n < MinScore || n > MaxScore {
		return 0, models.NewValidationError("judge_score", "must be between %d and %d, got %d", MinScore, MaxScore, n)
	}
	return Score(n), nil
}

func (s *Score) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := NewScore(n)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Iteration is one generate-and-judge attempt. It is immutable once
// recorded except for UserFeedback, which only Manager.AttachFeedback sets.
type Iteration struct {
	Index        int       `json:"index"`
	PromptText   string    `json:"prompt_text"`
	PromptDiff   *string   `json:"prompt_diff"`
	ImagePath    *string   `json:"image_path"`
	JudgeScore   *Score    `json:"judge_score"`
	JudgeNotes   *string   `json:"judge_notes"`
	UserFeedback *string   `json:"user_feedback"`
	CreatedAt    time.Time `json:"created_at"`
}

func (it Iteration) clone() Iteration {
	out := it
	out.PromptDiff = clonePtr(it.PromptDiff)
	out.ImagePath = clonePtr(it.ImagePath)
	out.JudgeScore = clonePtr(it.JudgeScore)
	out.JudgeNotes = clonePtr(it.JudgeNotes)
	out.UserFeedback = clonePtr(it.UserFeedback)
	return out
}

// Session is the aggregate root of one optimisation attempt. It exclusively
// owns its Iterations; Iterations[i].Index == i always holds. Prompt is the
// explicit first prompt set while in draft; empty means UserGoal is used.
type Session struct {
	ID            string        `json:"session_id"`
	UserGoal      string        `json:"user_goal"`
	ImageProvider string        `json:"image_provider"`
	ImageParams   models.Params `json:"image_params"`
	Prompt        string        `json:"prompt,omitempty"`
	Iterations    []Iteration   `json:"iterations"`
	MaxIterations Budget        `json:"max_iterations"`
	Status        Status        `json:"status"`
	StatusReason  string        `json:"status_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// InitialPrompt is the prompt sent for iteration 0.
func (s *Session) InitialPrompt() string {
	if s.Prompt != "" {
		return s.Prompt
	}
	return s.UserGoal
}

// Best returns the iteration with the highest judge score, preferring the
// later one on ties. Unjudged iterations only win when nothing was judged.
func (s *Session) Best() (*Iteration, bool) {
	var best *Iteration
	for i := range s.Iterations {
		it := &s.Iterations[i]
		switch {
		case best == nil:
			best = it
		case it.JudgeScore == nil:
			if best.JudgeScore == nil {
				best = it
			}
		case best.JudgeScore == nil || *it.JudgeScore >= *best.JudgeScore:
			best = it
		}
	}
	return best, best != nil
}

// Clone returns a deep copy so callers never share Iteration storage.
func (s *Session) Clone() *Session {
	out := *s
	if s.ImageParams != nil {
		out.ImageParams = maps.Clone(s.ImageParams)
	}
	if s.Iterations != nil {
		out.Iterations = make([]Iteration, len(s.Iterations))
		for i, it := range s.Iterations {
			out.Iterations[i] = it.clone()
		}
	}
	return &out
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %d/%d iterations)", s.ID, s.Status, len(s.Iterations), s.MaxIterations)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v. Handy for optional iteration fields.
func Ptr[T any](v T) *T {
	return &v
}

type CostEntry struct {
	SessionID      string
	IterationIndex int
	Provider       string
	Model          string
	Cost           float64
	ImageCount     int
	Timestamp      time.Time
}

type CostSummary struct {
	TotalCost  float64
	ImageCount int
	EntryCount int
}

type ProviderCostSummary struct {
	Provider   string
	TotalCost  float64
	ImageCount int
}
