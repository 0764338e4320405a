package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/clock"
	"github.com/manash/promptloop/pkg/models"
)

// CreateRequest carries the inputs of create_session. MaxIterations of zero
// selects DefaultBudget.
type CreateRequest struct {
	UserGoal      string
	ImageProvider string
	ImageParams   models.Params
	MaxIterations int
}

// Manager implements the session operations that sit outside the
// optimisation loop: creation, lookup, first-prompt edits and feedback.
type Manager struct {
	store    *Store
	registry *models.Registry
	clock    clock.Clock
	logger   *zap.Logger
	newID    func() string
}

func NewManager(store *Store, registry *models.Registry, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		registry: registry,
		clock:    clk,
		logger:   logger.With(zap.String("component", "session")),
		newID:    func() string { return uuid.New().String() },
	}
}

func (m *Manager) Store() *Store {
	return m.store
}

// CreateSession stores a new draft session. The provider must be known;
// image params are checked against its capabilities when a run starts.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	goal := strings.TrimSpace(req.UserGoal)
	if goal == "" {
		return nil, models.NewValidationError("user_goal", "cannot be empty")
	}
	if _, err := m.registry.Lookup(req.ImageProvider); err != nil {
		return nil, models.NewValidationError("image_provider", "unknown provider %q: available %v", req.ImageProvider, m.registry.List())
	}

	n := req.MaxIterations
	if n == 0 {
		n = DefaultBudget
	}
	budget, err := NewBudget(n)
	if err != nil {
		return nil, err
	}

	params := models.Params{}
	for k, v := range req.ImageParams {
		params[k] = v
	}

	now := m.clock.Now()
	sess := &Session{
		ID:            m.newID(),
		UserGoal:      goal,
		ImageProvider: req.ImageProvider,
		ImageParams:   params,
		MaxIterations: budget,
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("provider", sess.ImageProvider),
		zap.Int("max_iterations", int(sess.MaxIterations)))
	return sess, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, DomainError(err)
	}
	return sess, nil
}

func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	return m.store.ListSessions(ctx)
}

// UpdatePrompt sets the prompt used for the first iteration. Only a draft
// session accepts it.
func (m *Manager) UpdatePrompt(ctx context.Context, id, prompt string) (*Session, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, models.NewValidationError("prompt_text", "cannot be empty")
	}

	err := m.store.UpdatePrompt(ctx, id, prompt, m.clock.Now())
	if errors.Is(err, ErrStatusMismatch) {
		return nil, m.statusError(ctx, id, "update prompt")
	}
	if err != nil {
		return nil, DomainError(err)
	}
	return m.GetSession(ctx, id)
}

// AttachFeedback sets user feedback on a recorded iteration. It is allowed
// in any status and never changes the session's status.
func (m *Manager) AttachFeedback(ctx context.Context, id string, index int, feedback string) (*Iteration, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, models.NewValidationError("feedback_text", "cannot be empty")
	}
	if index < 0 {
		return nil, models.NewNotFoundError("iteration %d of session %s not found", index, id)
	}

	if err := m.store.SetFeedback(ctx, id, index, feedback, m.clock.Now()); err != nil {
		return nil, DomainError(err)
	}

	m.logger.Debug("feedback attached", zap.String("session_id", id), zap.Int("iteration", index))
	it, err := m.store.GetIteration(ctx, id, index)
	if err != nil {
		return nil, DomainError(err)
	}
	return it, nil
}

// DeleteSession removes a session that is not running. The engine never
// deletes sessions; this exists for the CLI.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == StatusRunning {
		return models.NewConflictError("session %s is running", id)
	}
	return DomainError(m.store.DeleteSession(ctx, id))
}

func (m *Manager) SessionCost(ctx context.Context, id string) (*CostSummary, error) {
	if _, err := m.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.store.GetSessionCost(ctx, id)
}

func (m *Manager) statusError(ctx context.Context, id, op string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return DomainError(err)
	}
	return StatusError(sess, op)
}

// StatusError describes why a session in its current status rejects op:
// a running session is a conflict, a terminal or otherwise wrong one is an
// invalid state.
func StatusError(sess *Session, op string) error {
	if sess.Status == StatusRunning {
		return models.NewConflictError("cannot %s: session %s is already running", op, sess.ID)
	}
	return models.NewInvalidStateError("cannot %s: session %s is %s", op, sess.ID, sess.Status)
}

// DomainError maps store sentinels onto the structured error taxonomy.
func DomainError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrIterationNotFound):
		return &models.Error{Code: models.CodeNotFound, Message: err.Error(), Cause: err}
	case errors.Is(err, ErrStatusMismatch), errors.Is(err, ErrIndexConflict):
		return &models.Error{Code: models.CodeConflict, Message: err.Error(), Cause: err}
	}
	return err
}
