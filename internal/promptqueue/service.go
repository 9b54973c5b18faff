// Package promptqueue holds follow-up prompts submitted while a session's
// run is still active. Each session keeps at most one queued prompt; a newer
// prompt replaces the old one. Entries are transient and live in memory only.
package promptqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/common/stringutil"
)

const promptPrefix = "qpr"

// Prompt is one queued follow-up for a session.
type Prompt struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	Content         string    `json:"content"`
	Model           string    `json:"model,omitempty"`           // optional model override
	ReasoningEffort string    `json:"reasoningEffort,omitempty"` // optional effort override
	QueuedAt        time.Time `json:"queuedAt"`
}

// Status reports whether a session has a queued prompt.
type Status struct {
	Queued bool    `json:"queued"`
	Prompt *Prompt `json:"prompt,omitempty"`
}

// Service manages queued prompts per session.
type Service struct {
	queued map[string]*Prompt
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewService creates an empty prompt queue.
func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		queued: make(map[string]*Prompt),
		logger: log.WithComponent("prompt-queue"),
	}
}

// Queue stores a prompt for the session, replacing any prompt already queued.
func (s *Service) Queue(ctx context.Context, sessionID, content, model, reasoningEffort string) (*Prompt, error) {
	if sessionID == "" {
		return nil, errors.Validation("sessionId", "is required")
	}
	if content == "" {
		return nil, errors.Validation("content", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prompt := &Prompt{
		ID:              ident.New(promptPrefix),
		SessionID:       sessionID,
		Content:         content,
		Model:           model,
		ReasoningEffort: reasoningEffort,
		QueuedAt:        time.Now(),
	}
	s.queued[sessionID] = prompt

	s.logger.Info("prompt queued",
		zap.String("session_id", sessionID),
		zap.String("queue_id", prompt.ID),
		zap.String("preview", stringutil.Preview(content, 80)))
	return prompt, nil
}

// TakeQueued removes and returns the session's queued prompt, if any.
func (s *Service) TakeQueued(ctx context.Context, sessionID string) (*Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt, exists := s.queued[sessionID]
	if !exists {
		return nil, false
	}
	delete(s.queued, sessionID)

	s.logger.Info("prompt dequeued",
		zap.String("session_id", sessionID),
		zap.String("queue_id", prompt.ID))
	return prompt, true
}

// Cancel discards the session's queued prompt without dispatching it.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt, exists := s.queued[sessionID]
	if !exists {
		return nil, errors.NotFound("QueuedPrompt", sessionID)
	}
	delete(s.queued, sessionID)

	s.logger.Info("queued prompt cancelled",
		zap.String("session_id", sessionID),
		zap.String("queue_id", prompt.ID))
	return prompt, nil
}

// GetStatus reports the session's queue state.
func (s *Service) GetStatus(ctx context.Context, sessionID string) *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompt, exists := s.queued[sessionID]
	return &Status{Queued: exists, Prompt: prompt}
}

// ClearSession drops any queued prompt when a session is deleted.
func (s *Service) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, sessionID)
}
