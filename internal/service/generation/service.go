// Package generation turns a prompt into project content: it rebuilds the
// conversation from stored turns, streams a completion and persists the
// result with its turn pair.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"devsuite/internal/logging"
	"devsuite/internal/service/ai"
)

// ErrPromptRequired is returned for a blank prompt.
var ErrPromptRequired = errors.New("prompt is required")

// EmptyCompletionError carries the request context of an empty completion so
// it can be echoed back for debugging.
type EmptyCompletionError struct {
	Prompt   string       `json:"prompt"`
	Messages []ai.Message `json:"messages"`
}

func (e *EmptyCompletionError) Error() string { return ErrEmptyCompletion.Error() }

func (e *EmptyCompletionError) Unwrap() error { return ErrEmptyCompletion }

// Runner executes fn on behalf of userID, possibly after queueing.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(ctx context.Context) error) error
}

// Result is the outcome of one generation.
type Result struct {
	ProjectID string
	Content   string
	Created   bool
}

// Service orchestrates assembler, streamer and persister.
type Service struct {
	assembler *Assembler
	streamer  *Streamer
	persister *Persister
	runner    Runner
}

// NewService wires the pipeline. runner may be nil, in which case
// generations run on the calling goroutine.
func NewService(a *Assembler, s *Streamer, p *Persister, runner Runner) *Service {
	return &Service{assembler: a, streamer: s, persister: p, runner: runner}
}

// Generate runs one generation for userID. An empty projectID creates a new
// project.
func (s *Service) Generate(ctx context.Context, userID int64, projectID, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}
	projectID = strings.TrimSpace(projectID)
	if s.runner == nil {
		return s.generate(ctx, userID, projectID, prompt)
	}
	var res *Result
	err := s.runner.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		res, err = s.generate(ctx, userID, projectID, prompt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) generate(ctx context.Context, userID int64, projectID, prompt string) (*Result, error) {
	log := logging.FromContext(ctx)
	start := time.Now()

	if projectID != "" {
		// reject foreign projects before calling the model
		if err := s.persister.CheckOwner(ctx, userID, projectID); err != nil {
			if errors.Is(err, ErrProjectNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("check project: %w", err)
		}
	}
	msgs, err := s.assembler.Assemble(ctx, userID, projectID, prompt)
	if err != nil {
		return nil, fmt.Errorf("assemble conversation: %w", err)
	}
	content, err := s.streamer.Complete(ctx, msgs)
	if err != nil {
		if errors.Is(err, ErrEmptyCompletion) {
			log.Warn().Str("project_id", projectID).Int("messages", len(msgs)).Msg("empty completion")
			return nil, &EmptyCompletionError{Prompt: prompt, Messages: msgs}
		}
		return nil, fmt.Errorf("stream completion: %w", err)
	}
	id, created, err := s.persister.Persist(ctx, userID, projectID, prompt, content)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("persist project: %w", err)
	}
	log.Info().
		Str("project_id", id).
		Bool("created", created).
		Int("messages", len(msgs)).
		Int("content_len", len(content)).
		Dur("elapsed", time.Since(start)).
		Msg("project generated")
	return &Result{ProjectID: id, Content: content, Created: created}, nil
}
