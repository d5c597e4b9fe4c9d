package generation

import (
	"context"
	"strings"

	"devsuite/internal/models"
	"devsuite/internal/service/ai"
)

// TurnReader loads the stored turns of a project owned by a user.
type TurnReader interface {
	ListTurns(ctx context.Context, userID int64, projectID string) ([]models.Prompt, error)
}

// Assembler rebuilds the message list from stored turns.
type Assembler struct {
	turns TurnReader
}

func NewAssembler(turns TurnReader) *Assembler {
	return &Assembler{turns: turns}
}

// Assemble returns the prior turns of projectID oldest first, minus blank
// ones, followed by the new prompt. An unknown project has no history.
func (a *Assembler) Assemble(ctx context.Context, userID int64, projectID, prompt string) ([]ai.Message, error) {
	var history []models.Prompt
	if projectID != "" {
		var err error
		history, err = a.turns.ListTurns(ctx, userID, projectID)
		if err != nil {
			return nil, err
		}
	}
	msgs := make([]ai.Message, 0, len(history)+1)
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		msgs = append(msgs, ai.Message{Role: normalizeRole(turn.Role), Content: turn.Content})
	}
	return append(msgs, ai.Message{Role: models.RoleUser, Content: prompt}), nil
}

func normalizeRole(r models.Role) models.Role {
	if models.Role(strings.ToLower(strings.TrimSpace(string(r)))) == models.RoleAssistant {
		return models.RoleAssistant
	}
	return models.RoleUser
}
