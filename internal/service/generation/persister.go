package generation

import (
	"context"

	"devsuite/internal/models"
	"devsuite/internal/service/project"
)

// ErrProjectNotFound is returned when the target project is missing or owned
// by someone else.
var ErrProjectNotFound = project.ErrNotFound

// ProjectWriter stores generated content and its turn pair atomically.
type ProjectWriter interface {
	Owns(ctx context.Context, userID int64, projectID string) (bool, error)
	CreateWithTurns(ctx context.Context, userID int64, title, description, prompt, content string) (*models.Project, error)
	UpdateContentWithTurns(ctx context.Context, userID int64, projectID, prompt, content string) error
}

// Persister writes a completed generation.
type Persister struct {
	projects    ProjectWriter
	title       string
	description string
}

func NewPersister(projects ProjectWriter, title, description string) *Persister {
	return &Persister{projects: projects, title: title, description: description}
}

// CheckOwner returns ErrProjectNotFound unless userID owns projectID.
func (p *Persister) CheckOwner(ctx context.Context, userID int64, projectID string) error {
	owned, err := p.projects.Owns(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if !owned {
		return ErrProjectNotFound
	}
	return nil
}

// Persist creates a project when projectID is empty, otherwise overwrites
// the caller's project. It reports the project id used and whether it was
// created.
func (p *Persister) Persist(ctx context.Context, userID int64, projectID, prompt, content string) (string, bool, error) {
	if projectID == "" {
		proj, err := p.projects.CreateWithTurns(ctx, userID, p.title, p.description, prompt, content)
		if err != nil {
			return "", false, err
		}
		return proj.ID, true, nil
	}
	if err := p.projects.UpdateContentWithTurns(ctx, userID, projectID, prompt, content); err != nil {
		return "", false, err
	}
	return projectID, false, nil
}
