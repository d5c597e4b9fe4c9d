// Package project stores generated projects and their append-only turn log.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"devsuite/internal/models"
)

// ErrNotFound is returned when a project does not exist or belongs to
// another user; callers cannot tell the two apart.
var ErrNotFound = errors.New("project not found")

// ErrTitleRequired is returned when a rename would blank the title.
var ErrTitleRequired = errors.New("title cannot be empty")

// Store reads and writes projects and turns.
type Store struct {
	db *sql.DB
}

// NewStore builds a project store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListTurns returns the turns of a project owned by userID ordered oldest
// first. An unknown or foreign project yields an empty slice.
func (s *Store) ListTurns(ctx context.Context, userID int64, projectID string) ([]models.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.project_id, t.user_id, t.role, t.content, t.created_at
		 FROM prompts t JOIN projects p ON p.id = t.project_id
		 WHERE t.project_id = ? AND p.user_id = ?
		 ORDER BY t.created_at ASC, t.id ASC`,
		projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Prompt
	for rows.Next() {
		var t models.Prompt
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CreateWithTurns inserts a project seeded with content together with the
// user and assistant turns that produced it.
func (s *Store) CreateWithTurns(ctx context.Context, userID int64, title, description, prompt, content string) (*models.Project, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	p := &models.Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, user_id, title, description, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.UserID, p.Title, p.Description, p.Content, now, now,
		); err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		return appendTurnPair(ctx, tx, p.ID, userID, prompt, content, now)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateContentWithTurns overwrites the content of a project owned by userID
// and appends the turn pair. No turn is written when the project is not
// found.
func (s *Store) UpdateContentWithTurns(ctx context.Context, userID int64, projectID, prompt, content string) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET content = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			content, now, projectID, userID,
		)
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("project rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return appendTurnPair(ctx, tx, projectID, userID, prompt, content, now)
	})
}

func appendTurnPair(ctx context.Context, tx *sql.Tx, projectID string, userID int64, prompt, content string, at time.Time) error {
	for _, turn := range []struct {
		role    models.Role
		content string
	}{
		{models.RoleUser, prompt},
		{models.RoleAssistant, content},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (project_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			projectID, userID, turn.role, turn.content, at,
		); err != nil {
			return fmt.Errorf("insert %s turn: %w", turn.role, err)
		}
	}
	return nil
}

// List returns the user's projects, most recently updated first, without content.
func (s *Store) List(ctx context.Context, userID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, created_at, updated_at
		 FROM projects WHERE user_id = ? ORDER BY updated_at DESC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Get returns one project with its content.
func (s *Store) Get(ctx context.Context, userID int64, projectID string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, content, created_at, updated_at
		 FROM projects WHERE id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// Owns reports whether projectID exists and belongs to userID.
func (s *Store) Owns(ctx context.Context, userID int64, projectID string) (bool, error) {
	var owned bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM projects WHERE id = ? AND user_id = ?)`,
		projectID, userID,
	).Scan(&owned); err != nil {
		return false, fmt.Errorf("check project owner: %w", err)
	}
	return owned, nil
}

// Turns returns the turn log of a project owned by userID, or ErrNotFound.
func (s *Store) Turns(ctx context.Context, userID int64, projectID string) ([]models.Prompt, error) {
	if _, err := s.Get(ctx, userID, projectID); err != nil {
		return nil, err
	}
	turns, err := s.ListTurns(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []models.Prompt{}
	}
	return turns, nil
}

// Rename changes title and description. Nil fields are left alone.
func (s *Store) Rename(ctx context.Context, userID int64, projectID string, title, description *string) (*models.Project, error) {
	p, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			return nil, ErrTitleRequired
		}
		p.Title = t
	}
	if description != nil {
		p.Description = strings.TrimSpace(*description)
	}
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET title = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		p.Title, p.Description, p.UpdatedAt, projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("rename project: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return p, nil
}

// Delete removes a project and its turns.
func (s *Store) Delete(ctx context.Context, userID int64, projectID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ? AND user_id = ?`, projectID, userID)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("project rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
