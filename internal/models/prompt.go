package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Prompt is one turn of a project's conversation. Turns are append-only and
// ordered by (created_at, id).
type Prompt struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
