package models

import "time"

// User is a registered account. Users created through the external identity
// provider carry the provider uid in ExternalID.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio"`
	ExternalID   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the public view of a user shown on community pages.
type Profile struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio"`
	ProjectCount int       `json:"project_count"`
	CreatedAt    time.Time `json:"created_at"`
}
