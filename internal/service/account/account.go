package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"devsuite/internal/models"
)

var (
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

const (
	maxUsernameLen = 64
	minPasswordLen = 8
	externalPrefix = "fb_"
)

// Service handles the user lifecycle.
type Service struct {
	db     *sql.DB
	params argon2Params
}

// NewService builds a new account service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, params: defaultArgon2Params}
}

// Register creates a user with the supplied credentials.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("username and password are required")
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("username longer than %d characters", maxUsernameLen)
	}
	if strings.HasPrefix(username, externalPrefix) {
		return nil, fmt.Errorf("username may not start with %q", externalPrefix)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := hashPassword(s.params, password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, display_name, bio, created_at) VALUES (?, ?, ?, '', ?)`,
		username, hash, username, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: hash, DisplayName: username, CreatedAt: now}, nil
}

// Login validates credentials and returns the user.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	user, err := s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE username = ?`, username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.PasswordHash == "" || !verifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if id <= 0 {
		return nil, errors.New("invalid user id")
	}
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, id))
}

// UpdateProfile changes the display name and bio. Nil fields are left alone.
func (s *Service) UpdateProfile(ctx context.Context, id int64, displayName, bio *string) (*models.User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if displayName != nil {
		name := strings.TrimSpace(*displayName)
		if name == "" {
			return nil, errors.New("display name cannot be empty")
		}
		user.DisplayName = name
	}
	if bio != nil {
		user.Bio = strings.TrimSpace(*bio)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ?, bio = ? WHERE id = ?`,
		user.DisplayName, user.Bio, id,
	); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

// PublicProfile returns the community view of a user.
func (s *Service) PublicProfile(ctx context.Context, username string) (*models.Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUserNotFound
	}
	var p models.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.display_name, u.bio, u.created_at,
		        (SELECT COUNT(*) FROM projects p WHERE p.user_id = u.id)
		 FROM users u WHERE u.username = ?`, username,
	).Scan(&p.ID, &p.Username, &p.DisplayName, &p.Bio, &p.CreatedAt, &p.ProjectCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EnsureExternalUser returns the local user linked to an external identity,
// creating it on first sight. It satisfies auth.UserResolver.
func (s *Service) EnsureExternalUser(ctx context.Context, uid, email string) (int64, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return 0, errors.New("external uid required")
	}
	if id, err := s.externalUserID(ctx, uid); err == nil {
		return id, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	display := uid
	if at := strings.IndexByte(email, '@'); at > 0 {
		display = email[:at]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, display_name, bio, external_id, created_at) VALUES (?, '', ?, '', ?, ?)`,
		externalPrefix+uid, display, uid, time.Now().UTC(),
	)
	if err != nil {
		// a concurrent first login may have inserted the row already
		if id, lookupErr := s.externalUserID(ctx, uid); lookupErr == nil {
			return id, nil
		}
		return 0, fmt.Errorf("create external user: %w", err)
	}
	return s.externalUserID(ctx, uid)
}

func (s *Service) externalUserID(ctx context.Context, uid string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE external_id = ?`, uid).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup external user: %w", err)
	}
	return id, err
}

const userSelect = `SELECT id, username, password_hash, display_name, bio, external_id, created_at FROM users`

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user     models.User
		external sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &user.Bio, &external, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.ExternalID = external.String
	return &user, nil
}
