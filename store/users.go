package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openalpha/commodex/types"
)

// User is a registered venue participant. Credential handling lives upstream;
// the store only records identity and the messaging-channel address.
type User struct {
	ID          string    `db:"id" json:"id"`
	Handle      string    `db:"handle" json:"handle"`
	MessagingID string    `db:"messaging_id" json:"messaging_id,omitempty"`
	IsAdmin     bool      `db:"is_admin" json:"is_admin"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, handle, messaging_id, is_admin, created_at)
		VALUES (:id, :handle, :messaging_id, :is_admin, :created_at)`, u)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByMessagingID resolves the sender of an inbound messaging-channel
// reply to a venue user.
func (s *Store) GetUserByMessagingID(ctx context.Context, messagingID string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE messaging_id = ?`, messagingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("messaging id %s: %w", messagingID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by messaging id: %w", err)
	}
	return &u, nil
}
