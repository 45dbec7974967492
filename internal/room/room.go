// Package room provides persistence for relay rooms. A room groups sessions
// under a shared system prompt; the REST surface in internal/server exposes
// room CRUD, and sessions pick up the room prompt through the configure
// command.
package room

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExists is returned by Create when a room with the same ID is
	// already stored. Match with errors.Is.
	ErrExists = errors.New("room already exists")

	// ErrNotFound is returned by SetPrompt when no room has the given ID.
	// Match with errors.Is.
	ErrNotFound = errors.New("room not found")
)

// Room is one named conversation space.
type Room struct {
	// ID uniquely identifies the room.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// SystemPrompt is applied to sessions that configure into this room.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxSessions caps concurrent sessions in the room. Zero means no cap.
	MaxSessions int `json:"max_sessions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a store requires before persisting.
func (r *Room) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("room: id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("room: name is required")
	}
	if r.MaxSessions < 0 {
		return fmt.Errorf("room: max_sessions must not be negative")
	}
	return nil
}

// Store provides CRUD operations for rooms.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new room. The room is validated before insertion.
	// Returns an error wrapping ErrExists if a room with the same ID
	// already exists.
	Create(ctx context.Context, r *Room) error

	// Get retrieves a room by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Room, error)

	// List returns all rooms ordered by creation time.
	List(ctx context.Context) ([]Room, error)

	// SetPrompt updates the system prompt of an existing room. Returns an
	// error wrapping ErrNotFound if the room does not exist.
	SetPrompt(ctx context.Context, id, prompt string) error

	// Delete removes a room by ID. Deleting a non-existent room is not an
	// error.
	Delete(ctx context.Context, id string) error
}
