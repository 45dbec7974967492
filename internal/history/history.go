// Package history stores per-session conversation turns for prompt assembly.
//
// Each session accumulates alternating user and assistant turns. Stores keep
// only the most recent turns up to a fixed limit so long-lived calls do not
// grow prompts without bound.
package history

import (
	"context"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

// DefaultLimit is how many turns a store retains per session.
const DefaultLimit = 10

// Store persists conversation turns keyed by session ID.
//
// Implementations must be safe for concurrent use; multiple sessions append
// in parallel and a session's pipeline reads while the relay appends.
type Store interface {
	// Append adds one turn to the session's history, evicting the oldest
	// turn if the store is at its limit.
	Append(ctx context.Context, sessionID string, msg llm.Message) error

	// Recent returns the retained turns in chronological order. A session
	// with no history returns an empty slice, not an error.
	Recent(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Clear removes all turns for the session. Called on session teardown.
	Clear(ctx context.Context, sessionID string) error
}
