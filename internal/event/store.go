package event

import "context"

// Store persists and retrieves notifications.
type Store interface {
	// Append persists one or more events atomically, assigning IDs to those
	// without one.
	Append(ctx context.Context, events ...Event) error
	// ListForTeam returns the broadcasts and the private events of teamID,
	// newest first, at most limit entries.
	ListForTeam(ctx context.Context, teamID string, limit int) ([]Event, error)
	// LoadByType returns events of one type, oldest first.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
}
