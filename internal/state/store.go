// Package state holds the shared, cross-process realtime state: room
// presence, the ephemeral document cache and the active-room set.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snippet-sync/internal/models"
)

// ErrUnavailable marks a failure of the backing store (network, timeout).
var ErrUnavailable = errors.New("state store unavailable")

// Member is one connection's presence entry in a room.
type Member struct {
	DisplayName string `json:"displayName"`
	JoinedAt    int64  `json:"joinedAt"` // unix millis
	// Instance is the process holding the connection. Empty for entries
	// that predate instance tracking; those are never pruned.
	Instance string `json:"instance,omitempty"`
}

// Roster is a consistent read of a room's members. Revision grows with every
// membership change in the room and orders rosters read by different
// processes; zero means the room has no recorded revision.
type Roster struct {
	Members  map[string]Member
	Revision int64
}

// Document is a cached room document. Revision changes on every write and
// is opaque to callers.
type Document struct {
	State    models.CodeState
	Revision string
}

// Store is implemented by RedisStore and MemoryStore. Every mutation keeps
// the active-room set consistent: a room is in the set while it has at least
// one member or a cached document.
type Store interface {
	// AddMember records or refreshes connID in room and marks the room active.
	// AddMember and RemoveMember both bump the room's membership revision.
	AddMember(ctx context.Context, room, connID string, m Member) error
	// RemoveMember deletes connID from room and returns how many members
	// remain. The room is dropped from the active set when nothing is left.
	RemoveMember(ctx context.Context, room, connID string) (int, error)
	Members(ctx context.Context, room string) (map[string]Member, error)
	// Roster reads the members and the membership revision atomically.
	Roster(ctx context.Context, room string) (Roster, error)

	// GetDocument returns nil, nil when the room has no cached document.
	GetDocument(ctx context.Context, room string) (*Document, error)
	// SetDocument overwrites the cached document and marks the room active.
	SetDocument(ctx context.Context, room string, s models.CodeState) error
	ClearDocument(ctx context.Context, room string) error

	// DropRoom removes the cached document and the active marker regardless
	// of presence. Used when the durable record is gone.
	DropRoom(ctx context.Context, room string) error
	// ReleaseIdle clears the document and the active marker only if the room
	// has no members and the document is still at revision.
	ReleaseIdle(ctx context.Context, room, revision string) (bool, error)

	ActiveRooms(ctx context.Context) ([]string, error)

	// Heartbeat marks instance alive for ttl.
	Heartbeat(ctx context.Context, instance string, ttl time.Duration) error
	InstanceAlive(ctx context.Context, instance string) (bool, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
