// Package broadcast fans room events out to every server process that has
// members of the room attached.
package broadcast

import (
	"context"
	"fmt"

	"snippet-sync/internal/models"
)

// Envelope is what travels on the bus. Origin is the publishing process;
// Exclude is a connection id that must not receive the event.
type Envelope struct {
	Origin  string                   `json:"origin"`
	Room    string                   `json:"room"`
	Exclude string                   `json:"exclude,omitempty"`
	Event   *models.WebSocketMessage `json:"event"`
}

// Handler receives envelopes published by other processes, in the order
// each origin published them.
type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	Close() error
}

func channelFor(room string) string {
	return fmt.Sprintf("room:%s:events", room)
}
