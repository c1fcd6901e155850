package state

import (
	"context"
	"sort"
	"time"

	"snippet-sync/pkg/logger"
)

// Presence tracks which connections are attached to which room. Store
// failures are logged and absorbed; callers always proceed.
type Presence struct {
	store    Store
	instance string
}

// NewPresence tags every entry it writes with instance, the id of this process.
func NewPresence(store Store, instance string) *Presence {
	return &Presence{store: store, instance: instance}
}

// Join records or refreshes the entry for connID and marks the room active.
func (p *Presence) Join(ctx context.Context, room, connID, displayName string) {
	m := Member{DisplayName: displayName, JoinedAt: NowMillis(), Instance: p.instance}
	if err := p.store.AddMember(ctx, room, connID, m); err != nil {
		logger.Error("[State] join room=%s conn=%s: %v", room, connID, err)
	}
}

// Leave removes connID from room. The store drops the room from the active
// set once it has no members and no cached document.
func (p *Presence) Leave(ctx context.Context, room, connID string) {
	remaining, err := p.store.RemoveMember(ctx, room, connID)
	if err != nil {
		logger.Error("[State] leave room=%s conn=%s: %v", room, connID, err)
		return
	}
	if remaining == 0 {
		logger.Debug("[State] room %s has no members left", room)
	}
}

// ListMembers returns the distinct display names in room, sorted. Two
// connections sharing a name are reported once. ok is false if the store
// could not be read.
func (p *Presence) ListMembers(ctx context.Context, room string) (names []string, ok bool) {
	names, _, ok = p.Snapshot(ctx, room)
	return names, ok
}

// Snapshot is ListMembers plus the membership revision the names were read at.
func (p *Presence) Snapshot(ctx context.Context, room string) (names []string, revision int64, ok bool) {
	roster, err := p.store.Roster(ctx, room)
	if err != nil {
		logger.Error("[State] list members room=%s: %v", room, err)
		return nil, 0, false
	}

	seen := make(map[string]struct{}, len(roster.Members))
	names = make([]string, 0, len(roster.Members))
	for _, m := range roster.Members {
		if _, dup := seen[m.DisplayName]; dup {
			continue
		}
		seen[m.DisplayName] = struct{}{}
		names = append(names, m.DisplayName)
	}
	sort.Strings(names)
	return names, roster.Revision, true
}

// KeepAlive refreshes this process's heartbeat every ttl/3 until ctx ends,
// so other processes do not prune its members.
func (p *Presence) KeepAlive(ctx context.Context, ttl time.Duration) {
	beat := func() {
		if err := p.store.Heartbeat(ctx, p.instance, ttl); err != nil {
			logger.Error("[State] heartbeat for %s: %v", p.instance, err)
		}
	}

	beat()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
