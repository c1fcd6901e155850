package services

import (
	"context"
	"sync"

	"snippet-sync/internal/models"
	"snippet-sync/internal/state"
	"snippet-sync/pkg/logger"
)

// Broadcaster fans a server event out to a room, skipping the connection
// named by exclude (empty means everyone).
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, msg *models.WebSocketMessage, exclude string)
}

// RoomService applies room-level effects of session events: presence,
// member-list fan-out, cached document writes and cursor relay.
type RoomService struct {
	presence    *state.Presence
	cache       *state.Cache
	broadcaster Broadcaster
	locks       roomLocks
}

func NewRoomService(presence *state.Presence, cache *state.Cache, broadcaster Broadcaster) *RoomService {
	return &RoomService{
		presence:    presence,
		cache:       cache,
		broadcaster: broadcaster,
	}
}

// Join registers presence (which also marks the room active), broadcasts the
// member list and returns the cached document for the joiner, or nil when the
// durable copy is current.
func (s *RoomService) Join(ctx context.Context, room, connID, displayName string) *models.CodeState {
	unlock := s.locks.lock(room)
	defer unlock()

	s.presence.Join(ctx, room, connID, displayName)
	s.broadcastMembersLocked(ctx, room)
	return s.cache.Get(ctx, room)
}

// Leave removes presence and broadcasts the remaining member list.
func (s *RoomService) Leave(ctx context.Context, room, connID string) {
	unlock := s.locks.lock(room)
	defer unlock()

	s.presence.Leave(ctx, room, connID)
	s.broadcastMembersLocked(ctx, room)
}

// BroadcastMembers sends the current member list to the whole room.
func (s *RoomService) BroadcastMembers(ctx context.Context, room string) {
	unlock := s.locks.lock(room)
	defer unlock()

	s.broadcastMembersLocked(ctx, room)
}

// broadcastMembersLocked must run under the room lock, so that within this
// process lists reach the hub in the order their membership changes happened.
func (s *RoomService) broadcastMembersLocked(ctx context.Context, room string) {
	names, revision, ok := s.presence.Snapshot(ctx, room)
	if !ok {
		return
	}

	msg, err := models.NewMessage(models.EventMembersChanged, models.MembersChanged{
		Room:     room,
		Members:  names,
		Revision: revision,
	})
	if err != nil {
		logger.Error("[Rooms] encode members-changed: %v", err)
		return
	}
	s.broadcaster.Broadcast(ctx, room, msg, "")
}

// PublishEdit overwrites the cached document and sends it to every other
// member of the room. Peers still get the update if the cache write fails;
// the next edit retries the write.
func (s *RoomService) PublishEdit(ctx context.Context, room, originID string, cs models.CodeState) {
	s.cache.Set(ctx, room, cs)

	msg, err := models.NewMessage(models.EventDocumentUpdated, models.DocumentUpdated{
		Room:      room,
		CodeState: cs,
	})
	if err != nil {
		logger.Error("[Rooms] encode document-updated: %v", err)
		return
	}
	s.broadcaster.Broadcast(ctx, room, msg, originID)
}

// RelayCursor forwards a cursor move to every other member. Nothing is stored.
func (s *RoomService) RelayCursor(ctx context.Context, cursor models.CursorUpdated) {
	msg, err := models.NewMessage(models.EventCursorUpdated, cursor)
	if err != nil {
		logger.Error("[Rooms] encode cursor-updated: %v", err)
		return
	}
	s.broadcaster.Broadcast(ctx, cursor.Room, msg, cursor.OriginID)
}

// roomLocks hands out one mutex per room, dropped again once nobody holds it.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func (l *roomLocks) lock(room string) (unlock func()) {
	l.mu.Lock()
	if l.rooms == nil {
		l.rooms = make(map[string]*roomLock)
	}
	rl := l.rooms[room]
	if rl == nil {
		rl = &roomLock{}
		l.rooms[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.rooms, room)
		}
		l.mu.Unlock()
	}
}
