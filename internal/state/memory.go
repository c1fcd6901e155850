package state

import (
	"context"
	"strconv"
	"sync"
	"time"

	"snippet-sync/internal/models"
)

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	members   map[string]map[string]Member
	documents map[string]Document
	active    map[string]struct{}
	instances map[string]time.Time // instance -> expiry
	revision  uint64
	rosterRev map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:   make(map[string]map[string]Member),
		documents: make(map[string]Document),
		active:    make(map[string]struct{}),
		instances: make(map[string]time.Time),
		rosterRev: make(map[string]int64),
	}
}

func (s *MemoryStore) AddMember(_ context.Context, room, connID string, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members[room] == nil {
		s.members[room] = make(map[string]Member)
	}
	s.members[room][connID] = m
	s.rosterRev[room]++
	s.active[room] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, room, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members[room], connID)
	s.rosterRev[room]++
	remaining := len(s.members[room])
	if remaining == 0 {
		delete(s.members, room)
		s.shrinkLocked(room)
	}
	return remaining, nil
}

func (s *MemoryStore) Members(_ context.Context, room string) (map[string]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Member, len(s.members[room]))
	for id, m := range s.members[room] {
		out[id] = m
	}
	return out, nil
}

func (s *MemoryStore) Roster(_ context.Context, room string) (Roster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[string]Member, len(s.members[room]))
	for id, m := range s.members[room] {
		members[id] = m
	}
	return Roster{Members: members, Revision: s.rosterRev[room]}, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, room string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[room]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *MemoryStore) SetDocument(_ context.Context, room string, cs models.CodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.documents[room] = Document{State: cs, Revision: strconv.FormatUint(s.revision, 10)}
	s.active[room] = struct{}{}
	return nil
}

func (s *MemoryStore) ClearDocument(_ context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.documents, room)
	s.shrinkLocked(room)
	return nil
}

func (s *MemoryStore) DropRoom(_ context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.documents, room)
	delete(s.active, room)
	return nil
}

func (s *MemoryStore) ReleaseIdle(_ context.Context, room, revision string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.members[room]) > 0 {
		return false, nil
	}
	if doc, ok := s.documents[room]; ok && doc.Revision != revision {
		return false, nil
	}
	delete(s.documents, room)
	delete(s.active, room)
	return true, nil
}

func (s *MemoryStore) ActiveRooms(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.active))
	for room := range s.active {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, instance string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[instance] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) InstanceAlive(_ context.Context, instance string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.instances[instance]
	return ok && time.Now().Before(expiry), nil
}

// shrinkLocked drops room from the active set once it has neither members
// nor a cached document.
func (s *MemoryStore) shrinkLocked(room string) {
	if len(s.members[room]) > 0 {
		return
	}
	if _, ok := s.documents[room]; ok {
		return
	}
	delete(s.active, room)
}
