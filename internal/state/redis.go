package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snippet-sync/internal/models"

	"github.com/redis/go-redis/v9"
)

const activeRoomsKey = "active-rooms"

func membersKey(room string) string  { return fmt.Sprintf("room:%s:members", room) }
func documentKey(room string) string { return fmt.Sprintf("room:%s:document", room) }
func instanceKey(id string) string    { return fmt.Sprintf("instance:%s:alive", id) }
func revisionKey(room string) string { return fmt.Sprintf("room:%s:members-rev", room) }

// revisionIdleTTL keeps the revision of an empty room around long enough
// that a room re-created soon after keeps counting upward.
const revisionIdleTTL = time.Hour

// KEYS: members, document, active, revision. ARGV: connID, room, idle ttl seconds.
var removeMemberScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('INCR', KEYS[4])
local remaining = redis.call('HLEN', KEYS[1])
if remaining == 0 then
	redis.call('EXPIRE', KEYS[4], ARGV[3])
	if redis.call('EXISTS', KEYS[2]) == 0 then
		redis.call('SREM', KEYS[3], ARGV[2])
	end
end
return remaining
`)

// KEYS: document, members, active. ARGV: room.
var clearDocumentScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
if redis.call('HLEN', KEYS[2]) == 0 then
	redis.call('SREM', KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: document, members, active. ARGV: revision, room.
var releaseIdleScript = redis.NewScript(`
if redis.call('HLEN', KEYS[2]) > 0 then
	return 0
end
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) AddMember(ctx context.Context, room, connID string, m Member) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, membersKey(room), connID, payload)
	pipe.Incr(ctx, revisionKey(room))
	pipe.Persist(ctx, revisionKey(room))
	pipe.SAdd(ctx, activeRoomsKey, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("add member", err)
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, room, connID string) (int, error) {
	keys := []string{membersKey(room), documentKey(room), activeRoomsKey, revisionKey(room)}
	ttl := int(revisionIdleTTL / time.Second)
	remaining, err := removeMemberScript.Run(ctx, s.rdb, keys, connID, room, ttl).Int()
	if err != nil {
		return 0, unavailable("remove member", err)
	}
	return remaining, nil
}

func (s *RedisStore) Members(ctx context.Context, room string) (map[string]Member, error) {
	raw, err := s.rdb.HGetAll(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, unavailable("list members", err)
	}
	return decodeMembers(raw), nil
}

func (s *RedisStore) Roster(ctx context.Context, room string) (Roster, error) {
	pipe := s.rdb.TxPipeline()
	membersCmd := pipe.HGetAll(ctx, membersKey(room))
	revCmd := pipe.Get(ctx, revisionKey(room))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Roster{}, unavailable("read roster", err)
	}

	rev, err := revCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Roster{}, fmt.Errorf("decode roster revision for room %s: %w", room, err)
	}
	return Roster{Members: decodeMembers(membersCmd.Val()), Revision: rev}, nil
}

func decodeMembers(raw map[string]string) map[string]Member {
	members := make(map[string]Member, len(raw))
	for connID, v := range raw {
		var m Member
		if err := json.Unmarshal([]byte(v), &m); err != nil || m.DisplayName == "" {
			// Entries written by older clients hold the bare name.
			m = Member{DisplayName: v}
		}
		members[connID] = m
	}
	return members
}

func (s *RedisStore) GetDocument(ctx context.Context, room string) (*Document, error) {
	raw, err := s.rdb.Get(ctx, documentKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get document", err)
	}

	cs, err := models.ParseCodeState([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode document for room %s: %w", room, err)
	}
	return &Document{State: cs, Revision: raw}, nil
}

func (s *RedisStore) SetDocument(ctx context.Context, room string, cs models.CodeState) error {
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, documentKey(room), payload, 0)
	pipe.SAdd(ctx, activeRoomsKey, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("set document", err)
	}
	return nil
}

func (s *RedisStore) ClearDocument(ctx context.Context, room string) error {
	keys := []string{documentKey(room), membersKey(room), activeRoomsKey}
	if err := clearDocumentScript.Run(ctx, s.rdb, keys, room).Err(); err != nil {
		return unavailable("clear document", err)
	}
	return nil
}

func (s *RedisStore) DropRoom(ctx context.Context, room string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, activeRoomsKey, room)
	pipe.Del(ctx, documentKey(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("drop room", err)
	}
	return nil
}

func (s *RedisStore) ReleaseIdle(ctx context.Context, room, revision string) (bool, error) {
	keys := []string{documentKey(room), membersKey(room), activeRoomsKey}
	released, err := releaseIdleScript.Run(ctx, s.rdb, keys, revision, room).Int()
	if err != nil {
		return false, unavailable("release idle room", err)
	}
	return released == 1, nil
}

func (s *RedisStore) ActiveRooms(ctx context.Context) ([]string, error) {
	rooms, err := s.rdb.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, unavailable("list active rooms", err)
	}
	return rooms, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, instance string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, instanceKey(instance), NowMillis(), ttl).Err(); err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

func (s *RedisStore) InstanceAlive(ctx context.Context, instance string) (bool, error) {
	n, err := s.rdb.Exists(ctx, instanceKey(instance)).Result()
	if err != nil {
		return false, unavailable("instance alive", err)
	}
	return n == 1, nil
}

// NowMillis is the JoinedAt clock.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
