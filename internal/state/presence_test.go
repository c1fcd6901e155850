package state

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"snippet-sync/internal/models"
)

func errorsIsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// brokenStore fails every call.
type brokenStore struct{ Store }

var errBroken = unavailable("test", errors.New("connection refused"))

func (brokenStore) AddMember(context.Context, string, string, Member) error { return errBroken }
func (brokenStore) RemoveMember(context.Context, string, string) (int, error) {
	return 0, errBroken
}
func (brokenStore) Members(context.Context, string) (map[string]Member, error) {
	return nil, errBroken
}
func (brokenStore) Roster(context.Context, string) (Roster, error) { return Roster{}, errBroken }
func (brokenStore) GetDocument(context.Context, string) (*Document, error) { return nil, errBroken }
func (brokenStore) SetDocument(context.Context, string, models.CodeState) error {
	return errBroken
}
func (brokenStore) ClearDocument(context.Context, string) error { return errBroken }
func (brokenStore) Heartbeat(context.Context, string, time.Duration) error {
	return errBroken
}

func TestListMembersDeduplicatesByName(t *testing.T) {
	ctx := context.Background()
	p := NewPresence(NewMemoryStore(), "proc-test")

	p.Join(ctx, "r1", "c1", "alice")
	p.Join(ctx, "r1", "c2", "bob")
	p.Join(ctx, "r1", "c3", "alice")

	names, ok := p.ListMembers(ctx, "r1")
	if !ok {
		t.Fatal("ListMembers failed")
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}

	p.Leave(ctx, "r1", "c1")
	names, _ = p.ListMembers(ctx, "r1")
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("after one alice left: names = %v, want %v", names, want)
	}

	p.Leave(ctx, "r1", "c3")
	names, _ = p.ListMembers(ctx, "r1")
	if want := []string{"bob"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
}

func TestJoinLeaveSequencesSettle(t *testing.T) {
	ctx := context.Background()
	p := NewPresence(NewMemoryStore(), "proc-test")

	type op struct {
		join bool
		conn string
		name string
	}
	ops := []op{
		{true, "c1", "alice"}, {true, "c2", "bob"}, {true, "c3", "carol"},
		{false, "c2", ""}, {true, "c4", "alice"}, {false, "c1", ""},
		{true, "c2", "bob"}, {false, "c3", ""}, {false, "c9", ""},
	}

	joined := map[string]string{}
	for _, o := range ops {
		if o.join {
			p.Join(ctx, "r1", o.conn, o.name)
			joined[o.conn] = o.name
		} else {
			p.Leave(ctx, "r1", o.conn)
			delete(joined, o.conn)
		}
	}

	want := map[string]bool{}
	for _, n := range joined {
		want[n] = true
	}
	names, _ := p.ListMembers(ctx, "r1")
	if len(names) != len(want) {
		t.Fatalf("names = %v, want set %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected member %q in %v", n, names)
		}
	}
}

func TestAccessLayersAbsorbFailures(t *testing.T) {
	ctx := context.Background()
	store := brokenStore{}
	p := NewPresence(store, "proc-test")
	c := NewCache(store)

	// none of these may panic or propagate
	p.Join(ctx, "r1", "c1", "alice")
	p.Leave(ctx, "r1", "c1")
	if _, ok := p.ListMembers(ctx, "r1"); ok {
		t.Fatal("ListMembers should report failure")
	}
	if c.Get(ctx, "r1") != nil {
		t.Fatal("Get should return nil on failure")
	}
	if c.Set(ctx, "r1", models.CodeState{}) {
		t.Fatal("Set should report failure")
	}
	c.Clear(ctx, "r1")
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCache(NewMemoryStore())

	if c.Get(ctx, "r1") != nil {
		t.Fatal("empty cache should return nil")
	}
	c.Set(ctx, "r1", models.CodeState{HTML: strp("X")})
	got := c.Get(ctx, "r1")
	if got == nil || got.HTML == nil || *got.HTML != "X" {
		t.Fatalf("Get = %+v", got)
	}
	c.Clear(ctx, "r1")
	if c.Get(ctx, "r1") != nil {
		t.Fatal("cleared cache should return nil")
	}
}

func TestJoinTagsInstance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPresence(store, "proc-a")

	p.Join(ctx, "r1", "c1", "alice")

	members, _ := store.Members(ctx, "r1")
	if members["c1"].Instance != "proc-a" {
		t.Fatalf("instance = %q", members["c1"].Instance)
	}
}

func TestKeepAliveBeatsUntilCancelled(t *testing.T) {
	store := NewMemoryStore()
	p := NewPresence(store, "proc-a")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.KeepAlive(ctx, 30*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if alive, _ := store.InstanceAlive(context.Background(), "proc-a"); !alive {
		t.Fatal("instance should be alive while KeepAlive runs")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not stop")
	}

	time.Sleep(40 * time.Millisecond)
	if alive, _ := store.InstanceAlive(context.Background(), "proc-a"); alive {
		t.Fatal("heartbeat should expire after KeepAlive stops")
	}
}
