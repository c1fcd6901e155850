package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"snippet-sync/internal/database"
	"snippet-sync/internal/models"
	"snippet-sync/internal/state"
)

func strp(s string) *string { return &s }

type fakeRepo struct {
	mu       sync.Mutex
	snippets map[string]*models.Snippet
	failFor  map[string]error
	finds    int
	updates  int

	// when set, FindSnippetByID signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeRepo(snippets ...*models.Snippet) *fakeRepo {
	r := &fakeRepo{snippets: map[string]*models.Snippet{}, failFor: map[string]error{}}
	for _, s := range snippets {
		r.snippets[s.ID] = s
	}
	return r
}

func (r *fakeRepo) FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++

	if err := r.failFor[id]; err != nil {
		return nil, err
	}
	s, ok := r.snippets[id]
	if !ok {
		return nil, database.ErrSnippetNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) PartialUpdateSnippet(ctx context.Context, id string, cs models.CodeState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snippets[id]
	if !ok {
		return database.ErrSnippetNotFound
	}
	if cs.HTML != nil {
		s.HTML = *cs.HTML
	}
	if cs.CSS != nil {
		s.CSS = *cs.CSS
	}
	if cs.JS != nil {
		s.JS = *cs.JS
	}
	s.UpdatedAt = at
	r.updates++
	return nil
}

func (r *fakeRepo) get(id string) models.Snippet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.snippets[id]
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newReconciler(store state.Store, repo database.SnippetRepository, opts Options) *Reconciler {
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	r := NewReconciler(store, repo, opts)
	r.now = func() time.Time { return fixedNow }
	return r
}

func activeRooms(t *testing.T, s state.Store) []string {
	t.Helper()
	rooms, err := s.ActiveRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(rooms)
	return rooms
}

func TestOrphanedRoomIsCleared(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	store.SetDocument(ctx, "gone", models.CodeState{HTML: strp("X")})

	res, ran := newReconciler(store, newFakeRepo(), Options{}).RunOnce(ctx)
	if !ran {
		t.Fatal("pass did not run")
	}
	if res.Orphaned != 1 {
		t.Fatalf("result = %+v", res)
	}
	if rooms := activeRooms(t, store); len(rooms) != 0 {
		t.Fatalf("orphaned room still active: %v", rooms)
	}
	if doc, _ := store.GetDocument(ctx, "gone"); doc != nil {
		t.Fatal("orphaned cache entry not cleared")
	}
}

func TestPartialUpdateKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	repo := newFakeRepo(&models.Snippet{ID: "r1", HTML: "old", CSS: "body{}", JS: "run()"})
	store.SetDocument(ctx, "r1", models.CodeState{HTML: strp("X")})

	res, _ := newReconciler(store, repo, Options{}).RunOnce(ctx)
	if res.Flushed != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := repo.get("r1")
	if got.HTML != "X" || got.CSS != "body{}" || got.JS != "run()" {
		t.Fatalf("snippet = %+v", got)
	}
	if !got.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, fixedNow)
	}
}

func TestEmptyActiveSetDoesNothing(t *testing.T) {
	repo := newFakeRepo()
	res, ran := newReconciler(state.NewMemoryStore(), repo, Options{}).RunOnce(context.Background())
	if !ran || res != (Result{}) {
		t.Fatalf("RunOnce = %+v, %v", res, ran)
	}
	if repo.finds != 0 {
		t.Fatal("repository touched for empty active set")
	}
}

func TestRoomWithoutCacheIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	store.AddMember(ctx, "r1", "c1", state.Member{DisplayName: "alice"})
	repo := newFakeRepo(&models.Snippet{ID: "r1"})

	res, _ := newReconciler(store, repo, Options{}).RunOnce(ctx)
	if res.Flushed != 0 || repo.finds != 0 {
		t.Fatalf("result = %+v finds = %d", res, repo.finds)
	}
	if rooms := activeRooms(t, store); len(rooms) != 1 {
		t.Fatal("room with members must stay active")
	}
}

func TestFailureInOneRoomDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	repo := newFakeRepo(&models.Snippet{ID: "good"}, &models.Snippet{ID: "bad"})
	repo.failFor["bad"] = errors.New("connection reset")

	store.AddMember(ctx, "good", "c1", state.Member{DisplayName: "a"})
	store.AddMember(ctx, "bad", "c2", state.Member{DisplayName: "b"})
	store.SetDocument(ctx, "good", models.CodeState{JS: strp("ok()")})
	store.SetDocument(ctx, "bad", models.CodeState{JS: strp("nope()")})

	res, _ := newReconciler(store, repo, Options{Concurrency: 1}).RunOnce(ctx)
	if res.Flushed != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := repo.get("good"); got.JS != "ok()" {
		t.Fatalf("good room not flushed: %+v", got)
	}
	if doc, _ := store.GetDocument(ctx, "bad"); doc == nil {
		t.Fatal("failed room must keep its cached document for the next pass")
	}
}

func TestIdleRoomReleasedAfterFlush(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	repo := newFakeRepo(&models.Snippet{ID: "idle"}, &models.Snippet{ID: "busy"})

	store.SetDocument(ctx, "idle", models.CodeState{HTML: strp("a")})
	store.SetDocument(ctx, "busy", models.CodeState{HTML: strp("b")})
	store.AddMember(ctx, "busy", "c1", state.Member{DisplayName: "alice"})

	res, _ := newReconciler(store, repo, Options{}).RunOnce(ctx)
	if res.Flushed != 2 || res.Released != 1 {
		t.Fatalf("result = %+v", res)
	}
	if rooms := activeRooms(t, store); len(rooms) != 1 || rooms[0] != "busy" {
		t.Fatalf("active = %v, want [busy]", rooms)
	}
	if doc, _ := store.GetDocument(ctx, "busy"); doc == nil {
		t.Fatal("room with members keeps its cache")
	}
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	store.SetDocument(ctx, "r1", models.CodeState{HTML: strp("X")})
	repo := newFakeRepo(&models.Snippet{ID: "r1"})
	repo.entered = make(chan struct{})
	repo.release = make(chan struct{})

	r := newReconciler(store, repo, Options{})

	first := make(chan bool)
	go func() {
		_, ran := r.RunOnce(ctx)
		first <- ran
	}()

	<-repo.entered
	if _, ran := r.RunOnce(ctx); ran {
		t.Fatal("second pass ran while the first was in flight")
	}
	close(repo.release)

	if !<-first {
		t.Fatal("first pass should have run")
	}
	repo.entered = nil
	if _, ran := r.RunOnce(ctx); !ran {
		t.Fatal("pass after completion should run")
	}
}

func TestPruneMembersOfDeadInstance(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	store.Heartbeat(ctx, "live", time.Minute)
	store.AddMember(ctx, "r1", "c-live", state.Member{DisplayName: "alice", Instance: "live"})
	store.AddMember(ctx, "r1", "c-dead", state.Member{DisplayName: "bob", Instance: "dead"})
	store.AddMember(ctx, "r1", "c-legacy", state.Member{DisplayName: "carol"})

	var mu sync.Mutex
	var notified []string
	r := newReconciler(store, newFakeRepo(), Options{
		PresencePruned: func(_ context.Context, room string) {
			mu.Lock()
			notified = append(notified, room)
			mu.Unlock()
		},
	})

	res, _ := r.RunOnce(ctx)
	if res.Pruned != 1 {
		t.Fatalf("result = %+v", res)
	}

	members, _ := store.Members(ctx, "r1")
	if _, ok := members["c-dead"]; ok {
		t.Fatal("member of dead instance not pruned")
	}
	if len(members) != 2 {
		t.Fatalf("members = %+v", members)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "r1" {
		t.Fatalf("notified = %v", notified)
	}
}

func TestRunFlushesImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := state.NewMemoryStore()
	store.SetDocument(ctx, "r1", models.CodeState{CSS: strp("p{}")})
	store.AddMember(ctx, "r1", "c1", state.Member{DisplayName: "alice"})
	repo := newFakeRepo(&models.Snippet{ID: "r1"})

	r := newReconciler(store, repo, Options{Interval: time.Hour})
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for repo.get("r1").CSS != "p{}" {
		if time.Now().After(deadline) {
			t.Fatal("initial pass did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRepeatsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewMemoryStore()
	store.AddMember(ctx, "r1", "c1", state.Member{DisplayName: "alice"})
	repo := newFakeRepo(&models.Snippet{ID: "r1"})

	r := newReconciler(store, repo, Options{Interval: 10 * time.Millisecond})
	go r.Run(ctx)

	store.SetDocument(ctx, "r1", models.CodeState{HTML: strp("v1")})
	deadline := time.Now().Add(2 * time.Second)
	for repo.get("r1").HTML != "v1" {
		if time.Now().After(deadline) {
			t.Fatal("periodic pass did not flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNonPositiveIntervalFallsBackToDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		ctx, cancel := context.WithCancel(context.Background())
		store := state.NewMemoryStore()
		store.SetDocument(ctx, "r1", models.CodeState{JS: strp("go()")})
		store.AddMember(ctx, "r1", "c1", state.Member{DisplayName: "alice"})
		repo := newFakeRepo(&models.Snippet{ID: "r1"})

		r := NewReconciler(store, repo, Options{Interval: interval})
		if r.opts.Interval != DefaultInterval {
			t.Fatalf("interval %v became %v, want %v", interval, r.opts.Interval, DefaultInterval)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Run(ctx)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for repo.get("r1").JS != "go()" {
			if time.Now().After(deadline) {
				t.Fatalf("interval %v: initial pass did not run", interval)
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done
	}
}
