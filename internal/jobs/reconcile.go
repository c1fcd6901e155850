// Package jobs holds background work that runs beside the realtime path.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"snippet-sync/internal/database"
	"snippet-sync/internal/state"
	"snippet-sync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval is used when no positive interval is configured.
const DefaultInterval = 30 * time.Second

// ErrOrphanedRoom means the room's durable snippet no longer exists.
var ErrOrphanedRoom = errors.New("room has no backing snippet")

type Options struct {
	Interval     time.Duration
	Concurrency  int
	StoreTimeout time.Duration
	// PresencePruned is called for each room that lost members belonging
	// to a dead process, so the member list can be rebroadcast.
	PresencePruned func(ctx context.Context, room string)
}

// Result summarises one pass.
type Result struct {
	Rooms    int
	Flushed  int
	Released int
	Orphaned int
	Pruned   int
	Failed   int
}

// Reconciler periodically drains cached documents into the durable store
// and garbage-collects rooms whose snippet was deleted.
type Reconciler struct {
	store state.Store
	repo  database.SnippetRepository
	opts  Options
	now   func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewReconciler(store state.Store, repo database.SnippetRepository, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Reconciler{
		store: store,
		repo:  repo,
		opts:  opts,
		now:   time.Now,
	}
}

// Run performs a pass immediately and then every interval until ctx is
// cancelled. A tick that lands while a pass is in flight is skipped. Run
// returns only after the last pass has finished.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.wg.Wait()

	r.tick(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.running.Load() {
		logger.Debug("[Reconcile] previous pass still running, skipping tick")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce(ctx)
	}()
}

// RunOnce performs one pass. ran is false when another pass was in flight.
func (r *Reconciler) RunOnce(ctx context.Context) (res Result, ran bool) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, false
	}
	defer r.running.Store(false)

	rooms, err := r.store.ActiveRooms(ctx)
	if err != nil {
		logger.Error("[Reconcile] read active rooms: %v", err)
		return Result{}, true
	}
	if len(rooms) == 0 {
		return Result{}, true
	}
	logger.Debug("[Reconcile] pass over %d active rooms", len(rooms))

	var mu sync.Mutex
	res.Rooms = len(rooms)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, room := range rooms {
		if room == "" {
			continue
		}
		g.Go(func() error {
			o := r.reconcileRoom(gctx, room)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			// Per-room failures never cancel the rest of the pass.
			return nil
		})
	}
	g.Wait()

	if res.Flushed+res.Orphaned+res.Pruned+res.Failed > 0 {
		logger.Info("[Reconcile] rooms=%d flushed=%d released=%d orphaned=%d pruned=%d failed=%d",
			res.Rooms, res.Flushed, res.Released, res.Orphaned, res.Pruned, res.Failed)
	}
	return res, true
}

type outcome struct {
	flushed, released, orphaned, pruned, failed bool
}

func (res *Result) add(o outcome) {
	if o.flushed {
		res.Flushed++
	}
	if o.released {
		res.Released++
	}
	if o.orphaned {
		res.Orphaned++
	}
	if o.pruned {
		res.Pruned++
	}
	if o.failed {
		res.Failed++
	}
}

func (r *Reconciler) reconcileRoom(ctx context.Context, room string) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("[Reconcile] room %s: panic: %v", room, p)
			o.failed = true
		}
	}()

	o.pruned = r.pruneDeadMembers(ctx, room)

	err := r.flushRoom(ctx, room, &o)
	switch {
	case err == nil:
	case errors.Is(err, ErrOrphanedRoom):
		if dropErr := r.store.DropRoom(ctx, room); dropErr != nil {
			logger.Error("[Reconcile] drop orphaned room %s: %v", room, dropErr)
			o.failed = true
			return o
		}
		logger.Info("[Reconcile] room %s has no snippet, cache cleared", room)
		o.orphaned = true
	default:
		logger.Error("[Reconcile] room %s: %v", room, err)
		o.failed = true
	}
	return o
}

// flushRoom copies the cached document into the durable snippet, touching
// only the fields present in the cache.
func (r *Reconciler) flushRoom(ctx context.Context, room string, o *outcome) error {
	doc, err := r.store.GetDocument(ctx, room)
	if err != nil {
		return fmt.Errorf("read cached document: %w", err)
	}
	if doc == nil || doc.State.IsEmpty() {
		return nil
	}

	dbCtx, cancel := r.storeContext(ctx)
	defer cancel()

	if _, err := r.repo.FindSnippetByID(dbCtx, room); err != nil {
		if errors.Is(err, database.ErrSnippetNotFound) {
			return ErrOrphanedRoom
		}
		return fmt.Errorf("look up snippet: %w", err)
	}

	if err := r.repo.PartialUpdateSnippet(dbCtx, room, doc.State, r.now()); err != nil {
		if errors.Is(err, database.ErrSnippetNotFound) {
			return ErrOrphanedRoom
		}
		return fmt.Errorf("save snippet: %w", err)
	}
	o.flushed = true

	released, err := r.store.ReleaseIdle(ctx, room, doc.Revision)
	if err != nil {
		logger.Error("[Reconcile] release idle room %s: %v", room, err)
		return nil
	}
	o.released = released
	return nil
}

// pruneDeadMembers removes presence entries whose owning process stopped
// heartbeating. It reports whether anything was removed.
func (r *Reconciler) pruneDeadMembers(ctx context.Context, room string) bool {
	members, err := r.store.Members(ctx, room)
	if err != nil {
		logger.Error("[Reconcile] list members of %s: %v", room, err)
		return false
	}

	alive := make(map[string]bool)
	pruned := false
	for connID, m := range members {
		if m.Instance == "" {
			continue
		}
		ok, seen := alive[m.Instance]
		if !seen {
			ok, err = r.store.InstanceAlive(ctx, m.Instance)
			if err != nil {
				logger.Error("[Reconcile] check instance %s: %v", m.Instance, err)
				return pruned
			}
			alive[m.Instance] = ok
		}
		if ok {
			continue
		}
		if _, err := r.store.RemoveMember(ctx, room, connID); err != nil {
			logger.Error("[Reconcile] prune %s from %s: %v", connID, room, err)
			continue
		}
		pruned = true
	}

	if pruned {
		logger.Info("[Reconcile] pruned stale presence in room %s", room)
		if r.opts.PresencePruned != nil {
			r.opts.PresencePruned(ctx, room)
		}
	}
	return pruned
}

func (r *Reconciler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.StoreTimeout)
	}
	return context.WithCancel(ctx)
}
