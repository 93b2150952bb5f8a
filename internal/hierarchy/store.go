// Package hierarchy caches the District/Taluka/Hobli/Village tree fetched from
// the portal and keeps it consistent across partial refreshes.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/textnorm"
	"github.com/dbsmedya/echarvest/internal/types"
)

// ErrDirectoryUnavailable is returned when the remote directory cannot be
// reached for the root of a refresh. The cache is left as it was.
var ErrDirectoryUnavailable = errors.New("remote directory unavailable")

// ErrUnknownParent is matched by every *UnknownParentError.
var ErrUnknownParent = errors.New("parent location not cached")

// UnknownParentError is returned when a child list is requested for a parent
// the cache does not hold one level up.
type UnknownParentError struct {
	Level  types.Level // level of the list that was requested
	Parent string
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("%v: %s %q is not in any cached %s list", ErrUnknownParent, e.Level.Parent(), e.Parent, e.Level.Parent())
}

// Is makes errors.Is(err, ErrUnknownParent) true.
func (e *UnknownParentError) Is(target error) bool {
	return target == ErrUnknownParent
}

// Directory lists the children of a node on the remote portal, in the
// portal's own order. Districts are fetched with an empty parent code.
type Directory interface {
	FetchChildren(ctx context.Context, level types.Level, parentCode string) ([]types.Location, error)
}

// Status describes whether a cached child list can be trusted.
type Status string

const (
	StatusFresh Status = "fresh"
	StatusStale Status = "stale"
)

// Key identifies one child list: the nodes at Level whose parent is Parent.
type Key struct {
	Level  types.Level
	Parent string
}

func (k Key) String() string {
	if k.Parent == "" {
		return k.Level.String()
	}
	return fmt.Sprintf("%s@%s", k.Level, k.Parent)
}

// RootKey is the key of the district list.
var RootKey = Key{Level: types.LevelDistrict}

type entry struct {
	nodes       *orderedmap.OrderedMap[string, types.LocationNode]
	status      Status
	refreshedAt time.Time
}

func newEntry(status Status, at time.Time) *entry {
	return &entry{
		nodes:       orderedmap.NewOrderedMap[string, types.LocationNode](),
		status:      status,
		refreshedAt: at,
	}
}

func (e *entry) list() []types.LocationNode {
	out := make([]types.LocationNode, 0, e.nodes.Len())
	for el := e.nodes.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// tree is a set of child lists guarded by a lock. The store swaps whole trees
// on rebuild.
type tree struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

func newTree() *tree {
	return &tree{entries: make(map[Key]*entry)}
}

func (t *tree) get(key Key) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

func (t *tree) put(key Key, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = e
}

// hasNode reports whether code appears in any cached list at level.
func (t *tree) hasNode(level types.Level, code string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for key, e := range t.entries {
		if key.Level != level {
			continue
		}
		if _, ok := e.nodes.Get(code); ok {
			return true
		}
	}
	return false
}

// checkParent keeps every non-district list attached to a cached parent.
func (t *tree) checkParent(key Key) error {
	if !key.Level.Valid() {
		return fmt.Errorf("invalid level %d", key.Level)
	}
	if key.Level == types.LevelDistrict {
		if key.Parent != "" {
			return fmt.Errorf("district list takes no parent, got %q", key.Parent)
		}
		return nil
	}
	if !t.hasNode(key.Level.Parent(), key.Parent) {
		return &UnknownParentError{Level: key.Level, Parent: key.Parent}
	}
	return nil
}

func (t *tree) snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]Key, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)

	snap := &Snapshot{Keys: make(map[Key]KeyState, len(keys))}
	for _, key := range keys {
		e := t.entries[key]
		snap.Keys[key] = KeyState{Status: e.status, RefreshedAt: e.refreshedAt}
		snap.Nodes = append(snap.Nodes, e.list()...)
	}
	return snap
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Level != keys[j].Level {
			return keys[i].Level < keys[j].Level
		}
		return keys[i].Parent < keys[j].Parent
	})
}

// Options tunes refresh behaviour.
type Options struct {
	Concurrency int
	MaxRetries  int
	Backoff     time.Duration
}

// DefaultOptions returns a pool of 4 workers retrying 3 times from 1s.
func DefaultOptions() Options {
	return Options{Concurrency: 4, MaxRetries: 3, Backoff: time.Second}
}

// Store is the cached location tree.
type Store struct {
	dir    Directory
	repo   Repository
	opts   Options
	logger *logger.Logger

	treeMu sync.RWMutex
	tree   *tree

	// One refresh per key at a time. flights holds the context shared by
	// the callers waiting on each fetch.
	flight   singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*sharedFetch

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStore creates an empty store. repo may be nil for a memory-only cache.
func NewStore(dir Directory, repo Repository, opts Options, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Store{
		dir:     dir,
		repo:    repo,
		opts:    opts,
		logger:  log,
		tree:    newTree(),
		flights: make(map[string]*sharedFetch),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (s *Store) current() *tree {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.tree
}

func (s *Store) swap(t *tree) {
	s.treeMu.Lock()
	s.tree = t
	s.treeMu.Unlock()
}

// Load replaces the in-memory cache with what the repository holds.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	snap, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load location cache: %w", err)
	}

	t := newTree()
	for key, ks := range snap.Keys {
		t.entries[key] = newEntry(ks.Status, ks.RefreshedAt)
	}
	for _, n := range snap.Nodes {
		key := Key{Level: n.Level, Parent: n.ParentCode}
		e, ok := t.entries[key]
		if !ok {
			// Nodes without a key row were written by an interrupted refresh.
			e = newEntry(StatusStale, time.Time{})
			t.entries[key] = e
		}
		e.nodes.Set(n.Code, n)
	}
	s.swap(t)

	s.logger.Debugf("Loaded %d location nodes under %d keys", len(snap.Nodes), len(t.entries))
	return nil
}

// Get returns the cached children of parentCode at level, in portal order.
// It never calls the directory; an unknown key returns nil.
func (s *Store) Get(level types.Level, parentCode string) []types.LocationNode {
	nodes, _, _ := s.Lookup(level, parentCode)
	return nodes
}

// Lookup returns the cached children together with their status. ok is false
// when the key was never fetched.
func (s *Store) Lookup(level types.Level, parentCode string) (nodes []types.LocationNode, status Status, ok bool) {
	e, found := s.current().get(Key{Level: level, Parent: parentCode})
	if !found {
		return nil, "", false
	}
	return e.list(), e.status, true
}

// Stats counts cached nodes per level and the number of stale keys.
func (s *Store) Stats() (perLevel map[types.Level]int, stale int) {
	t := s.current()
	t.mu.RLock()
	defer t.mu.RUnlock()

	perLevel = make(map[types.Level]int, len(types.Levels))
	for key, e := range t.entries {
		perLevel[key.Level] += e.nodes.Len()
		if e.status == StatusStale {
			stale++
		}
	}
	return perLevel, stale
}

// StaleKeys lists the keys whose last refresh failed.
func (s *Store) StaleKeys() []Key {
	t := s.current()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []Key
	for key, e := range t.entries {
		if e.status == StatusStale {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// Refresh fetches one child list and upserts it into the cache. It returns
// the number of nodes added or renamed. Nodes missing from the response are
// kept; only Rebuild removes nodes. On error the cache is unchanged. Below
// the district level the parent must already be cached, otherwise an
// *UnknownParentError is returned without calling the directory.
func (s *Store) Refresh(ctx context.Context, level types.Level, parentCode string) (int, error) {
	return s.refreshKey(ctx, s.current(), Key{Level: level, Parent: parentCode}, true)
}

// sharedFetch is the context of one in-flight fetch. It is cancelled when the
// last caller waiting on it gives up, not when the first one does.
type sharedFetch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Store) joinFetch(ctx context.Context, name string) *sharedFetch {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f, ok := s.flights[name]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &sharedFetch{ctx: fctx, cancel: cancel}
		s.flights[name] = f
	}
	f.waiters++
	return f
}

func (s *Store) leaveFetch(name string, f *sharedFetch) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.flights[name] == f {
		delete(s.flights, name)
	}
}

// refreshKey fetches and applies one key into target. Concurrent calls for
// the same key and target share a single fetch and upsert; a caller whose
// ctx ends stops waiting without failing the others. Fetch failures wrap
// ErrDirectoryUnavailable; persistence failures do not.
func (s *Store) refreshKey(ctx context.Context, target *tree, key Key, persist bool) (int, error) {
	if err := target.checkParent(key); err != nil {
		return 0, err
	}

	name := fmt.Sprintf("%p|%s", target, key)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		shared := s.joinFetch(ctx, name)
		ch := s.flight.DoChan(name, func() (interface{}, error) {
			locs, err := s.dir.FetchChildren(shared.ctx, key.Level, key.Parent)
			if err != nil {
				return 0, fmt.Errorf("%w: %s: %w", ErrDirectoryUnavailable, key, err)
			}
			return s.apply(shared.ctx, target, key, locs, persist)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			s.leaveFetch(name, shared)
			return 0, ctx.Err()
		case res = <-ch:
			s.leaveFetch(name, shared)
		}

		// Joined a fetch that every earlier waiter abandoned: start over.
		if res.Err != nil && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

// apply merges locs into target under key. Returned nodes come first in
// portal order, previously known nodes that were not returned follow.
func (s *Store) apply(ctx context.Context, target *tree, key Key, locs []types.Location, persist bool) (int, error) {
	now := s.now()
	next := newEntry(StatusFresh, now)
	changed := 0

	prev, hadPrev := target.get(key)

	for _, loc := range locs {
		code := textnorm.Code(loc.Code)
		if code == "" {
			continue
		}
		node := types.LocationNode{
			Code:       code,
			Name:       textnorm.Name(loc.Name),
			Level:      key.Level,
			ParentCode: key.Parent,
		}
		if _, dup := next.nodes.Get(code); dup {
			continue
		}
		next.nodes.Set(code, node)

		if !hadPrev {
			changed++
			continue
		}
		old, known := prev.nodes.Get(code)
		if !known || old.Name != node.Name {
			changed++
		}
	}

	if hadPrev {
		for el := prev.nodes.Front(); el != nil; el = el.Next() {
			if _, ok := next.nodes.Get(el.Key); !ok {
				next.nodes.Set(el.Key, el.Value)
			}
		}
	}

	if persist && s.repo != nil {
		if err := s.repo.SaveKey(ctx, key, next.list(), StatusFresh, now); err != nil {
			return 0, fmt.Errorf("failed to persist %s: %w", key, err)
		}
	}

	target.put(key, next)
	return changed, nil
}

// markStale flags key as untrusted, keeping any nodes it already had. During a
// rebuild, carry is the tree being replaced: the key's old nodes and their
// whole subtree are copied over so a failed branch loses nothing.
func (s *Store) markStale(ctx context.Context, target *tree, key Key, persist bool, carry *tree) error {
	now := s.now()
	source := target
	if carry != nil {
		source = carry
	}

	next := newEntry(StatusStale, now)
	if prev, ok := source.get(key); ok {
		next.nodes = prev.nodes.Copy()
	}

	if persist && s.repo != nil {
		if err := s.repo.MarkStale(ctx, key, now); err != nil {
			return fmt.Errorf("failed to persist stale %s: %w", key, err)
		}
	}

	target.put(key, next)
	if carry != nil {
		carrySubtree(carry, target, next, key.Level.Child())
	}
	return nil
}

func carrySubtree(from, to *tree, parent *entry, level types.Level) {
	if level == 0 {
		return
	}
	for el := parent.nodes.Front(); el != nil; el = el.Next() {
		key := Key{Level: level, Parent: el.Key}
		old, ok := from.get(key)
		if !ok {
			continue
		}
		copied := &entry{nodes: old.nodes.Copy(), status: StatusStale, refreshedAt: old.refreshedAt}
		to.put(key, copied)
		carrySubtree(from, to, copied, level.Child())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
