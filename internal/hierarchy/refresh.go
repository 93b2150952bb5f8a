package hierarchy

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/echarvest/internal/types"
)

// RefreshReport summarises a tree refresh.
type RefreshReport struct {
	Keys    int   // child lists fetched successfully
	Changed int   // nodes added or renamed
	Stale   []Key // branches that kept failing
}

// RefreshAll refreshes the whole tree top-down.
func (s *Store) RefreshAll(ctx context.Context) (*RefreshReport, error) {
	return s.RefreshTree(ctx, types.LevelDistrict, "")
}

// RefreshTree refreshes the child list at (level, parentCode) and every list
// below it. Sibling branches are fetched concurrently by a bounded pool. A
// branch that still fails after the configured retries is marked stale and
// the walk continues; only a failure on the starting key aborts, wrapping
// ErrDirectoryUnavailable.
func (s *Store) RefreshTree(ctx context.Context, level types.Level, parentCode string) (*RefreshReport, error) {
	return s.walk(ctx, s.current(), Key{Level: level, Parent: parentCode}, true, nil)
}

// RefreshWithRetry is Refresh with the configured retries and backoff. It
// does not descend into children.
func (s *Store) RefreshWithRetry(ctx context.Context, level types.Level, parentCode string) (int, error) {
	return s.refreshWithRetry(ctx, s.current(), Key{Level: level, Parent: parentCode}, true)
}

// Rebuild fetches a brand-new tree and swaps it in when the walk succeeds.
// Nodes that disappeared from the portal are dropped; branches that failed
// keep their previous content, marked stale.
func (s *Store) Rebuild(ctx context.Context) (*RefreshReport, error) {
	old := s.current()
	fresh := newTree()

	report, err := s.walk(ctx, fresh, RootKey, false, old)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.Replace(ctx, fresh.snapshot()); err != nil {
			return nil, err
		}
	}
	s.swap(fresh)

	s.logger.Infof("Location tree rebuilt: %d lists, %d stale", report.Keys, len(report.Stale))
	return report, nil
}

func (s *Store) walk(ctx context.Context, target *tree, root Key, persist bool, carry *tree) (*RefreshReport, error) {
	report := &RefreshReport{}

	changed, err := s.refreshWithRetry(ctx, target, root, persist)
	if err != nil {
		return nil, err
	}
	report.Keys++
	report.Changed += changed

	frontier := []Key{root}
	for len(frontier) > 0 {
		var children []Key
		for _, key := range frontier {
			childLevel := key.Level.Child()
			if childLevel == 0 {
				continue
			}
			e, ok := target.get(key)
			if !ok {
				continue
			}
			for el := e.nodes.Front(); el != nil; el = el.Next() {
				children = append(children, Key{Level: childLevel, Parent: el.Key})
			}
		}
		if len(children) == 0 {
			break
		}

		var (
			mu   sync.Mutex
			next []Key
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)

		for _, key := range children {
			g.Go(func() error {
				changed, err := s.refreshWithRetry(gctx, target, key, persist)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if !errors.Is(err, ErrDirectoryUnavailable) {
						return err
					}
					s.logger.WithLevel(key.Level.String(), key.Parent).
						Warnf("Giving up on branch after %d retries, marking stale: %v", s.opts.MaxRetries, err)
					if err := s.markStale(gctx, target, key, persist, carry); err != nil {
						return err
					}
					mu.Lock()
					report.Stale = append(report.Stale, key)
					mu.Unlock()
					return nil
				}

				mu.Lock()
				report.Keys++
				report.Changed += changed
				next = append(next, key)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		sortKeys(next)
		frontier = next
	}

	sortKeys(report.Stale)
	return report, nil
}

// refreshWithRetry retries directory failures with exponential backoff
// (Backoff, 2*Backoff, 4*Backoff, ...).
func (s *Store) refreshWithRetry(ctx context.Context, target *tree, key Key, persist bool) (int, error) {
	backoff := s.opts.Backoff
	for attempt := 0; ; attempt++ {
		changed, err := s.refreshKey(ctx, target, key, persist)
		if err == nil {
			return changed, nil
		}
		if !errors.Is(err, ErrDirectoryUnavailable) || attempt >= s.opts.MaxRetries {
			return 0, err
		}

		s.logger.WithLevel(key.Level.String(), key.Parent).
			Debugf("Fetch failed (attempt %d), retrying in %s: %v", attempt+1, backoff, err)
		if err := s.sleep(ctx, backoff); err != nil {
			return 0, err
		}
		backoff *= 2
	}
}
