package hierarchy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/types"
)

var errPortalDown = errors.New("connection refused")

// fakeDirectory serves a fixed tree and can be told to fail per key.
type fakeDirectory struct {
	mu        sync.Mutex
	children  map[Key][]types.Location
	failures  map[Key]int // remaining failures, -1 fails forever
	calls     map[Key]int
	inflight  map[Key]int
	maxPerKey int
	total     int
	maxTotal  int
	delay     time.Duration
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		children: map[Key][]types.Location{
			RootKey: {
				{Code: "2", Name: "Bangalore Urban"},
				{Code: "3", Name: "Mysore"},
			},
			{Level: types.LevelTaluka, Parent: "2"}: {
				{Code: "113", Name: "Anekal"},
			},
			{Level: types.LevelTaluka, Parent: "3"}: {
				{Code: "201", Name: "Hunsur"},
			},
			{Level: types.LevelHobli, Parent: "113"}: {
				{Code: "499", Name: "Sarjapura"},
			},
			{Level: types.LevelVillage, Parent: "499"}: {
				{Code: "V1", Name: "Zeta Halli"},
				{Code: "V2", Name: "Alpha Pura"},
				{Code: "V3", Name: "Mid  Grama"},
			},
		},
		failures: map[Key]int{},
		calls:    map[Key]int{},
		inflight: map[Key]int{},
	}
}

func (f *fakeDirectory) FetchChildren(ctx context.Context, level types.Level, parentCode string) ([]types.Location, error) {
	key := Key{Level: level, Parent: parentCode}

	f.mu.Lock()
	f.calls[key]++
	f.inflight[key]++
	f.total++
	if f.inflight[key] > f.maxPerKey {
		f.maxPerKey = f.inflight[key]
	}
	if f.total > f.maxTotal {
		f.maxTotal = f.total
	}
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[key]--
		f.total--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[key]; n != 0 {
		if n > 0 {
			f.failures[key] = n - 1
		}
		return nil, errPortalDown
	}
	out := make([]types.Location, len(f.children[key]))
	copy(out, f.children[key])
	return out, nil
}

func (f *fakeDirectory) set(key Key, locs ...types.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[key] = locs
}

func (f *fakeDirectory) fail(key Key, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = times
}

func (f *fakeDirectory) callCount(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// sleepRecorder replaces real backoff sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestStore(dir Directory, repo Repository) (*Store, *sleepRecorder) {
	s := NewStore(dir, repo, DefaultOptions(), logger.NewNop())
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

// villageParents are the lists above the village list of hobli 499.
var villageParents = []Key{
	RootKey,
	{Level: types.LevelTaluka, Parent: "2"},
	{Level: types.LevelHobli, Parent: "113"},
}

// prime refreshes keys in order so the lists below them can be fetched.
func prime(t *testing.T, s *Store, keys ...Key) {
	t.Helper()
	for _, key := range keys {
		_, err := s.Refresh(context.Background(), key.Level, key.Parent)
		require.NoError(t, err)
	}
}

func codes(nodes []types.LocationNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Code
	}
	return out
}
