package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/config"
	"github.com/dbsmedya/echarvest/internal/database"
	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/search"
	"github.com/dbsmedya/echarvest/internal/session"
	"github.com/dbsmedya/echarvest/internal/types"
)

// ============================================================================
// Location directory
// ============================================================================

type fakeDirectory struct {
	mu       sync.Mutex
	children map[hierarchy.Key][]types.Location
	down     bool
	calls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{children: map[hierarchy.Key][]types.Location{
		hierarchy.RootKey:                          {{Code: "2", Name: "Bangalore Urban"}},
		{Level: types.LevelTaluka, Parent: "2"}:    {{Code: "113", Name: "Anekal"}},
		{Level: types.LevelHobli, Parent: "113"}:   {{Code: "499", Name: "Sarjapura"}, {Code: "500", Name: "Empty Hobli"}},
		{Level: types.LevelVillage, Parent: "499"}: {{Code: "V1", Name: "Zeta Halli"}, {Code: "V2", Name: "Alpha Pura"}, {Code: "V3", Name: "Mid Grama"}},
		{Level: types.LevelVillage, Parent: "500"}: {},
	}}
}

func (f *fakeDirectory) FetchChildren(ctx context.Context, level types.Level, parentCode string) ([]types.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, errors.New("connection refused")
	}
	return append([]types.Location(nil), f.children[hierarchy.Key{Level: level, Parent: parentCode}]...), nil
}

// ============================================================================
// Session collaborators
// ============================================================================

type fakeAuth struct {
	mu       sync.Mutex
	loginErr error
	logins   int
	revoked  []string
}

func (f *fakeAuth) Login(ctx context.Context, username, password string, captcha session.CaptchaAnswer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return fmt.Sprintf("pending-%d", f.logins), nil
}

func (f *fakeAuth) ValidateOTP(ctx context.Context, token, code string) (string, error) {
	return "token-" + token, nil
}

func (f *fakeAuth) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

type fakeCaptchas struct{ n int }

func (f *fakeCaptchas) FetchCaptcha(ctx context.Context) (session.Captcha, error) {
	f.n++
	return session.Captcha{ID: fmt.Sprintf("cid-%d", f.n), Image: []byte("png")}, nil
}

// fakeOperator answers every CAPTCHA with a numbered text.
type fakeOperator struct {
	captchas  int
	otps      int
	onCaptcha func(n int)
}

func (f *fakeOperator) PresentCaptcha(ctx context.Context, image []byte) (string, error) {
	f.captchas++
	if f.onCaptcha != nil {
		f.onCaptcha(f.captchas)
	}
	return fmt.Sprintf("answer-%d", f.captchas), nil
}

func (f *fakeOperator) PresentOTPPrompt(ctx context.Context) (string, error) {
	f.otps++
	return "123456", nil
}

func (f *fakeOperator) NotifyConflict(ctx context.Context) error { return nil }

// ============================================================================
// Executor
// ============================================================================

type execResponse struct {
	rows []types.Row
	cols []string
	err  error
}

type execCall struct {
	village string
	art     session.Artifacts
}

// fakeExecutor answers from a per-village script; an exhausted script
// returns an empty success.
type fakeExecutor struct {
	script map[string][]execResponse
	calls  []execCall
	onCall func(call int)
}

func (f *fakeExecutor) Execute(ctx context.Context, unit types.SearchUnit, art session.Artifacts) (*types.UnitResult, error) {
	f.calls = append(f.calls, execCall{village: unit.Village.Code, art: art})
	if f.onCall != nil {
		f.onCall(len(f.calls))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var r execResponse
	if q := f.script[unit.Village.Code]; len(q) > 0 {
		r = q[0]
		f.script[unit.Village.Code] = q[1:]
	}
	if r.err != nil && !errors.Is(r.err, search.ErrPaginationLimitExceeded) {
		return nil, r.err
	}
	return &types.UnitResult{Unit: unit, Rows: r.rows, Columns: r.cols}, r.err
}

func (f *fakeExecutor) villages() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.village
	}
	return out
}

func refused(kind search.FailureKind) error {
	return &search.ExecutionFailure{Kind: kind, Attempts: 1, Err: &search.Failure{Kind: kind, Message: "refused"}}
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	dir      *fakeDirectory
	store    *hierarchy.Store
	auth     *fakeAuth
	operator *fakeOperator
	session  *session.Manager
	exec     *fakeExecutor
	orch     *Orchestrator
	events   []Event
	slept    int
}

func newHarness(t *testing.T, resume *ResumeManager, opts Options) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, resume, opts, session.DefaultPolicy())
}

func newHarnessWithPolicy(t *testing.T, resume *ResumeManager, opts Options, policy session.Policy) *harness {
	t.Helper()
	h := &harness{
		dir:      newFakeDirectory(),
		auth:     &fakeAuth{},
		operator: &fakeOperator{},
		exec:     &fakeExecutor{script: map[string][]execResponse{}},
	}
	h.store = hierarchy.NewStore(h.dir, nil, hierarchy.Options{Concurrency: 1}, logger.NewNop())
	h.session = session.NewManager(h.auth, &fakeCaptchas{}, h.operator, policy, logger.NewNop())

	orch, err := NewOrchestrator(h.store, h.session, h.exec, resume, opts, logger.NewNop())
	require.NoError(t, err)
	orch.sleep = func(ctx context.Context, _ time.Duration) error {
		h.slept++
		return ctx.Err()
	}
	h.orch = orch
	orch.OnProgress(func(ev Event) { h.events = append(h.events, ev) })
	return h
}

func defaultOptions() Options {
	return Options{
		Credentials: session.Credentials{Username: "user", Password: "secret"},
		AutoRefresh: true,
		EmptyMarker: "-",
	}
}

func villageScope(t *testing.T, hobli string) enumerator.ScopeSpec {
	t.Helper()
	scope, err := enumerator.ParseScope("2", "113", hobli, "all", "Ramesh", "2020-01-01", "2020-12-31")
	require.NoError(t, err)
	return scope
}

func (h *harness) eventKinds(kind EventKind) []string {
	var out []string
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev.Unit.Village.Code)
		}
	}
	return out
}

func openStateDB(t *testing.T) *sql.DB {
	t.Helper()
	m := database.NewManager(&config.StateConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "harvest.db")})
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m.State
}
