package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/search"
	"github.com/dbsmedya/echarvest/internal/session"
	"github.com/dbsmedya/echarvest/internal/types"
)

// Hierarchy is the location cache as the orchestrator needs it.
type Hierarchy interface {
	enumerator.Snapshot
	RefreshWithRetry(ctx context.Context, level types.Level, parentCode string) (int, error)
}

// Executor runs one unit.
type Executor interface {
	Execute(ctx context.Context, unit types.SearchUnit, art session.Artifacts) (*types.UnitResult, error)
}

// Options configures a run.
type Options struct {
	Credentials    session.Credentials
	AutoRefresh    bool
	Sleep          time.Duration // pause between units
	LogoutOnFinish bool
	EmptyMarker    string

	// Stop, when closed, ends the run before the next unit. The unit in
	// flight is finished and recorded.
	Stop <-chan struct{}
}

// Result is the outcome of Run. It is returned even when the run stops
// early so the rows merged so far can be exported.
type Result struct {
	JobName     string
	RunID       string
	Table       *search.Table
	Manifest    *Manifest
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Interrupted bool
}

// ErrStopped is returned by Run when Options.Stop was closed before every
// unit was searched.
var ErrStopped = errors.New("run stopped before the next unit")

// maxSessionRounds bounds how often ensureSession resumes a session that
// lapsed before a search could be sent.
const maxSessionRounds = 3

// Orchestrator runs a job: refresh if needed, enumerate, authenticate, then
// one search per unit in order, merging every success into the table.
type Orchestrator struct {
	store    Hierarchy
	session  *session.Manager
	executor Executor
	resume   *ResumeManager
	opts     Options
	logger   *logger.Logger
	progress ProgressFunc
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the components of a run. resume may be nil, in
// which case nothing is persisted and nothing is skipped.
func NewOrchestrator(store Hierarchy, sess *session.Manager, exec Executor, resume *ResumeManager, opts Options, log *logger.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("hierarchy store is nil")
	}
	if sess == nil {
		return nil, fmt.Errorf("session manager is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Orchestrator{
		store:    store,
		session:  sess,
		executor: exec,
		resume:   resume,
		opts:     opts,
		logger:   log,
		sleep:    sleepContext,
	}, nil
}

// OnProgress registers a progress callback.
func (o *Orchestrator) OnProgress(fn ProgressFunc) {
	o.progress = fn
}

// Plan resolves scope into units. With AutoRefresh a missing or stale child
// list is fetched and expansion is retried; each list is fetched at most
// once per call.
func (o *Orchestrator) Plan(ctx context.Context, scope enumerator.ScopeSpec) ([]types.SearchUnit, error) {
	refreshed := make(map[string]bool)
	for {
		units, err := enumerator.Expand(scope, o.store)
		if err == nil {
			return units, nil
		}

		var incomplete *enumerator.IncompleteHierarchyError
		if !o.opts.AutoRefresh || !errors.As(err, &incomplete) {
			return nil, err
		}
		key := fmt.Sprintf("%d|%s", incomplete.Level, incomplete.Parent)
		if refreshed[key] {
			return nil, err
		}
		refreshed[key] = true

		o.logger.WithLevel(incomplete.Level.String(), incomplete.Parent).
			Infof("Location list missing or stale, refreshing: %v", err)
		if _, rerr := o.store.RefreshWithRetry(ctx, incomplete.Level, incomplete.Parent); rerr != nil {
			return nil, fmt.Errorf("refresh for %s: %w", scope, rerr)
		}
	}
}

// Run harvests jobName. The returned error is non-nil only when the run
// could not continue (authentication refused, cancellation, state database
// failure); per-unit failures are listed in the manifest instead.
func (o *Orchestrator) Run(ctx context.Context, jobName string, scope enumerator.ScopeSpec) (*Result, error) {
	log := o.logger.WithJob(jobName)
	result := &Result{
		JobName:   jobName,
		Table:     search.NewTable(o.opts.EmptyMarker),
		Manifest:  &Manifest{},
		StartedAt: time.Now(),
	}
	defer func() {
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
	}()

	units, err := o.Plan(ctx, scope)
	if err != nil {
		return result, err
	}
	result.Manifest.Units = len(units)
	if len(units) == 0 {
		log.Warnf("Scope %s resolved to zero units", scope)
		return result, nil
	}
	log.Infof("Scope %s resolved to %d units", scope, len(units))

	pending, err := o.restore(ctx, jobName, units, result)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		log.Info("All units already harvested")
		o.finish(ctx, jobName, JobStatusCompleted)
		return result, nil
	}

	runErr := o.runUnits(ctx, jobName, units, pending, result)

	if o.opts.LogoutOnFinish {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := o.session.Logout(logoutCtx); err != nil {
			log.Warnf("Logout failed: %v", err)
		}
		cancel()
	}

	switch {
	case runErr != nil && (ctx.Err() != nil || errors.Is(runErr, ErrStopped)):
		result.Interrupted = true
		o.finish(ctx, jobName, JobStatusInterrupted)
	case runErr != nil:
		o.finish(ctx, jobName, JobStatusFailed)
	default:
		o.finish(ctx, jobName, JobStatusCompleted)
	}

	m := result.Manifest
	log.Infof("Run finished: %d succeeded, %d failed, %d skipped, %d not reached",
		len(m.Succeeded), len(m.Failed), len(m.Skipped), m.Remaining())
	return result, runErr
}

// restore merges the rows of units completed by earlier runs, in
// enumeration order, and returns the indexes of units still to search.
func (o *Orchestrator) restore(ctx context.Context, jobName string, units []types.SearchUnit, result *Result) ([]int, error) {
	all := make([]int, len(units))
	for i := range units {
		all[i] = i
	}
	if o.resume == nil {
		return all, nil
	}

	state, err := o.resume.StartRun(ctx, jobName, len(units))
	if err != nil {
		return nil, err
	}
	result.RunID = state.RunID

	done, err := o.resume.LoadCompleted(ctx, jobName)
	if err != nil {
		return nil, err
	}

	var pending []int
	for i, u := range units {
		cu, ok := done[u.Key()]
		if !ok {
			pending = append(pending, i)
			continue
		}
		result.Table.Merge(&types.UnitResult{Unit: u, Rows: cu.Rows, Columns: cu.Columns})
		result.Manifest.skip(u)
		o.emit(Event{Kind: EventSkipped, Unit: u, Index: i + 1, Total: len(units), Rows: len(cu.Rows)})
	}
	return pending, nil
}

func (o *Orchestrator) runUnits(ctx context.Context, jobName string, units []types.SearchUnit, pending []int, result *Result) error {
	for n, idx := range pending {
		if n > 0 && o.opts.Sleep > 0 {
			if err := o.sleep(ctx, o.opts.Sleep); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.stopped() {
			return ErrStopped
		}

		unit := units[idx]
		ev := Event{Unit: unit, Index: idx + 1, Total: len(units)}
		o.emit(withKind(ev, EventStarted))

		if o.resume != nil {
			if err := o.resume.MarkPending(ctx, jobName, unit.Key()); err != nil {
				return err
			}
		}

		res, err := o.searchUnit(ctx, unit, ev)
		if err != nil {
			var failure *search.ExecutionFailure
			if !errors.As(err, &failure) {
				// Authentication, prompts or cancellation: the run stops.
				return err
			}
			result.Manifest.fail(unit, failure.Kind.String(), failure.Error())
			if o.resume != nil {
				if err := o.resume.MarkFailed(ctx, jobName, unit.Key(), failure.Error()); err != nil {
					return err
				}
			}
			ev.Err = err
			o.emit(withKind(ev, EventFailed))
			continue
		}

		warning := ""
		if res.warning != nil {
			warning = res.warning.Error()
			result.Manifest.warn("%s", warning)
		}
		result.Table.Merge(res.UnitResult)
		result.Manifest.succeed(unit)
		if o.resume != nil {
			if err := o.resume.MarkCompleted(ctx, jobName, res.UnitResult, warning); err != nil {
				return err
			}
		}
		ev.Rows = len(res.Rows)
		ev.Err = res.warning
		o.emit(withKind(ev, EventSucceeded))
	}
	return nil
}

type unitOutcome struct {
	*types.UnitResult
	warning error
}

// searchUnit runs one unit, rebinding the session and retrying once when
// the portal refused the CAPTCHA or the session.
func (o *Orchestrator) searchUnit(ctx context.Context, unit types.SearchUnit, ev Event) (*unitOutcome, error) {
	log := o.logger.WithUnit(unit.Key())
	for attempt := 1; ; attempt++ {
		art, candidate, err := o.ensureSession(ctx)
		if err != nil {
			return nil, err
		}

		res, err := o.executor.Execute(ctx, unit, art)
		if err == nil || errors.Is(err, search.ErrPaginationLimitExceeded) {
			o.confirm(candidate)
			out := &unitOutcome{UnitResult: res}
			if err != nil {
				out.warning = err
				log.Warnf("Partial result: %v", err)
			}
			return out, nil
		}

		var failure *search.ExecutionFailure
		if !errors.As(err, &failure) {
			return nil, err
		}
		if !failure.Kind.NeedsRebind() {
			return nil, err
		}

		reason := session.ReasonCaptchaRejected
		if failure.Kind == search.KindSessionExpired {
			reason = session.ReasonSessionExpired
		}
		o.session.Invalidate(reason)

		if attempt > 1 {
			return nil, err
		}
		log.Infof("Portal refused the search (%s), rebinding and retrying once", failure.Kind)
		o.emit(withKind(withErr(ev, err), EventRequeued))
	}
}

// ensureSession brings the session to a state a search can be sent from.
// When no CAPTCHA answer is bound a new one is solved and returned as the
// candidate; the caller binds it once a search accepts it. The token can
// lapse while the human is answering, so an expired session is resumed
// again up to maxSessionRounds times.
func (o *Orchestrator) ensureSession(ctx context.Context) (session.Artifacts, session.CaptchaAnswer, error) {
	var none session.CaptchaAnswer

	var st session.State
	for round := 1; round <= maxSessionRounds; round++ {
		if o.session.Resume() == session.Unauthenticated {
			if err := o.session.Authenticate(ctx, o.opts.Credentials); err != nil {
				return session.Artifacts{}, none, fmt.Errorf("authentication: %w", err)
			}
		}

		var art session.Artifacts
		art, st = o.session.Current()
		switch st {
		case session.CaptchaBound:
			return art, none, nil
		case session.AuthenticatedFresh:
			candidate, err := o.session.AcquireCaptcha(ctx)
			if err != nil {
				if errors.Is(err, session.ErrInvalidState) {
					continue
				}
				return session.Artifacts{}, none, err
			}
			probe, err := o.session.Probe(candidate)
			if err != nil {
				if errors.Is(err, session.ErrInvalidState) {
					o.logger.Info("Session lapsed while the CAPTCHA was being solved, signing in again")
					st = o.session.State()
					continue
				}
				return session.Artifacts{}, none, err
			}
			return probe, candidate, nil
		case session.Expired, session.Unauthenticated:
			continue
		default:
			return session.Artifacts{}, none, fmt.Errorf("%w: cannot search from %s", session.ErrInvalidState, st)
		}
	}
	return session.Artifacts{}, none, fmt.Errorf("%w: session still %s after %d rounds", session.ErrInvalidState, st, maxSessionRounds)
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.opts.Stop:
		return true
	default:
		return false
	}
}

// confirm binds a probed CAPTCHA answer or counts a use of the bound one.
func (o *Orchestrator) confirm(candidate session.CaptchaAnswer) {
	if candidate.IsZero() {
		o.session.RecordUse()
		return
	}
	if err := o.session.BindCaptcha(candidate); err != nil {
		o.logger.Warnf("Could not bind accepted CAPTCHA: %v", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, jobName string, status JobStatus) {
	if o.resume == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.resume.FinishRun(fctx, jobName, status); err != nil {
		o.logger.Warnf("Failed to record job status: %v", err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.progress != nil {
		o.progress(ev)
	}
}

func withKind(ev Event, kind EventKind) Event {
	ev.Kind = kind
	return ev
}

func withErr(ev Event, err error) Event {
	ev.Err = err
	return ev
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
