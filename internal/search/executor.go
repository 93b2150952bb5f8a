package search

import (
	"context"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/session"
	"github.com/dbsmedya/echarvest/internal/types"
)

// Page is one page of results. Next is empty on the last page.
type Page struct {
	Rows    []types.Row
	Columns []string
	Next    string
}

// Client performs a single search call. Errors should be *Failure values so
// the executor can tell a rejected CAPTCHA from a network problem.
type Client interface {
	Search(ctx context.Context, token string, captcha session.CaptchaAnswer, unit types.SearchUnit, cursor string) (*Page, error)
}

// Options configures an Executor.
type Options struct {
	MaxPages    int
	MaxRetries  int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// DefaultOptions returns 50 pages, 3 retries starting at 1s and a 30s call
// timeout.
func DefaultOptions() Options {
	return Options{
		MaxPages:    50,
		MaxRetries:  3,
		Backoff:     time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Executor runs one unit at a time. It reads session artifacts but never
// changes them; rebinding after a failure is the caller's job.
type Executor struct {
	client Client
	opts   Options
	logger *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor using client.
func NewExecutor(client Client, opts Options, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Executor{
		client: client,
		opts:   opts,
		logger: log,
		sleep:  sleepContext,
	}
}

// Execute fetches every page of unit using art. On success all rows are
// returned; the result may be empty. When the page bound is hit, the rows
// collected so far are returned together with ErrPaginationLimitExceeded.
// Any other failure is an *ExecutionFailure and no rows are returned.
func (e *Executor) Execute(ctx context.Context, unit types.SearchUnit, art session.Artifacts) (*types.UnitResult, error) {
	log := e.logger.WithUnit(unit.Key())
	result := &types.UnitResult{Unit: unit}
	columns := orderedmap.NewOrderedMap[string, struct{}]()

	cursor := ""
	for pages := 1; ; pages++ {
		page, err := e.fetchPage(ctx, unit, art, cursor)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, page.Rows...)
		for _, c := range page.Columns {
			columns.Set(c, struct{}{})
		}

		if page.Next == "" {
			break
		}
		if pages >= e.opts.MaxPages {
			result.Columns = columns.Keys()
			log.Warnf("Stopped after %d pages with more results pending", pages)
			return result, fmt.Errorf("%w: unit %s stopped after %d pages", ErrPaginationLimitExceeded, unit.Key(), pages)
		}
		cursor = page.Next
	}

	result.Columns = columns.Keys()
	log.Debugf("Fetched %d rows", len(result.Rows))
	return result, nil
}

func (e *Executor) fetchPage(ctx context.Context, unit types.SearchUnit, art session.Artifacts, cursor string) (*Page, error) {
	backoff := e.opts.Backoff
	var lastErr error
	var kind FailureKind

	attempts := 0
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Debugf("Retrying unit %s in %s (%d/%d): %v", unit.Key(), backoff, attempt, e.opts.MaxRetries, lastErr)
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		attempts++

		page, err := e.call(ctx, unit, art, cursor)
		if err == nil {
			if page == nil {
				page = &Page{}
			}
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		kind = Classify(err)
		if !kind.Retryable() {
			break
		}
	}

	return nil, &ExecutionFailure{Kind: kind, Unit: unit, Attempts: attempts, Err: lastErr}
}

func (e *Executor) call(ctx context.Context, unit types.SearchUnit, art session.Artifacts, cursor string) (*Page, error) {
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}
	return e.client.Search(ctx, art.Token, art.Captcha, unit, cursor)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
