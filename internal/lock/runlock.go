// Package lock provides table-backed run locks so that only one harvest per
// job, and one per portal account, runs at a time.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when another instance holds the lock.
	ErrLockHeld = errors.New("run lock is held by another instance")

	// ErrLockLost is returned by Touch, and is the cancel cause of the
	// WithLock context, once the row no longer belongs to this holder.
	ErrLockLost = errors.New("run lock was taken over")
)

// RunLock is a row in harvest_lock owned by a random holder id. Unlike a
// connection-scoped lock it survives crashes, so a TTL decides when an
// old row counts as abandoned.
type RunLock struct {
	db         *sql.DB
	lockName   string
	holder     string
	ttl        time.Duration
	touchEvery time.Duration
	now        func() time.Time

	mu   sync.Mutex
	held bool
}

// NewRunLock creates a lock for the given name. A zero ttl never expires.
// While WithLock runs, the row is touched every quarter of the ttl.
func NewRunLock(db *sql.DB, lockName string, ttl time.Duration) *RunLock {
	return &RunLock{
		db:         db,
		lockName:   lockName,
		holder:     uuid.NewString(),
		ttl:        ttl,
		touchEvery: ttl / 4,
		now:        time.Now,
	}
}

// NewJobLock creates a run lock for a job using GenerateJobLockName.
//
// Example:
//
//	l := lock.NewJobLock(db, "bangalore_hobli_499", 6*time.Hour)
//	if err := l.AcquireOrFail(ctx); err != nil {
//	    return err
//	}
//	defer l.Release(context.Background())
func NewJobLock(db *sql.DB, jobName string, ttl time.Duration) *RunLock {
	return NewRunLock(db, GenerateJobLockName(jobName), ttl)
}

// NewAccountLock creates a run lock for a portal account. Two jobs signed in
// with the same username would evict each other's session.
func NewAccountLock(db *sql.DB, username string, ttl time.Duration) *RunLock {
	return NewRunLock(db, GenerateAccountLockName(username), ttl)
}

// GenerateJobLockName creates a consistent lock name for a job.
// Lock names follow the format: "echarvest:job:{jobName}"
func GenerateJobLockName(jobName string) string {
	return "echarvest:job:" + sanitizeLockKey(jobName)
}

// GenerateAccountLockName follows the format "echarvest:account:{username}",
// with the username lower-cased.
func GenerateAccountLockName(username string) string {
	return "echarvest:account:" + sanitizeLockKey(strings.ToLower(strings.TrimSpace(username)))
}

func sanitizeLockKey(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// TryAcquire attempts to take the lock without waiting.
// Returns true if acquired, false if another live holder owns it.
func (l *RunLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	now := l.now().Unix()

	holder, acquiredAt, found, err := l.current(ctx)
	if err != nil {
		return false, err
	}

	if !found {
		_, err := l.db.ExecContext(ctx,
			"INSERT INTO harvest_lock (job_name, holder, acquired_at) VALUES (?, ?, ?)",
			l.lockName, l.holder, now)
		if err != nil {
			// Lost an insert race against another instance.
			if _, _, exists, checkErr := l.current(ctx); checkErr == nil && exists {
				return false, nil
			}
			return false, fmt.Errorf("failed to insert run lock: %w", err)
		}
		l.held = true
		return true, nil
	}

	if holder == l.holder {
		l.held = true
		return true, nil
	}

	if l.ttl <= 0 || l.now().Sub(time.Unix(acquiredAt, 0)) < l.ttl {
		return false, nil
	}

	// Abandoned lock: take it over only if nobody else did first.
	res, err := l.db.ExecContext(ctx,
		"UPDATE harvest_lock SET holder = ?, acquired_at = ? WHERE job_name = ? AND holder = ?",
		l.holder, now, l.lockName, holder)
	if err != nil {
		return false, fmt.Errorf("failed to take over run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to take over run lock: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	l.held = true
	return true, nil
}

// AcquireOrFail takes the lock or returns ErrLockHeld.
func (l *RunLock) AcquireOrFail(ctx context.Context) error {
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q", ErrLockHeld, l.lockName)
	}
	return nil
}

// Release deletes the lock row if this instance holds it.
// Returns true if a row was removed.
func (l *RunLock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return false, nil
	}

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM harvest_lock WHERE job_name = ? AND holder = ?",
		l.lockName, l.holder)
	l.held = false
	if err != nil {
		return false, fmt.Errorf("failed to release run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release run lock: %w", err)
	}
	return n == 1, nil
}

// IsHeld returns true if this instance currently holds the lock.
func (l *RunLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// LockName returns the lock's row key.
func (l *RunLock) LockName() string {
	return l.lockName
}

// Holder returns this instance's holder id.
func (l *RunLock) Holder() string {
	return l.holder
}

// Touch moves acquired_at to now so the row is not treated as abandoned.
// If another instance took the row over, the lock is no longer held and
// ErrLockLost is returned.
func (l *RunLock) Touch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return fmt.Errorf("%w: lock %q is not held", ErrLockLost, l.lockName)
	}

	res, err := l.db.ExecContext(ctx,
		"UPDATE harvest_lock SET acquired_at = ? WHERE job_name = ? AND holder = ?",
		l.now().Unix(), l.lockName, l.holder)
	if err != nil {
		return fmt.Errorf("failed to touch run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch run lock: %w", err)
	}
	if n != 1 {
		l.held = false
		return fmt.Errorf("%w: lock %q", ErrLockLost, l.lockName)
	}
	return nil
}

// WithLock runs fn while holding the lock and releases it afterwards, even on
// panic. The row is touched in the background while fn runs; if it is lost,
// fn's context is cancelled with ErrLockLost as its cause.
func (l *RunLock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.AcquireOrFail(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
		// The run context may already be cancelled.
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRelease()
		_, _ = l.Release(releaseCtx)
	}()

	if l.ttl > 0 && l.touchEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.keepAlive(runCtx, cancel)
		}()
	}

	return fn(runCtx)
}

func (l *RunLock) keepAlive(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(l.touchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Other errors are retried on the next tick; the row only
			// expires after four missed touches.
			if err := l.Touch(ctx); errors.Is(err, ErrLockLost) {
				cancel(err)
				return
			}
		}
	}
}

func (l *RunLock) current(ctx context.Context) (holder string, acquiredAt int64, found bool, err error) {
	err = l.db.QueryRowContext(ctx,
		"SELECT holder, acquired_at FROM harvest_lock WHERE job_name = ?",
		l.lockName).Scan(&holder, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to read run lock: %w", err)
	}
	return holder, acquiredAt, true, nil
}

// IsJobRunning reports whether a live lock row exists for the job.
func IsJobRunning(ctx context.Context, db *sql.DB, jobName string, ttl time.Duration) (bool, error) {
	probe := NewJobLock(db, jobName, ttl)
	holder, acquiredAt, found, err := probe.current(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check if job %q is running: %w", jobName, err)
	}
	if !found || holder == "" {
		return false, nil
	}
	if ttl > 0 && probe.now().Sub(time.Unix(acquiredAt, 0)) >= ttl {
		return false, nil
	}
	return true, nil
}

// ForceRelease removes a job's lock row regardless of holder.
func ForceRelease(ctx context.Context, db *sql.DB, jobName string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM harvest_lock WHERE job_name = ?", GenerateJobLockName(jobName))
	if err != nil {
		return fmt.Errorf("failed to force release lock for job %q: %w", jobName, err)
	}
	return nil
}
