// Package harvest drives a bulk search run: it resolves the job scope into
// units, keeps the portal session usable, runs each unit and collects the
// consolidated table together with a manifest of what happened.
package harvest

import (
	"fmt"

	"github.com/dbsmedya/echarvest/internal/types"
)

// UnitFailure is a unit that produced no rows, and why.
type UnitFailure struct {
	Unit   types.SearchUnit
	Kind   string
	Reason string
}

// Manifest accounts for every unit of a run. Succeeded, Failed and Skipped
// are disjoint; units not reached before an interruption appear in none.
type Manifest struct {
	Units     int
	Succeeded []types.SearchUnit
	Failed    []UnitFailure
	Skipped   []types.SearchUnit
	Warnings  []string
}

func (m *Manifest) succeed(u types.SearchUnit) {
	m.Succeeded = append(m.Succeeded, u)
}

func (m *Manifest) fail(u types.SearchUnit, kind, reason string) {
	m.Failed = append(m.Failed, UnitFailure{Unit: u, Kind: kind, Reason: reason})
}

func (m *Manifest) skip(u types.SearchUnit) {
	m.Skipped = append(m.Skipped, u)
}

func (m *Manifest) warn(format string, args ...interface{}) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

// Processed is the number of units with an outcome.
func (m *Manifest) Processed() int {
	return len(m.Succeeded) + len(m.Failed) + len(m.Skipped)
}

// Remaining is the number of units never reached.
func (m *Manifest) Remaining() int {
	return m.Units - m.Processed()
}

// EventKind is the outcome reported for one unit.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventSkipped   EventKind = "skipped"
	EventRequeued  EventKind = "requeued"
)

// Event is passed to the progress callback.
type Event struct {
	Kind  EventKind
	Unit  types.SearchUnit
	Index int // 1-based position in enumeration order
	Total int
	Rows  int
	Err   error
}

// ProgressFunc observes unit outcomes. It runs on the harvest goroutine.
type ProgressFunc func(Event)
