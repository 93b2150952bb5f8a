// Package enumerator expands a search scope into the ordered list of concrete
// search units, reading only from the cached location tree.
package enumerator

import (
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/echarvest/internal/textnorm"
	"github.com/dbsmedya/echarvest/internal/types"
)

// DateLayout is the date format of scope bounds.
const DateLayout = "2006-01-02"

// Position selects one level of a scope: a specific code or all children.
// The zero Position is unset and behaves like All.
type Position struct {
	Code string
	All  bool
}

// Code selects exactly one node.
func Code(code string) Position {
	return Position{Code: textnorm.Code(code)}
}

// AllChildren expands to every child of the parent.
func AllChildren() Position {
	return Position{All: true}
}

// ParsePosition reads "all" (any case), "" (unset) or a code.
func ParsePosition(s string) Position {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Position{}
	case strings.EqualFold(s, "all"):
		return AllChildren()
	default:
		return Code(s)
	}
}

// IsSet reports whether the position was given explicitly.
func (p Position) IsSet() bool {
	return p.All || p.Code != ""
}

func (p Position) String() string {
	switch {
	case p.All:
		return "all"
	case p.Code == "":
		return "-"
	default:
		return p.Code
	}
}

// ScopeSpec is an immutable search target built by NewScope.
type ScopeSpec struct {
	positions  [4]Position
	partyName  string
	middleName string
	lastName   string
	fromDate   string
	toDate     string
}

// NewScope validates and builds a scope. The district must be given, and once
// a position is unset the deeper ones may only be unset or all.
func NewScope(district, taluka, hobli, village Position, partyName, fromDate, toDate string) (ScopeSpec, error) {
	s := ScopeSpec{
		positions: [4]Position{district, taluka, hobli, village},
		partyName: textnorm.Party(partyName),
		fromDate:  strings.TrimSpace(fromDate),
		toDate:    strings.TrimSpace(toDate),
	}

	if !district.IsSet() {
		return ScopeSpec{}, fmt.Errorf("invalid scope: district is required")
	}
	unset := types.Level(0)
	for i, p := range s.positions {
		level := types.Levels[i]
		if !p.IsSet() {
			if unset == 0 {
				unset = level
			}
			continue
		}
		if unset != 0 && !p.All {
			return ScopeSpec{}, fmt.Errorf("invalid scope: %s %q given while %s is unset", level, p.Code, unset)
		}
	}

	if s.partyName == "" {
		return ScopeSpec{}, fmt.Errorf("invalid scope: party name is required")
	}
	from, err := time.Parse(DateLayout, s.fromDate)
	if err != nil {
		return ScopeSpec{}, fmt.Errorf("invalid scope: from date %q: %w", fromDate, err)
	}
	to, err := time.Parse(DateLayout, s.toDate)
	if err != nil {
		return ScopeSpec{}, fmt.Errorf("invalid scope: to date %q: %w", toDate, err)
	}
	if from.After(to) {
		return ScopeSpec{}, fmt.Errorf("invalid scope: from date %s is after to date %s", s.fromDate, s.toDate)
	}

	return s, nil
}

// ParseScope builds a scope from config strings.
func ParseScope(district, taluka, hobli, village, partyName, fromDate, toDate string) (ScopeSpec, error) {
	return NewScope(
		ParsePosition(district),
		ParsePosition(taluka),
		ParsePosition(hobli),
		ParsePosition(village),
		partyName, fromDate, toDate,
	)
}

// Position returns the selection at level.
func (s ScopeSpec) Position(level types.Level) Position {
	if !level.Valid() {
		return Position{}
	}
	return s.positions[level-1]
}

// WithPartyNames returns a copy of s that also searches by middle and last
// name. Empty values leave those form fields blank.
func (s ScopeSpec) WithPartyNames(middle, last string) ScopeSpec {
	s.middleName = textnorm.Party(middle)
	s.lastName = textnorm.Party(last)
	return s
}

// PartyName returns the normalised first name searched for.
func (s ScopeSpec) PartyName() string { return s.partyName }

// MiddleName returns the normalised middle name, usually empty.
func (s ScopeSpec) MiddleName() string { return s.middleName }

// LastName returns the normalised last name, usually empty.
func (s ScopeSpec) LastName() string { return s.lastName }

// FullPartyName joins the names that are set.
func (s ScopeSpec) FullPartyName() string {
	return types.SearchUnit{PartyName: s.partyName, MiddleName: s.middleName, LastName: s.lastName}.FullPartyName()
}

// FromDate returns the inclusive lower date bound.
func (s ScopeSpec) FromDate() string { return s.fromDate }

// ToDate returns the inclusive upper date bound.
func (s ScopeSpec) ToDate() string { return s.toDate }

func (s ScopeSpec) String() string {
	parts := make([]string, len(s.positions))
	for i, p := range s.positions {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s party=%s %s..%s", strings.Join(parts, "/"), s.FullPartyName(), s.fromDate, s.toDate)
}
