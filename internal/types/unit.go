package types

import "strings"

// Location is a resolved code/name pair at one level of a search unit.
type Location struct {
	Code string
	Name string
}

// SearchUnit is one fully concrete query sent to the remote search endpoint.
// Units are produced by the enumerator and never mutated afterwards.
type SearchUnit struct {
	District   Location
	Taluka     Location
	Hobli      Location
	Village    Location
	PartyName  string // first name field of the search form
	MiddleName string
	LastName   string
	FromDate   string
	ToDate     string
}

// Key returns the identifying tuple of the unit as a single string.
// Two units with equal keys are the same unit. Middle and last names are
// appended only when set.
func (u SearchUnit) Key() string {
	parts := []string{
		u.District.Code, u.Taluka.Code, u.Hobli.Code, u.Village.Code,
		u.PartyName, u.FromDate, u.ToDate,
	}
	if u.MiddleName != "" || u.LastName != "" {
		parts = append(parts, u.MiddleName, u.LastName)
	}
	return strings.Join(parts, "|")
}

// FullPartyName joins the first, middle and last names that are set.
func (u SearchUnit) FullPartyName() string {
	return joinNames(u.PartyName, u.MiddleName, u.LastName)
}

func joinNames(names ...string) string {
	parts := names[:0:0]
	for _, n := range names {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}

// Path renders the location path using names, falling back to codes.
func (u SearchUnit) Path() string {
	parts := make([]string, 0, 4)
	for _, loc := range []Location{u.District, u.Taluka, u.Hobli, u.Village} {
		if loc.Name != "" {
			parts = append(parts, loc.Name)
		} else {
			parts = append(parts, loc.Code)
		}
	}
	return strings.Join(parts, " / ")
}

// Row is one result record, column name to cell value.
type Row map[string]string

// UnitResult holds the rows returned for one unit. Columns carries the order in
// which the remote listed the fields; it may differ between units.
type UnitResult struct {
	Unit    SearchUnit
	Rows    []Row
	Columns []string
}
