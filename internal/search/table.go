package search

import (
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/echarvest/internal/types"
)

// Fixed leading columns of the consolidated table, filled from the unit.
const (
	ColDistrictCode = "district_code"
	ColDistrictName = "district_name"
	ColTalukaCode   = "taluk_code"
	ColTalukaName   = "taluk_name"
	ColHobliCode    = "hobli_code"
	ColHobliName    = "hobli_name"
	ColVillageCode  = "village_code"
	ColVillageName  = "village_name"
	ColPartyName    = "party_name"
	ColFromDate     = "from_date"
	ColToDate       = "to_date"
)

// FixedColumns lists the leading columns in output order.
var FixedColumns = []string{
	ColDistrictCode, ColDistrictName,
	ColTalukaCode, ColTalukaName,
	ColHobliCode, ColHobliName,
	ColVillageCode, ColVillageName,
	ColPartyName, ColFromDate, ColToDate,
}

// resultPrefix is prepended to a remote column whose name clashes with a
// fixed column.
const resultPrefix = "result_"

var fixedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(FixedColumns))
	for _, c := range FixedColumns {
		m[c] = struct{}{}
	}
	return m
}()

// Table is the consolidated, append-only result of a run. Remote columns
// are the union over all merged units in first-seen order. Cells a unit did
// not provide read as the empty marker.
type Table struct {
	emptyMarker string
	columns     *orderedmap.OrderedMap[string, struct{}]
	rows        []types.Row
}

// NewTable creates an empty table. emptyMarker fills absent cells.
func NewTable(emptyMarker string) *Table {
	return &Table{
		emptyMarker: emptyMarker,
		columns:     orderedmap.NewOrderedMap[string, struct{}](),
	}
}

// Merge appends every row of result, widening the column set as needed.
// A result with no rows adds nothing.
func (t *Table) Merge(result *types.UnitResult) {
	if result == nil {
		return
	}
	for _, c := range result.Columns {
		t.columns.Set(remoteColumn(c), struct{}{})
	}

	for _, row := range result.Rows {
		// Keys missing from Columns are added in sorted order so the
		// output does not depend on map iteration.
		var extra []string
		for k := range row {
			if _, ok := t.columns.Get(remoteColumn(k)); !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			t.columns.Set(remoteColumn(k), struct{}{})
		}

		out := fixedCells(result.Unit)
		for k, v := range row {
			out[remoteColumn(k)] = v
		}
		t.rows = append(t.rows, out)
	}
}

// Columns returns the fixed columns followed by the remote column union.
func (t *Table) Columns() []string {
	cols := make([]string, 0, len(FixedColumns)+t.columns.Len())
	cols = append(cols, FixedColumns...)
	return append(cols, t.columns.Keys()...)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Rows materializes every row in Columns order.
func (t *Table) Rows() [][]string {
	cols := t.Columns()
	out := make([][]string, 0, len(t.rows))
	for _, row := range t.rows {
		rec := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := row[c]; ok {
				rec[i] = v
			} else {
				rec[i] = t.emptyMarker
			}
		}
		out = append(out, rec)
	}
	return out
}

func remoteColumn(name string) string {
	if _, clash := fixedSet[name]; clash {
		return resultPrefix + name
	}
	return name
}

func fixedCells(u types.SearchUnit) types.Row {
	return types.Row{
		ColDistrictCode: u.District.Code,
		ColDistrictName: u.District.Name,
		ColTalukaCode:   u.Taluka.Code,
		ColTalukaName:   u.Taluka.Name,
		ColHobliCode:    u.Hobli.Code,
		ColHobliName:    u.Hobli.Name,
		ColVillageCode:  u.Village.Code,
		ColVillageName:  u.Village.Name,
		ColPartyName:    u.FullPartyName(),
		ColFromDate:     u.FromDate,
		ColToDate:       u.ToDate,
	}
}
