package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/types"
)

func unitFor(village string) types.SearchUnit {
	u := testUnit()
	u.Village = types.Location{Code: village, Name: "Village " + village}
	return u
}

func withFixed(cols ...string) []string {
	return append(append([]string{}, FixedColumns...), cols...)
}

func TestTable_Empty(t *testing.T) {
	tbl := NewTable("")
	assert.Equal(t, FixedColumns, tbl.Columns())
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Rows())
}

func TestTable_DisjointColumns(t *testing.T) {
	tbl := NewTable("-")
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V1"),
		Rows:    []types.Row{{"colA": "a1"}},
		Columns: []string{"colA"},
	})
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V2"),
		Rows:    []types.Row{{"colB": "b2"}},
		Columns: []string{"colB"},
	})

	assert.Equal(t, withFixed("colA", "colB"), tbl.Columns())
	rows := tbl.Rows()
	require.Len(t, rows, 2)

	n := len(FixedColumns)
	assert.Equal(t, []string{"a1", "-"}, rows[0][n:])
	assert.Equal(t, []string{"-", "b2"}, rows[1][n:])
}

func TestTable_ThreeVillageScenario(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{Unit: unitFor("V1"), Rows: []types.Row{{"colA": "x"}}, Columns: []string{"colA"}})
	tbl.Merge(&types.UnitResult{Unit: unitFor("V2"), Rows: []types.Row{{"colA": "y", "colB": "z"}}, Columns: []string{"colA", "colB"}})
	tbl.Merge(&types.UnitResult{Unit: unitFor("V3"), Rows: []types.Row{{}}})

	assert.Equal(t, withFixed("colA", "colB"), tbl.Columns())
	rows := tbl.Rows()
	require.Len(t, rows, 3)

	n := len(FixedColumns)
	assert.Equal(t, []string{"x", ""}, rows[0][n:])
	assert.Equal(t, []string{"y", "z"}, rows[1][n:])
	assert.Equal(t, []string{"", ""}, rows[2][n:])

	assert.Equal(t, "2", rows[0][0])
	assert.Equal(t, "Bangalore", rows[0][1])
	assert.Equal(t, "V3", rows[2][6])
	assert.Equal(t, "Village V3", rows[2][7])
	assert.Equal(t, "RAMESH", rows[2][8])
	assert.Equal(t, "2020-01-01", rows[2][9])
	assert.Equal(t, "2020-12-31", rows[2][10])
}

func TestTable_NoRowsAddsNothing(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{Unit: unitFor("V1")})
	tbl.Merge(nil)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_ColumnOrderFirstSeen(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V1"),
		Rows:    []types.Row{{"Doc No": "1", "Executant": "A", "Claimant": "B"}},
		Columns: []string{"Doc No", "Executant", "Claimant"},
	})
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V2"),
		Rows:    []types.Row{{"Claimant": "C", "Nature": "Sale", "Doc No": "2"}},
		Columns: []string{"Claimant", "Nature", "Doc No"},
	})

	assert.Equal(t, withFixed("Doc No", "Executant", "Claimant", "Nature"), tbl.Columns())
}

func TestTable_KeysOutsideColumnOrderAreKept(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V1"),
		Rows:    []types.Row{{"a": "1", "z": "26", "m": "13"}},
		Columns: []string{"a"},
	})

	assert.Equal(t, withFixed("a", "m", "z"), tbl.Columns())
	assert.Equal(t, []string{"1", "13", "26"}, tbl.Rows()[0][len(FixedColumns):])
}

func TestTable_NeverDropsColumns(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{Unit: unitFor("V1"), Rows: []types.Row{{"a": "1", "b": "2"}}, Columns: []string{"a", "b"}})
	tbl.Merge(&types.UnitResult{Unit: unitFor("V2"), Rows: []types.Row{{"c": "3"}}, Columns: []string{"c"}})
	tbl.Merge(&types.UnitResult{Unit: unitFor("V3"), Rows: []types.Row{{}}})

	assert.Equal(t, withFixed("a", "b", "c"), tbl.Columns())
	for _, row := range tbl.Rows() {
		assert.Len(t, row, len(FixedColumns)+3)
	}
}

func TestTable_FixedNameClash(t *testing.T) {
	tbl := NewTable("")
	tbl.Merge(&types.UnitResult{
		Unit:    unitFor("V1"),
		Rows:    []types.Row{{"party_name": "SOMEONE ELSE"}},
		Columns: []string{"party_name"},
	})

	assert.Equal(t, withFixed("result_party_name"), tbl.Columns())
	row := tbl.Rows()[0]
	assert.Equal(t, "RAMESH", row[8])
	assert.Equal(t, "SOMEONE ELSE", row[len(FixedColumns)])
}
