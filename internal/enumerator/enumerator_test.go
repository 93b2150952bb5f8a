package enumerator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/types"
)

type listKey struct {
	level  types.Level
	parent string
}

type fakeSnapshot struct {
	lists map[listKey][]types.LocationNode
	stale map[listKey]bool
}

func (f *fakeSnapshot) Lookup(level types.Level, parent string) ([]types.LocationNode, hierarchy.Status, bool) {
	k := listKey{level, parent}
	nodes, ok := f.lists[k]
	if !ok {
		return nil, "", false
	}
	if f.stale[k] {
		return nodes, hierarchy.StatusStale, true
	}
	return nodes, hierarchy.StatusFresh, true
}

func (f *fakeSnapshot) add(level types.Level, parent string, codes ...string) {
	k := listKey{level, parent}
	if _, ok := f.lists[k]; !ok {
		f.lists[k] = []types.LocationNode{}
	}
	for _, c := range codes {
		f.lists[k] = append(f.lists[k], types.LocationNode{
			Code: c, Name: "name-" + c, Level: level, ParentCode: parent,
		})
	}
}

// bangalore returns district 2 > taluka 113 > hobli 499 > V1,V2,V3 plus a
// sibling hobli 500 with two villages.
func bangalore() *fakeSnapshot {
	f := &fakeSnapshot{lists: map[listKey][]types.LocationNode{}, stale: map[listKey]bool{}}
	f.add(types.LevelDistrict, "", "2", "7")
	f.add(types.LevelTaluka, "2", "113")
	f.add(types.LevelHobli, "113", "499", "500")
	f.add(types.LevelVillage, "499", "V1", "V2", "V3")
	f.add(types.LevelVillage, "500", "W1", "W2")
	return f
}

func mustScope(t *testing.T, d, tk, h, v string) ScopeSpec {
	t.Helper()
	s, err := ParseScope(d, tk, h, v, "krishnappa", "2003-01-01", "2024-01-01")
	require.NoError(t, err)
	return s
}

func villageCodes(units []types.SearchUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Village.Code
	}
	return out
}

// ============================================================================
// ScopeSpec
// ============================================================================

func TestNewScope_Validation(t *testing.T) {
	tests := []struct {
		name    string
		d, tk   string
		h, v    string
		party   string
		from    string
		to      string
		wantErr string
	}{
		{"ok", "2", "113", "499", "V1", "x", "2003-01-01", "2003-01-01", ""},
		{"unset tail", "2", "", "", "", "x", "2003-01-01", "2004-01-01", ""},
		{"unset then all", "2", "", "all", "ALL", "x", "2003-01-01", "2004-01-01", ""},
		{"missing district", "", "113", "", "", "x", "2003-01-01", "2004-01-01", "district is required"},
		{"skips taluka", "2", "", "499", "", "x", "2003-01-01", "2004-01-01", "hobli \"499\" given while taluka is unset"},
		{"skips hobli", "2", "113", "", "V1", "x", "2003-01-01", "2004-01-01", "village \"V1\" given while hobli is unset"},
		{"no party", "2", "", "", "", "  ", "2003-01-01", "2004-01-01", "party name is required"},
		{"bad date", "2", "", "", "", "x", "01-01-2003", "2004-01-01", "from date"},
		{"reversed", "2", "", "", "", "x", "2005-01-01", "2004-01-01", "is after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScope(tt.d, tt.tk, tt.h, tt.v, tt.party, tt.from, tt.to)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScope_Normalises(t *testing.T) {
	s, err := ParseScope(" 2 ", "all", "", "", "  krishna   ppa ", "2003-01-01", "2024-01-01")
	require.NoError(t, err)

	assert.Equal(t, "2", s.Position(types.LevelDistrict).Code)
	assert.True(t, s.Position(types.LevelTaluka).All)
	assert.False(t, s.Position(types.LevelHobli).IsSet())
	assert.Equal(t, "krishna ppa", s.PartyName(), "case is kept as typed")
	assert.Equal(t, "2/all/-/- party=krishna ppa 2003-01-01..2024-01-01", s.String())
}

func TestScope_WithPartyNames(t *testing.T) {
	base := mustScope(t, "2", "113", "499", "V2")
	s := base.WithPartyNames("  K ", "Gowda")

	assert.Equal(t, "krishnappa", s.PartyName())
	assert.Equal(t, "K", s.MiddleName())
	assert.Equal(t, "Gowda", s.LastName())
	assert.Equal(t, "krishnappa K Gowda", s.FullPartyName())
	assert.Empty(t, base.LastName(), "the original scope is unchanged")

	units, err := Expand(s, bangalore())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "K", units[0].MiddleName)
	assert.Equal(t, "Gowda", units[0].LastName)
}

// ============================================================================
// Expand
// ============================================================================

func TestExpand_NoAllYieldsOneUnit(t *testing.T) {
	units, err := Expand(mustScope(t, "2", "113", "499", "V2"), bangalore())
	require.NoError(t, err)
	require.Len(t, units, 1)

	u := units[0]
	assert.Equal(t, "2", u.District.Code)
	assert.Equal(t, "name-113", u.Taluka.Name)
	assert.Equal(t, "499", u.Hobli.Code)
	assert.Equal(t, "V2", u.Village.Code)
	assert.Equal(t, "krishnappa", u.PartyName)
	assert.Empty(t, u.MiddleName)
	assert.Empty(t, u.LastName)
	assert.Equal(t, "2003-01-01", u.FromDate)
	assert.Equal(t, "2024-01-01", u.ToDate)
}

func TestExpand_VillageAllPreservesCacheOrder(t *testing.T) {
	snap := bangalore()
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d villages", n), func(t *testing.T) {
			hobli := fmt.Sprintf("h%d", n)
			snap.add(types.LevelHobli, "113", hobli)
			var want []string
			for i := n; i > 0; i-- {
				want = append(want, fmt.Sprintf("v%d", i))
			}
			snap.add(types.LevelVillage, hobli, want...)

			units, err := Expand(mustScope(t, "2", "113", hobli, "all"), snap)
			require.NoError(t, err)
			assert.Len(t, units, n)
			if n > 0 {
				assert.Equal(t, want, villageCodes(units))
			}
		})
	}
}

func TestExpand_CartesianOrder(t *testing.T) {
	units, err := Expand(mustScope(t, "2", "113", "all", "all"), bangalore())
	require.NoError(t, err)
	assert.Equal(t, []string{"V1", "V2", "V3", "W1", "W2"}, villageCodes(units))
	assert.Equal(t, "500", units[3].Hobli.Code)
}

func TestExpand_UnsetMeansAll(t *testing.T) {
	units, err := Expand(mustScope(t, "2", "113", "", ""), bangalore())
	require.NoError(t, err)
	assert.Len(t, units, 5)
}

func TestExpand_IncompleteHierarchy(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(f *fakeSnapshot)
		scope     [4]string
		wantLevel types.Level
		wantCode  string
		wantStale bool
	}{
		{
			name:      "village list never fetched",
			mutate:    func(f *fakeSnapshot) { delete(f.lists, listKey{types.LevelVillage, "500"}) },
			scope:     [4]string{"2", "113", "all", "all"},
			wantLevel: types.LevelVillage,
		},
		{
			name:      "stale hobli list",
			mutate:    func(f *fakeSnapshot) { f.stale[listKey{types.LevelHobli, "113"}] = true },
			scope:     [4]string{"2", "113", "499", "V1"},
			wantLevel: types.LevelHobli,
			wantStale: true,
		},
		{
			name:      "unknown code",
			mutate:    func(f *fakeSnapshot) {},
			scope:     [4]string{"2", "113", "999", "all"},
			wantLevel: types.LevelHobli,
			wantCode:  "999",
		},
		{
			name:      "empty cache",
			mutate:    func(f *fakeSnapshot) { f.lists = map[listKey][]types.LocationNode{} },
			scope:     [4]string{"all", "", "", ""},
			wantLevel: types.LevelDistrict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := bangalore()
			tt.mutate(snap)

			units, err := Expand(mustScope(t, tt.scope[0], tt.scope[1], tt.scope[2], tt.scope[3]), snap)
			assert.Nil(t, units, "never a partial list")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompleteHierarchy))

			var ih *IncompleteHierarchyError
			require.ErrorAs(t, err, &ih)
			assert.Equal(t, tt.wantLevel, ih.Level)
			assert.Equal(t, tt.wantCode, ih.Code)
			assert.Equal(t, tt.wantStale, ih.Stale)
		})
	}
}

func TestExpand_EmptyChildrenIsZeroUnits(t *testing.T) {
	snap := bangalore()
	snap.add(types.LevelTaluka, "7")

	units, err := Expand(mustScope(t, "7", "all", "all", "all"), snap)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestExpand_Deduplicates(t *testing.T) {
	snap := bangalore()
	snap.add(types.LevelVillage, "499", "V2")

	units, err := Expand(mustScope(t, "2", "113", "499", "all"), snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"V1", "V2", "V3"}, villageCodes(units))
}

func TestIncompleteHierarchyError_Message(t *testing.T) {
	err := &IncompleteHierarchyError{Level: types.LevelVillage, Parent: "499", Code: "V9"}
	assert.Contains(t, err.Error(), `village "V9" not found`)
	assert.Contains(t, (&IncompleteHierarchyError{Level: types.LevelDistrict}).Error(), "never fetched")
}
