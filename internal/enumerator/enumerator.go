package enumerator

import (
	"errors"
	"fmt"

	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/types"
)

// ErrIncompleteHierarchy is matched by every *IncompleteHierarchyError.
var ErrIncompleteHierarchy = errors.New("incomplete location hierarchy")

// IncompleteHierarchyError names the child list that is missing, stale or
// lacks the requested code. Refreshing (Level, Parent) fixes it.
type IncompleteHierarchyError struct {
	Level  types.Level
	Parent string
	Code   string
	Stale  bool
}

func (e *IncompleteHierarchyError) Error() string {
	where := e.Level.String()
	if e.Parent != "" {
		where = fmt.Sprintf("%s under %s", e.Level, e.Parent)
	}
	switch {
	case e.Code != "":
		return fmt.Sprintf("%v: %s %q not found in cached %s list", ErrIncompleteHierarchy, e.Level, e.Code, where)
	case e.Stale:
		return fmt.Sprintf("%v: cached %s list is stale", ErrIncompleteHierarchy, where)
	default:
		return fmt.Sprintf("%v: %s list was never fetched", ErrIncompleteHierarchy, where)
	}
}

// Is makes errors.Is(err, ErrIncompleteHierarchy) true.
func (e *IncompleteHierarchyError) Is(target error) bool {
	return target == ErrIncompleteHierarchy
}

// Snapshot is the read side of the location cache.
type Snapshot interface {
	Lookup(level types.Level, parentCode string) ([]types.LocationNode, hierarchy.Status, bool)
}

// Expand resolves scope against the cached tree into search units ordered
// district, taluka, hobli, village, each in portal order. It never fetches.
// Either every required list is present and fresh or it returns an
// *IncompleteHierarchyError and no units. Zero units is not an error.
func Expand(scope ScopeSpec, store Snapshot) ([]types.SearchUnit, error) {
	var (
		units []types.SearchUnit
		seen  = make(map[string]struct{})
		path  [4]types.Location
	)

	var walk func(level types.Level, parent string) error
	walk = func(level types.Level, parent string) error {
		nodes, err := choose(store, level, parent, scope.Position(level))
		if err != nil {
			return err
		}
		for _, n := range nodes {
			path[level-1] = n.Location()
			if level < types.LevelVillage {
				if err := walk(level.Child(), n.Code); err != nil {
					return err
				}
				continue
			}

			unit := types.SearchUnit{
				District:   path[0],
				Taluka:     path[1],
				Hobli:      path[2],
				Village:    path[3],
				PartyName:  scope.PartyName(),
				MiddleName: scope.MiddleName(),
				LastName:   scope.LastName(),
				FromDate:   scope.FromDate(),
				ToDate:     scope.ToDate(),
			}
			if _, dup := seen[unit.Key()]; dup {
				continue
			}
			seen[unit.Key()] = struct{}{}
			units = append(units, unit)
		}
		return nil
	}

	if err := walk(types.LevelDistrict, ""); err != nil {
		return nil, err
	}
	return units, nil
}

func choose(store Snapshot, level types.Level, parent string, pos Position) ([]types.LocationNode, error) {
	nodes, status, ok := store.Lookup(level, parent)
	if !ok {
		return nil, &IncompleteHierarchyError{Level: level, Parent: parent}
	}
	if status == hierarchy.StatusStale {
		return nil, &IncompleteHierarchyError{Level: level, Parent: parent, Stale: true}
	}

	if !pos.IsSet() || pos.All {
		return nodes, nil
	}
	for _, n := range nodes {
		if n.Code == pos.Code {
			return []types.LocationNode{n}, nil
		}
	}
	return nil, &IncompleteHierarchyError{Level: level, Parent: parent, Code: pos.Code}
}
