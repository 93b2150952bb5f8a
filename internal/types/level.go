// Package types contains shared types used across multiple packages to avoid import cycles.
package types

import (
	"fmt"
	"strings"
)

// Level identifies a tier of the administrative hierarchy.
type Level int

const (
	LevelDistrict Level = iota + 1
	LevelTaluka
	LevelHobli
	LevelVillage
)

// Levels lists every level top-down.
var Levels = []Level{LevelDistrict, LevelTaluka, LevelHobli, LevelVillage}

func (l Level) String() string {
	switch l {
	case LevelDistrict:
		return "district"
	case LevelTaluka:
		return "taluka"
	case LevelHobli:
		return "hobli"
	case LevelVillage:
		return "village"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the four known levels.
func (l Level) Valid() bool {
	return l >= LevelDistrict && l <= LevelVillage
}

// Parent returns the level directly above l, or 0 for districts.
func (l Level) Parent() Level {
	if l <= LevelDistrict || !l.Valid() {
		return 0
	}
	return l - 1
}

// Child returns the level directly below l, or 0 for villages.
func (l Level) Child() Level {
	if l >= LevelVillage || !l.Valid() {
		return 0
	}
	return l + 1
}

// ParseLevel converts a level name ("district", "taluk", "taluka", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "district":
		return LevelDistrict, nil
	case "taluka", "taluk":
		return LevelTaluka, nil
	case "hobli":
		return LevelHobli, nil
	case "village":
		return LevelVillage, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// LocationNode is one cached entry of the District/Taluka/Hobli/Village tree.
// ParentCode is empty for districts.
type LocationNode struct {
	Code       string
	Name       string
	Level      Level
	ParentCode string
}

// Location returns the code/name pair of the node.
func (n LocationNode) Location() Location {
	return Location{Code: n.Code, Name: n.Name}
}
