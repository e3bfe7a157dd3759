// Package hierarchy elects one approver per organizational group from a
// directory snapshot. It has no side effects.
package hierarchy

import (
	"sort"
	"strings"
)

// Stage selects the election rules.
type Stage int

const (
	Division    Stage = 1
	SystemOwner Stage = 2
)

func (s Stage) String() string {
	switch s {
	case Division:
		return "division"
	case SystemOwner:
		return "system_owner"
	default:
		return "unknown"
	}
}

// Code is the configuration key used for per-stage settings.
func (s Stage) Code() string {
	switch s {
	case Division:
		return "DIV"
	case SystemOwner:
		return "SO"
	default:
		return ""
	}
}

// Marker is the case-insensitive position name fragment of a head candidate.
func (s Stage) Marker() string {
	switch s {
	case Division:
		return "div head"
	case SystemOwner:
		return "so head"
	default:
		return ""
	}
}

// Member is one directory row. The same person appears once per mapped
// (username, role).
type Member struct {
	Noreg         string
	Name          string
	Username      string
	RoleID        string
	DivisionID    string
	DepartmentID  string
	PositionName  string
	PositionLevel int
}

// GroupKey identifies an organizational group.
type GroupKey struct {
	DivisionID   string
	DepartmentID string
}

func (k GroupKey) less(o GroupKey) bool {
	if k.DivisionID != o.DivisionID {
		return k.DivisionID < o.DivisionID
	}
	return k.DepartmentID < o.DepartmentID
}

// Group is the election result for one GroupKey. Head is nil when no member
// qualified.
type Group struct {
	Key   GroupKey
	Head  *Member
	Staff []Member
}

// Resolve groups members by (division, department), elects a head per group
// with the rules of stage and returns the groups sorted by key.
//
// Division groups without a head candidate get no head. System owner groups
// fall back to the member with the lowest noreg.
func Resolve(stage Stage, members []Member) []Group {
	byKey := make(map[GroupKey][]Member)
	for _, m := range members {
		k := GroupKey{DivisionID: m.DivisionID, DepartmentID: m.DepartmentID}
		byKey[k] = append(byKey[k], m)
	}

	groups := make([]Group, 0, len(byKey))
	for k, ms := range byKey {
		groups = append(groups, elect(stage, k, ms))
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Key.less(groups[j].Key) })
	return groups
}

func elect(stage Stage, key GroupKey, members []Member) Group {
	ranked := make([]Member, len(members))
	copy(ranked, members)

	marker := stage.Marker()
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := IsHeadCandidate(ranked[i], marker), IsHeadCandidate(ranked[j], marker)
		if ci != cj {
			return ci
		}
		if ranked[i].PositionLevel != ranked[j].PositionLevel {
			return ranked[i].PositionLevel > ranked[j].PositionLevel
		}
		if ranked[i].Noreg != ranked[j].Noreg {
			return ranked[i].Noreg < ranked[j].Noreg
		}
		if ranked[i].Username != ranked[j].Username {
			return ranked[i].Username < ranked[j].Username
		}
		return ranked[i].RoleID < ranked[j].RoleID
	})

	group := Group{Key: key}

	var head *Member
	switch {
	case IsHeadCandidate(ranked[0], marker):
		head = &ranked[0]
	case stage == SystemOwner:
		head = lowestNoreg(ranked)
	}

	if head == nil {
		group.Staff = ranked
		return group
	}

	h := *head
	group.Head = &h
	for _, m := range ranked {
		if m.Noreg == h.Noreg {
			continue
		}
		group.Staff = append(group.Staff, m)
	}
	return group
}

func lowestNoreg(members []Member) *Member {
	best := 0
	for i := range members {
		if members[i].Noreg < members[best].Noreg {
			best = i
		}
	}
	return &members[best]
}

// IsHeadCandidate reports whether m's position name contains marker,
// ignoring case.
func IsHeadCandidate(m Member, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(m.PositionName), strings.ToLower(marker))
}
