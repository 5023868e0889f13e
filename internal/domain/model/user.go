// Package model contains domain models passed between layers.
package model

import (
	"strconv"
	"strings"
)

// WorldUserID is the store-level id of the world aggregate pseudo-user.
const WorldUserID = "0"

// UserKind distinguishes real users from aggregate pseudo-users.
type UserKind uint8

const (
	// RealUser is an individual player.
	RealUser UserKind = iota
	// AreaUser aggregates the best scores of one geographic area.
	AreaUser
	// WorldUser aggregates the best scores of every public player.
	WorldUser
)

// UserID identifies the owner of a score record. Aggregate identities share the
// record space with real users and are collapsed to plain strings only at the
// store edge via String.
type UserID struct {
	kind UserKind
	id   string
	area int
}

// Real returns the identity of an individual player.
func Real(id string) UserID { return UserID{kind: RealUser, id: id} }

// Area returns the aggregate identity of an area.
func Area(code int) UserID { return UserID{kind: AreaUser, area: code} }

// World returns the world aggregate identity.
func World() UserID { return UserID{kind: WorldUser} }

// ParseUserID maps a stored owner id back to its identity: "0" is the world
// pseudo-user, any other purely numeric id is an area pseudo-user.
func ParseUserID(s string) UserID {
	if s == WorldUserID {
		return World()
	}
	if isNumeric(s) {
		code, err := strconv.Atoi(s)
		if err == nil {
			return Area(code)
		}
	}
	return Real(s)
}

// Kind reports which identity variant u is.
func (u UserID) Kind() UserKind { return u.kind }

// IsAggregate reports whether u is an area or world pseudo-user.
func (u UserID) IsAggregate() bool { return u.kind != RealUser }

// AreaCode returns the area code of an area pseudo-user.
func (u UserID) AreaCode() (int, bool) {
	if u.kind != AreaUser {
		return 0, false
	}
	return u.area, true
}

// String returns the store-level representation.
func (u UserID) String() string {
	switch u.kind {
	case WorldUser:
		return WorldUserID
	case AreaUser:
		return strconv.Itoa(u.area)
	default:
		return u.id
	}
}

// IsAggregateUserID reports whether a store-level owner id denotes a pseudo-user.
func IsAggregateUserID(s string) bool {
	return ParseUserID(s).IsAggregate()
}

// ValidRealUserID reports whether s can be used as a real user's id, i.e. it is
// non-empty and cannot be mistaken for an aggregate id.
func ValidRealUserID(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !isNumeric(s)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// User is the submitting player as seen by the ingestion core. AreaCode 0
// means the player has no area.
type User struct {
	ID       string
	Name     string
	AreaCode int
	IsPublic bool
}
