package model

import (
	"strconv"
	"strings"
)

// Principal is a role, user or group that may be granted read access to an
// indexed object. Its marker is the wire form stored in
// allowed_roles_and_users.
type Principal interface {
	Marker() string
}

// Role is a named role
type Role struct {
	Name string
}

// Marker returns role:<name>
func (r Role) Marker() string {
	return "role:" + r.Name
}

// User is an authenticated account
type User struct {
	ID uint64
}

// Marker returns user:<id>
func (u User) Marker() string {
	return "user:" + strconv.FormatUint(u.ID, 10)
}

// Group is a set of users
type Group struct {
	ID uint64
}

// Marker returns group:<id>
func (g Group) Marker() string {
	return "group:" + strconv.FormatUint(g.ID, 10)
}

type anonymousUser struct{}

// Marker coerces the anonymous user to the anonymous role
func (anonymousUser) Marker() string {
	return AnonymousRole.Marker()
}

// Well-known principals
var (
	Anonymous     Principal = anonymousUser{}
	AnonymousRole           = Role{Name: "anonymous"}
	Authenticated           = Role{Name: "authenticated"}
)

// IsAnonymous reports whether p is the anonymous user or role
func IsAnonymous(p Principal) bool {
	switch v := p.(type) {
	case nil:
		return true
	case anonymousUser:
		return true
	case Role:
		return v == AnonymousRole
	}
	return false
}

// ParseMarker converts a marker back into a principal
func ParseMarker(marker string) (Principal, bool) {
	kind, value, ok := strings.Cut(marker, ":")
	if !ok || value == "" {
		return nil, false
	}
	switch kind {
	case "role":
		return Role{Name: value}, true
	case "user":
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, false
		}
		return User{ID: id}, true
	case "group":
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, false
		}
		return Group{ID: id}, true
	}
	return nil, false
}
