package scheme

import "strings"

type Group string

// Empty returns true if group is empty
func (g Group) Empty() bool {
	return len(g) == 0
}

// String puts "group" into a string, it's possible in the future for this type to change
func (g Group) String() string {
	return string(g)
}

// GroupKind specifies a Group and a Kind
type GroupKind struct {
	Group Group
	Kind  string
}

func (gk GroupKind) Empty() bool {
	return gk.Group.Empty() && len(gk.Kind) == 0
}

func (gk GroupKind) String() string {
	if len(gk.Group) == 0 {
		return gk.Kind
	}
	return gk.Group.String() + "." + gk.Kind
}

// Identifier used as uniq key in schema
func (gk GroupKind) Identifier() string {
	return gk.String()
}

// ParseGroupKind parses a string produced by GroupKind.String back into a GroupKind.
// The kind is everything after the last dot, the group is the rest.
func ParseGroupKind(s string) GroupKind {
	i := strings.LastIndex(s, ".")
	if i == -1 {
		return GroupKind{Kind: s}
	}

	return GroupKind{Group: Group(s[:i]), Kind: s[i+1:]}
}
