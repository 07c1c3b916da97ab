package interaction

import "fmt"

// Kind identifies one of the closed set of interaction types.
type Kind string

const (
	KindIlluminate Kind = "illuminate"
	KindAmen       Kind = "amen"
	KindRepost     Kind = "repost"
	KindSave       Kind = "save"
	KindPrayNow    Kind = "prayNow"
)

// allKinds is in declaration order; callers rely on it for stable iteration.
var allKinds = []Kind{KindIlluminate, KindAmen, KindRepost, KindSave, KindPrayNow}

// AllKinds returns every interaction kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a member of the enumeration.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts a string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown interaction kind %q", s)
	}
	return k, nil
}

func (k Kind) String() string {
	return string(k)
}
