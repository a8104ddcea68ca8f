package bus

import "github.com/danmuck/viewhost/internal/action"

// Matcher selects the actions a listener sees.
type Matcher func(action.Action) bool

func Any() Matcher {
	return func(action.Action) bool { return true }
}

func OfType(types ...action.Type) Matcher {
	set := make(map[action.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(a action.Action) bool {
		_, ok := set[a.Type]
		return ok
	}
}

// ResponseTo matches response actions carrying id.
func ResponseTo(id string) Matcher {
	return func(a action.Action) bool {
		return a.IsResponse() && a.Meta.ID == id
	}
}

// All matches when every matcher does.
func All(ms ...Matcher) Matcher {
	return func(a action.Action) bool {
		for _, m := range ms {
			if !m(a) {
				return false
			}
		}
		return true
	}
}

// Where adapts an arbitrary predicate.
func Where(pred func(action.Action) bool) Matcher {
	return Matcher(pred)
}
