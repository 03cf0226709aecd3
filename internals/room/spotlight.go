package room

import "sort"

// spotlightCandidate is one joined peer offered to the selector, with its
// join order for deterministic padding.
type spotlightCandidate struct {
	Name     string
	JoinedAt int64 // unix nanos, ties broken by name
}

// SpotlightSelector decides which peers currently get video forwarded. It is
// pure: Recompute derives the set from its arguments alone, so the room can
// call it under its own lock without re-entrancy concerns.
type SpotlightSelector struct{}

// Recompute returns at most max peer names: the most recent entries of the
// speaker history that are still joined, padded with remaining members in
// join order (name as tie break) when fewer than max have ever spoken. The
// padding is stable, so the set does not thrash while nobody speaks.
func (SpotlightSelector) Recompute(joined []spotlightCandidate, speakers []string, max int) []string {
	if max <= 0 || len(joined) == 0 {
		return nil
	}

	member := make(map[string]bool, len(joined))
	for _, c := range joined {
		member[c.Name] = true
	}

	selected := make([]string, 0, max)
	taken := make(map[string]bool, max)
	for _, name := range speakers {
		if len(selected) == max {
			break
		}
		if member[name] && !taken[name] {
			selected = append(selected, name)
			taken[name] = true
		}
	}

	if len(selected) < max {
		rest := make([]spotlightCandidate, 0, len(joined))
		for _, c := range joined {
			if !taken[c.Name] {
				rest = append(rest, c)
			}
		}
		sort.Slice(rest, func(i, j int) bool {
			if rest[i].JoinedAt != rest[j].JoinedAt {
				return rest[i].JoinedAt < rest[j].JoinedAt
			}
			return rest[i].Name < rest[j].Name
		})
		for _, c := range rest {
			if len(selected) == max {
				break
			}
			selected = append(selected, c.Name)
		}
	}

	return selected
}

// sameSpotlights reports whether two spotlight sets contain the same peers,
// ignoring order.
func sameSpotlights(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, n := range a {
		seen[n] = true
	}
	for _, n := range b {
		if !seen[n] {
			return false
		}
	}
	return true
}
