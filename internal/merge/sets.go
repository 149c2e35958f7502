package merge

import "sort"

// stringSet is a membership index over strings.
type stringSet map[string]struct{}

func setOf(items ...[]string) stringSet {
	s := make(stringSet)
	for _, list := range items {
		for _, v := range list {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s stringSet) add(v string) { s[v] = struct{}{} }

// orderedSet is an insertion-ordered string set.
type orderedSet struct {
	items []string
	index stringSet
}

func newOrderedSet(items []string) *orderedSet {
	o := &orderedSet{index: make(stringSet)}
	o.addAll(items)
	return o
}

func (o *orderedSet) add(v string) bool {
	if o.index.has(v) {
		return false
	}
	o.index.add(v)
	o.items = append(o.items, v)
	return true
}

func (o *orderedSet) addAll(items []string) {
	for _, v := range items {
		o.add(v)
	}
}

func (o *orderedSet) has(v string) bool { return o.index.has(v) }

func (o *orderedSet) remove(v string) {
	if !o.index.has(v) {
		return
	}
	delete(o.index, v)
	for i, item := range o.items {
		if item == v {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return
		}
	}
}

func (o *orderedSet) removeAll(items []string) {
	for _, v := range items {
		o.remove(v)
	}
}

func (o *orderedSet) slice() []string {
	return append([]string{}, o.items...)
}

// minus returns the items of a not in b, in a's order, without duplicates.
func minus(a, b []string) []string {
	drop := setOf(b)
	out := newOrderedSet(nil)
	for _, v := range a {
		if !drop.has(v) {
			out.add(v)
		}
	}
	return out.slice()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
