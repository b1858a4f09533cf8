package usage

// GroupInfo identifies a permission group observable in the current
// dataset.
type GroupInfo struct {
	ID    string
	Label string
}

// Index is rebuilt on every derivation from the entries surviving
// the time and system filters, before the group filter is applied,
// so its counts reflect all groups rather than only the selected one.
type Index struct {
	groups []GroupInfo
	byID   map[string]int
	counts map[string]int
}

type appGroupKey struct {
	app   string
	group string
}

// buildIndex records each entry's group (deduplicated by first
// occurrence) and counts distinct apps per group. The "" key counts
// distinct apps with at least one entry of any group.
func buildIndex(entries []Entry) *Index {
	ix := &Index{
		byID:   make(map[string]int),
		counts: make(map[string]int),
	}

	seenPair := make(map[appGroupKey]bool)
	seenApp := make(map[string]bool)
	for _, e := range entries {
		if _, ok := ix.byID[e.Group]; !ok {
			ix.byID[e.Group] = len(ix.groups)
			ix.groups = append(ix.groups, GroupInfo{ID: e.Group, Label: e.GroupLabel})
		}
		pair := appGroupKey{e.AppKey, e.Group}
		if !seenPair[pair] {
			seenPair[pair] = true
			ix.counts[e.Group]++
		}
		if !seenApp[e.AppKey] {
			seenApp[e.AppKey] = true
			ix.counts[""]++
		}
	}
	return ix
}

// Groups returns the distinct groups in first-occurrence order.
func (ix *Index) Groups() []GroupInfo {
	return ix.groups
}

// Lookup returns the group with the given id, if present.
func (ix *Index) Lookup(id string) (GroupInfo, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return GroupInfo{}, false
	}
	return ix.groups[i], true
}

// Count returns the distinct-app count for a group id, or the
// any-group count for "".
func (ix *Index) Count(id string) int {
	return ix.counts[id]
}

// Counts returns a copy of the per-group distinct-app counts.
func (ix *Index) Counts() map[string]int {
	out := make(map[string]int, len(ix.counts))
	for k, v := range ix.counts {
		out[k] = v
	}
	return out
}
