package usage

import (
	"math"
	"slices"
	"strings"

	"github.com/permview/permview/internal/catalog"
	"github.com/permview/permview/internal/timeutil"
)

// groupSeparator joins the permission labels in an app group summary.
const groupSeparator = ", "

// Engine derives view models from a usage dataset. It is stateless
// apart from the window catalog it was built with.
type Engine struct {
	Windows []catalog.Window
}

// Derivation is the output of one engine run: the view model plus
// the rebuilt index over the pre-group-filter entries.
type Derivation struct {
	ViewModel *ViewModel
	Index     *Index
}

// Derive computes the view model for one dataset and parameter set.
// Deterministic: identical inputs produce structurally identical
// output, and ordering ties are broken by ingestion index, never by
// incidental input order.
func (e *Engine) Derive(d *Dataset, p Params, nowMillis int64) Derivation {
	w := e.window(p.TimeIndex)
	cutoff := int64(math.MinInt64)
	if !w.Unbounded() {
		cutoff = nowMillis - w.DurationMillis
	}

	// Filter pass. Records with non-positive counts or timestamps in
	// the future cannot be "used" and are dropped here rather than
	// surfaced as errors. hasSystem tracks the pre-system-filter set
	// so the show-system toggle can be offered either way.
	var entries []Entry
	hasSystem := false
	for ai := range d.Apps {
		app := &d.Apps[ai]
		for ri := range app.Records {
			rec := &app.Records[ri]
			if rec.Count <= 0 || rec.LastAccess < cutoff || rec.LastAccess > nowMillis {
				continue
			}
			if !rec.UserSensitive {
				hasSystem = true
				if !p.ShowSystem {
					continue
				}
			}
			entries = append(entries, Entry{
				AppKey:     app.Key,
				AppLabel:   app.Key,
				Group:      rec.Group,
				GroupLabel: rec.GroupLabel,
				LastAccess: rec.LastAccess,
				Count:      rec.Count,
				seq:        rec.seq,
			})
		}
	}

	// Index before the group filter so counts cover all groups.
	ix := buildIndex(entries)

	if p.Group != "" {
		kept := entries[:0]
		for _, en := range entries {
			if en.Group == p.Group {
				kept = append(kept, en)
			}
		}
		entries = kept
	}

	annotateApps(entries)

	if p.Sort == SortRecent {
		slices.SortFunc(entries, compareRecent)
	} else {
		slices.SortFunc(entries, compareAppRecent)
	}

	for i := range entries {
		entries[i].TimeLabel = timeutil.LastAccessLabel(nowMillis, entries[i].LastAccess)
	}

	vm := &ViewModel{
		ListTitle:     w.ListTitle,
		Groups:        groupEntries(entries, p.Sort),
		HasSystemApps: hasSystem,
		GroupCounts:   ix.Counts(),
	}
	if p.Group != "" {
		if gi, ok := ix.Lookup(p.Group); ok {
			vm.FilterLabel = gi.Label
		}
	}
	return Derivation{ViewModel: vm, Index: ix}
}

func (e *Engine) window(index int) catalog.Window {
	if index < 0 || index >= len(e.Windows) {
		index = 0
	}
	return e.Windows[index]
}

// annotateApps stamps every entry with its app's most recent access
// among the surviving entries and the app's earliest ingestion
// index, which breaks ties between apps with equal recency.
func annotateApps(entries []Entry) {
	type appAgg struct {
		latest int64
		order  int
	}
	aggs := make(map[string]appAgg, len(entries))
	for _, en := range entries {
		agg, ok := aggs[en.AppKey]
		if !ok {
			aggs[en.AppKey] = appAgg{latest: en.LastAccess, order: en.seq}
			continue
		}
		if en.LastAccess > agg.latest {
			agg.latest = en.LastAccess
		}
		if en.seq < agg.order {
			agg.order = en.seq
		}
		aggs[en.AppKey] = agg
	}
	for i := range entries {
		agg := aggs[entries[i].AppKey]
		entries[i].appLatest = agg.latest
		entries[i].appOrder = agg.order
	}
}

// compareRecent orders by access time descending, ingestion index
// ascending on ties so equal-keyed entries are never lost or
// reordered between runs.
func compareRecent(x, y Entry) int {
	if c := compareDesc(x.LastAccess, y.LastAccess); c != 0 {
		return c
	}
	return x.seq - y.seq
}

// compareAppRecent produces app-major, recency-minor ordering:
// entries of one app compare by their own access times, entries of
// different apps by the owning apps' most recent access.
func compareAppRecent(x, y Entry) int {
	if x.AppKey == y.AppKey {
		if c := compareDesc(x.LastAccess, y.LastAccess); c != 0 {
			return c
		}
		return x.seq - y.seq
	}
	if c := compareDesc(x.appLatest, y.appLatest); c != 0 {
		return c
	}
	return x.appOrder - y.appOrder
}

func compareDesc(x, y int64) int {
	switch {
	case x > y:
		return -1
	case x < y:
		return 1
	default:
		return 0
	}
}

// groupEntries walks the sorted sequence and starts a new app group
// whenever the app changes, or, in recency sort, whenever the
// formatted access-time label changes. The latter re-buckets one
// app's accesses that land in different time buckets; two different
// apps sharing a label are never merged.
func groupEntries(entries []Entry, mode SortMode) []AppGroup {
	var groups []AppGroup
	for _, en := range entries {
		split := len(groups) == 0
		if !split {
			last := &groups[len(groups)-1]
			prev := last.Entries[len(last.Entries)-1]
			split = last.AppKey != en.AppKey ||
				(mode == SortRecent && prev.TimeLabel != en.TimeLabel)
		}
		if split {
			g := AppGroup{AppKey: en.AppKey, AppLabel: en.AppLabel}
			if mode == SortRecent {
				g.TimeLabel = en.TimeLabel
			}
			groups = append(groups, g)
		}
		last := &groups[len(groups)-1]
		last.Entries = append(last.Entries, en)
	}

	for i := range groups {
		labels := make([]string, len(groups[i].Entries))
		for j, en := range groups[i].Entries {
			labels[j] = en.GroupLabel
		}
		groups[i].Summary = strings.Join(labels, groupSeparator)
	}
	return groups
}
