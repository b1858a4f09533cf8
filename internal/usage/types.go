// Package usage holds the permission-usage data model and the
// aggregation engine that derives the displayed view from it.
package usage

import (
	"encoding/json"
	"fmt"
)

// SortMode selects the ordering of surviving accesses.
type SortMode int

const (
	// SortRecent orders accesses purely by recency.
	SortRecent SortMode = iota + 1
	// SortRecentApps keeps each app's accesses contiguous, with apps
	// ordered by their own most recent access.
	SortRecentApps
)

func (m SortMode) String() string {
	switch m {
	case SortRecent:
		return "recent"
	case SortRecentApps:
		return "recent_apps"
	default:
		return fmt.Sprintf("SortMode(%d)", int(m))
	}
}

// MarshalJSON encodes the mode as its string name.
func (m SortMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a string mode name.
func (m *SortMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "recent":
		*m = SortRecent
	case "recent_apps":
		*m = SortRecentApps
	default:
		return fmt.Errorf("unknown sort mode %q", s)
	}
	return nil
}

// Record is one app's aggregated access of a permission group. The
// engine never mutates records; seq is the ingestion index assigned
// by Dataset.Seal and used as the stable sort tie-break.
type Record struct {
	Group         string
	GroupLabel    string
	LastAccess    int64 // unix millis
	Count         int
	UserSensitive bool

	seq int
}

// AppUsage is one app's collection of records in the current dataset.
type AppUsage struct {
	Key     string
	Records []Record
}

// Dataset is a wholesale snapshot of usage data. Datasets replace
// each other; there are no merge semantics.
type Dataset struct {
	Apps []AppUsage
}

// Seal assigns ingestion indexes to every record. Call once after
// the dataset is fully built and before deriving from it.
func (d *Dataset) Seal() {
	seq := 0
	for i := range d.Apps {
		recs := d.Apps[i].Records
		for j := range recs {
			recs[j].seq = seq
			seq++
		}
	}
}

// HasGroup reports whether any record in the dataset belongs to the
// given permission group. Used to validate a restored filter
// selection against freshly loaded data.
func (d *Dataset) HasGroup(id string) bool {
	for i := range d.Apps {
		for _, r := range d.Apps[i].Records {
			if r.Group == id {
				return true
			}
		}
	}
	return false
}

// Params are the user-controlled view parameters.
type Params struct {
	TimeIndex  int      `json:"time_index"`
	Group      string   `json:"group"` // "" = no filter
	ShowSystem bool     `json:"show_system"`
	Sort       SortMode `json:"sort"`
}

// Entry is one (app, record) pair surviving the active filters.
type Entry struct {
	AppKey     string `json:"app_key"`
	AppLabel   string `json:"app_label"`
	Group      string `json:"group"`
	GroupLabel string `json:"group_label"`
	LastAccess int64  `json:"last_access"`
	Count      int    `json:"count"`
	TimeLabel  string `json:"time_label"`

	seq       int
	appLatest int64
	appOrder  int
}

// AppGroup is one contiguous run of entries for a single app.
type AppGroup struct {
	AppKey   string `json:"app_key"`
	AppLabel string `json:"app_label"`
	// TimeLabel is set in recency sort, where identical apps can
	// split into separate time buckets.
	TimeLabel string  `json:"time_label,omitempty"`
	Summary   string  `json:"summary"`
	Entries   []Entry `json:"entries"`
}

// Menu is the derived menu state for the rendering layer.
type Menu struct {
	HasSystemApps bool     `json:"has_system_apps"`
	ShowSystem    bool     `json:"show_system"`
	Sort          SortMode `json:"sort"`
}

// ViewModel is the output of one derivation. It is rebuilt wholesale
// on every run; no element carries identity across rebuilds.
type ViewModel struct {
	ListTitle     string         `json:"list_title"`
	FilterLabel   string         `json:"filter_label,omitempty"`
	Groups        []AppGroup     `json:"groups"`
	HasSystemApps bool           `json:"has_system_apps"`
	GroupCounts   map[string]int `json:"group_counts"` // "" = any group
}
