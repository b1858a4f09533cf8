package usage

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permview/permview/internal/catalog"
)

const testNow = int64(1_700_000_000_000)

func newEngine() *Engine {
	return &Engine{Windows: catalog.Windows()}
}

// sampleDataset has two user apps and one app whose only access is a
// non-sensitive group.
func sampleDataset() *Dataset {
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.example.chat", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 1000, Count: 3, UserSensitive: true},
			{Group: "microphone", GroupLabel: "Microphone", LastAccess: testNow - 5000, Count: 2, UserSensitive: true},
		}},
		{Key: "com.example.maps", Records: []Record{
			{Group: "location", GroupLabel: "Location", LastAccess: testNow - 2000, Count: 1, UserSensitive: true},
		}},
		{Key: "com.vendor.daemon", Records: []Record{
			{Group: "storage", GroupLabel: "Storage", LastAccess: testNow - 500, Count: 4, UserSensitive: false},
		}},
	}}
	d.Seal()
	return d
}

func defaultParams() Params {
	return Params{TimeIndex: 0, Sort: SortRecentApps}
}

func appKeys(groups []AppGroup) []string {
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.AppKey
	}
	return keys
}

func TestDeriveHidesSystemAppsByDefault(t *testing.T) {
	vm := newEngine().Derive(sampleDataset(), defaultParams(), testNow).ViewModel

	assert.Equal(t, []string{"com.example.chat", "com.example.maps"}, appKeys(vm.Groups))
	assert.True(t, vm.HasSystemApps, "system apps exist even when hidden")
}

func TestDeriveShowSystem(t *testing.T) {
	p := defaultParams()
	p.ShowSystem = true
	vm := newEngine().Derive(sampleDataset(), p, testNow).ViewModel

	// The daemon's access is the most recent, so it leads.
	require.Len(t, vm.Groups, 3)
	assert.Equal(t, "com.vendor.daemon", vm.Groups[0].AppKey)
	assert.True(t, vm.HasSystemApps)
}

func TestDeriveGroupCounts(t *testing.T) {
	vm := newEngine().Derive(sampleDataset(), defaultParams(), testNow).ViewModel

	assert.Equal(t, map[string]int{
		"":           2,
		"camera":     1,
		"microphone": 1,
		"location":   1,
	}, vm.GroupCounts)
}

func TestDeriveGroupCountsUnaffectedByGroupFilter(t *testing.T) {
	p := defaultParams()
	p.Group = "camera"
	vm := newEngine().Derive(sampleDataset(), p, testNow).ViewModel

	require.Len(t, vm.Groups, 1)
	assert.Equal(t, "com.example.chat", vm.Groups[0].AppKey)
	assert.Equal(t, "Camera", vm.FilterLabel)
	// Counts still cover every group that survived the time and
	// system filters.
	assert.Equal(t, 1, vm.GroupCounts["microphone"])
	assert.Equal(t, 1, vm.GroupCounts["location"])
}

func TestDeriveUnknownGroupFilter(t *testing.T) {
	p := defaultParams()
	p.Group = "bodysensors"
	vm := newEngine().Derive(sampleDataset(), p, testNow).ViewModel

	assert.Empty(t, vm.Groups)
	assert.Empty(t, vm.FilterLabel)
	assert.Equal(t, 2, vm.GroupCounts[""])
}

func TestDeriveDropsMalformedRecords(t *testing.T) {
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.ok", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 100, Count: 1, UserSensitive: true},
		}},
		{Key: "com.zero", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 100, Count: 0, UserSensitive: true},
		}},
		{Key: "com.negative", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 100, Count: -3, UserSensitive: true},
		}},
		{Key: "com.future", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow + 60_000, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	vm := newEngine().Derive(d, defaultParams(), testNow).ViewModel

	assert.Equal(t, []string{"com.ok"}, appKeys(vm.Groups))
	assert.Equal(t, 1, vm.GroupCounts[""])
}

func TestDeriveTimeWindowCutoff(t *testing.T) {
	hour := time.Hour.Milliseconds()
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.fresh", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - hour/2, Count: 1, UserSensitive: true},
		}},
		{Key: "com.stale", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 2*hour, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	windows := catalog.Windows()
	hourIndex := -1
	for i, w := range windows {
		if w.DurationMillis == hour {
			hourIndex = i
		}
	}
	require.NotEqual(t, -1, hourIndex)

	p := defaultParams()
	p.TimeIndex = hourIndex
	vm := newEngine().Derive(d, p, testNow).ViewModel

	assert.Equal(t, []string{"com.fresh"}, appKeys(vm.Groups))
	assert.Equal(t, windows[hourIndex].ListTitle, vm.ListTitle)

	// The unbounded window keeps both.
	p.TimeIndex = 0
	vm = newEngine().Derive(d, p, testNow).ViewModel
	assert.Len(t, vm.Groups, 2)
}

func TestDeriveOutOfRangeTimeIndexFallsBack(t *testing.T) {
	for _, idx := range []int{-1, 99} {
		p := defaultParams()
		p.TimeIndex = idx
		vm := newEngine().Derive(sampleDataset(), p, testNow).ViewModel
		assert.Equal(t, catalog.Windows()[0].ListTitle, vm.ListTitle)
		assert.Len(t, vm.Groups, 2)
	}
}

func TestDeriveRecentAppsKeepsAppsContiguous(t *testing.T) {
	vm := newEngine().Derive(sampleDataset(), defaultParams(), testNow).ViewModel

	require.Len(t, vm.Groups, 2)
	chat := vm.Groups[0]
	assert.Equal(t, "com.example.chat", chat.AppKey)
	require.Len(t, chat.Entries, 2)
	// Within one app, most recent access first.
	assert.Equal(t, "camera", chat.Entries[0].Group)
	assert.Equal(t, "microphone", chat.Entries[1].Group)
	assert.Equal(t, "Camera, Microphone", chat.Summary)
	assert.Empty(t, chat.TimeLabel, "app-major groups carry no time label")

	maps := vm.Groups[1]
	assert.Equal(t, "Location", maps.Summary)
}

func TestDeriveRecentInterleavesApps(t *testing.T) {
	p := defaultParams()
	p.Sort = SortRecent
	vm := newEngine().Derive(sampleDataset(), p, testNow).ViewModel

	// Pure recency: chat's camera, maps' location, chat's microphone.
	// The app change between adjacent entries forces three groups even
	// though all share one time bucket.
	assert.Equal(t,
		[]string{"com.example.chat", "com.example.maps", "com.example.chat"},
		appKeys(vm.Groups))
	for _, g := range vm.Groups {
		assert.NotEmpty(t, g.TimeLabel)
	}
}

func TestDeriveRecentSplitsOnTimeLabel(t *testing.T) {
	hour := time.Hour.Milliseconds()
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.example.chat", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
			{Group: "microphone", GroupLabel: "Microphone", LastAccess: testNow - 3*hour, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	p := defaultParams()
	p.Sort = SortRecent
	vm := newEngine().Derive(d, p, testNow).ViewModel

	require.Len(t, vm.Groups, 2)
	assert.Equal(t, vm.Groups[0].AppKey, vm.Groups[1].AppKey)
	assert.NotEqual(t, vm.Groups[0].TimeLabel, vm.Groups[1].TimeLabel)

	// App-major sort keeps the same accesses in a single group.
	p.Sort = SortRecentApps
	vm = newEngine().Derive(d, p, testNow).ViewModel
	require.Len(t, vm.Groups, 1)
	assert.Len(t, vm.Groups[0].Entries, 2)
}

func TestDeriveRecentNeverMergesDistinctApps(t *testing.T) {
	// Two apps accessing at the same instant share a time label but
	// must stay in separate groups.
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.a", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
		}},
		{Key: "com.b", Records: []Record{
			{Group: "microphone", GroupLabel: "Microphone", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	p := defaultParams()
	p.Sort = SortRecent
	vm := newEngine().Derive(d, p, testNow).ViewModel

	require.Len(t, vm.Groups, 2)
	assert.Equal(t, vm.Groups[0].TimeLabel, vm.Groups[1].TimeLabel)
	assert.NotEqual(t, vm.Groups[0].AppKey, vm.Groups[1].AppKey)
}

func TestDeriveEqualTimesBreakTiesByIngestionOrder(t *testing.T) {
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.second", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
		}},
		{Key: "com.first", Records: []Record{
			{Group: "microphone", GroupLabel: "Microphone", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	for _, mode := range []SortMode{SortRecent, SortRecentApps} {
		p := defaultParams()
		p.Sort = mode
		vm := newEngine().Derive(d, p, testNow).ViewModel
		assert.Equal(t, []string{"com.second", "com.first"}, appKeys(vm.Groups),
			"mode %v should fall back to ingestion order", mode)
	}
}

func TestDeriveAppOrderUsesAppsMostRecentAccess(t *testing.T) {
	// com.late appears first in the dataset but its newest access is
	// older than com.early's, so app-major sort places it second.
	d := &Dataset{Apps: []AppUsage{
		{Key: "com.late", Records: []Record{
			{Group: "camera", GroupLabel: "Camera", LastAccess: testNow - 9000, Count: 1, UserSensitive: true},
			{Group: "microphone", GroupLabel: "Microphone", LastAccess: testNow - 8000, Count: 1, UserSensitive: true},
		}},
		{Key: "com.early", Records: []Record{
			{Group: "location", GroupLabel: "Location", LastAccess: testNow - 1000, Count: 1, UserSensitive: true},
		}},
	}}
	d.Seal()

	vm := newEngine().Derive(d, defaultParams(), testNow).ViewModel
	assert.Equal(t, []string{"com.early", "com.late"}, appKeys(vm.Groups))
}

func TestDeriveEmptyDataset(t *testing.T) {
	d := &Dataset{}
	d.Seal()

	vm := newEngine().Derive(d, defaultParams(), testNow).ViewModel
	assert.Empty(t, vm.Groups)
	assert.False(t, vm.HasSystemApps)
	assert.Empty(t, vm.GroupCounts)
	assert.NotEmpty(t, vm.ListTitle)
}

func TestDeriveDeterministic(t *testing.T) {
	e := newEngine()
	p := defaultParams()
	p.Sort = SortRecent

	a := e.Derive(sampleDataset(), p, testNow).ViewModel
	b := e.Derive(sampleDataset(), p, testNow).ViewModel

	if diff := cmp.Diff(a, b, cmp.AllowUnexported(Entry{})); diff != "" {
		t.Errorf("derivations differ (-first +second):\n%s", diff)
	}
}

func TestDeriveDoesNotMutateDataset(t *testing.T) {
	d := sampleDataset()

	p := defaultParams()
	p.Group = "camera"
	p.ShowSystem = true
	_ = newEngine().Derive(d, p, testNow)

	assert.Equal(t, sampleDataset(), d)
}

func TestSortModeJSONRoundTrip(t *testing.T) {
	for _, mode := range []SortMode{SortRecent, SortRecentApps} {
		data, err := mode.MarshalJSON()
		require.NoError(t, err)

		var got SortMode
		require.NoError(t, got.UnmarshalJSON(data))
		assert.Equal(t, mode, got)
	}

	var m SortMode
	assert.Error(t, m.UnmarshalJSON([]byte(`"newest"`)))
	assert.Error(t, m.UnmarshalJSON([]byte(`3`)))
}
