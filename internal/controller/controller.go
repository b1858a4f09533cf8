// Package controller owns the view parameters and drives the
// aggregation engine whenever the parameters or the underlying
// dataset change.
package controller

import (
	"context"
	"fmt"
	"log"
	"math"
	gosync "sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/permview/permview/internal/catalog"
	"github.com/permview/permview/internal/usage"
)

// Phase is the controller lifecycle phase. Loading covers the time
// between a dataset refresh being requested and its delivery; pure
// parameter changes re-derive synchronously without leaving Ready.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// LoadFlags select which usage aggregates a load includes.
type LoadFlags uint8

const (
	// FlagLast requests each app/group pair's most recent access.
	FlagLast LoadFlags = 1 << iota
	// FlagHistorical requests windowed historical aggregates.
	FlagHistorical
)

// LoadQuery describes one dataset load at the data-source boundary.
type LoadQuery struct {
	App         string
	Groups      []string
	StartMillis int64
	EndMillis   int64
	Flags       LoadFlags
}

// Loader supplies usage datasets. Each load delivers a wholesale
// replacement; partial updates are never merged.
type Loader interface {
	LoadUsages(ctx context.Context, q LoadQuery) (*usage.Dataset, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, q LoadQuery) (*usage.Dataset, error)

func (f LoaderFunc) LoadUsages(ctx context.Context, q LoadQuery) (*usage.Dataset, error) {
	return f(ctx, q)
}

// LabelResolver resolves display labels for app keys. Results are
// positional: labels[i] belongs to keys[i].
type LabelResolver interface {
	ResolveLabels(ctx context.Context, keys []string) ([]string, error)
}

// Callbacks notify the rendering layer. Both are optional and are
// invoked off the caller's goroutine.
type Callbacks struct {
	OnViewModel func(*usage.ViewModel)
	OnMenuState func(usage.Menu)
}

// FilterOption is one entry of the permission filter dialog.
type FilterOption struct {
	Label    string `json:"label"`
	Group    string `json:"group"` // "" = any permission
	Count    int    `json:"count"`
	Selected bool   `json:"selected"`
}

// TimeOption is one entry of the time filter dialog.
type TimeOption struct {
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// anyPermissionLabel heads the permission filter dialog.
const anyPermissionLabel = "Any permission"

// Controller is the single owner of the view parameters and the
// loaded dataset. All methods are safe for concurrent use; one mutex
// guards "begin derivation" as required for multi-threaded hosts.
type Controller struct {
	mu       gosync.Mutex
	loader   Loader
	resolver LabelResolver
	engine   usage.Engine
	coll     *collate.Collator
	cb       Callbacks
	now      func() int64

	params usage.Params
	// savedGroup holds a restored or argument-supplied filter until
	// the first dataset that actually contains the group; an absent
	// group falls back silently to "no filter".
	savedGroup string

	dataset    *usage.Dataset
	derivation usage.Derivation
	vm         *usage.ViewModel // published after enrichment
	menu       usage.Menu

	phase               Phase
	finishedInitialLoad bool
	loadSeq             uint64 // discards superseded dataset deliveries
	deriveSeq           uint64 // discards stale enrichment results

	statePath string
}

// New creates a controller over the given loader. The catalog is
// initialized with opts.MinWindowMillis and persisted state is
// restored from opts.StatePath when present.
func New(loader Loader, opts Options) (*Controller, error) {
	windows, defaultIndex := catalog.Init(opts.MinWindowMillis)

	tag := language.Make(opts.Locale)
	c := &Controller{
		loader:     loader,
		resolver:   opts.Resolver,
		engine:     usage.Engine{Windows: windows},
		coll:       collate.New(tag),
		cb:         opts.Callbacks,
		now:        opts.Now,
		savedGroup: opts.InitialGroup,
		phase:      PhaseLoading,
		statePath:  opts.StatePath,
		params: usage.Params{
			TimeIndex: defaultIndex,
			Sort:      usage.SortRecentApps,
		},
	}
	if c.now == nil {
		c.now = nowMillis
	}

	if opts.StatePath != "" {
		st, ok, err := LoadState(opts.StatePath)
		if err != nil {
			return nil, fmt.Errorf("restoring view state: %w", err)
		}
		if ok {
			c.params.ShowSystem = st.ShowSystem
			c.params.TimeIndex = clampIndex(st.TimeIndex, len(windows))
			if st.Sort == usage.SortRecent || st.Sort == usage.SortRecentApps {
				c.params.Sort = st.Sort
			}
			if st.Group != "" {
				c.savedGroup = st.Group
			}
			c.finishedInitialLoad = st.FinishedInitialLoad
		}
	}
	return c, nil
}

// Options configure a Controller.
type Options struct {
	// Resolver enriches derived view models with app labels.
	Resolver LabelResolver
	// Callbacks receive derivation results.
	Callbacks Callbacks
	// StatePath persists the view parameters across restarts.
	StatePath string
	// InitialGroup seeds the group filter, pending validation
	// against the first loaded dataset.
	InitialGroup string
	// MinWindowMillis picks the default time window: the smallest
	// catalog window at least this long.
	MinWindowMillis int64
	// Locale drives collation of filter dialog labels.
	Locale string
	// Now overrides the clock, for tests.
	Now func() int64
}

// SetCallbacks installs rendering-layer callbacks. Call before the
// first Reload; later derivations use the new callbacks.
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Reload requests a fresh dataset from the loader. Safe to call
// again while a load is outstanding: the newest request wins and
// superseded deliveries are discarded.
func (c *Controller) Reload() {
	c.mu.Lock()
	c.loadSeq++
	seq := c.loadSeq
	c.phase = PhaseLoading
	w := c.engine.Windows[c.params.TimeIndex]
	now := c.now()
	start := int64(0)
	if !w.Unbounded() && w.DurationMillis < now {
		start = now - w.DurationMillis
	}
	q := LoadQuery{
		StartMillis: start,
		EndMillis:   math.MaxInt64,
		Flags:       FlagLast | FlagHistorical,
	}
	c.mu.Unlock()

	go func() {
		d, err := c.loader.LoadUsages(context.Background(), q)
		c.deliver(seq, d, err)
	}()
}

// deliver installs a loaded dataset unless a newer load has been
// requested since.
func (c *Controller) deliver(seq uint64, d *usage.Dataset, err error) {
	c.mu.Lock()
	if seq != c.loadSeq {
		c.mu.Unlock()
		return
	}
	if err != nil {
		// Keep the prior view model in place; the consumer keeps
		// showing what it has plus an empty/loading signal.
		log.Printf("controller: load failed: %v", err)
		if c.dataset != nil {
			c.phase = PhaseReady
		}
		c.mu.Unlock()
		return
	}
	if d == nil {
		d = &usage.Dataset{}
	}
	d.Seal()
	c.dataset = d

	if c.savedGroup != "" && c.params.Group == "" && d.HasGroup(c.savedGroup) {
		c.params.Group = c.savedGroup
		c.savedGroup = ""
	}

	c.phase = PhaseReady
	c.finishedInitialLoad = true
	c.persistLocked()
	c.rederiveLocked()
	c.mu.Unlock()
}

// SetSort switches the sort mode and re-derives synchronously.
func (c *Controller) SetSort(m usage.SortMode) error {
	if m != usage.SortRecent && m != usage.SortRecentApps {
		return fmt.Errorf("unknown sort mode %d", int(m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Sort = m
	c.persistLocked()
	c.rederiveLocked()
	return nil
}

// SetShowSystem toggles system-entry visibility. The data is already
// loaded, so this never reloads.
func (c *Controller) SetShowSystem(show bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.ShowSystem = show
	c.persistLocked()
	c.rederiveLocked()
}

// SetGroupFilter sets the active permission group filter; "" clears
// it. A group absent from the dataset yields an empty list, not an
// error.
func (c *Controller) SetGroupFilter(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Group = group
	c.savedGroup = ""
	c.persistLocked()
	c.rederiveLocked()
}

// SetTimeIndex selects a window from the catalog and reloads, since
// a wider window can require data the current dataset never held.
func (c *Controller) SetTimeIndex(index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.engine.Windows) {
		c.mu.Unlock()
		return fmt.Errorf("time index %d out of range", index)
	}
	c.params.TimeIndex = index
	c.persistLocked()
	c.mu.Unlock()

	c.Reload()
	return nil
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// FinishedInitialLoad reports whether a dataset has ever been
// delivered (persisted across restarts).
func (c *Controller) FinishedInitialLoad() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedInitialLoad
}

// Params returns a copy of the active view parameters.
func (c *Controller) Params() usage.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// ViewModel returns the most recently published view model, nil
// before the first derivation completes.
func (c *Controller) ViewModel() *usage.ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vm
}

// Menu returns the derived menu state.
func (c *Controller) Menu() usage.Menu {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.menu
}

// PermissionFilterOptions builds the permission filter dialog data:
// the "any permission" option first, then the observable groups
// ordered by locale-aware label comparison, each with its distinct
// app count.
func (c *Controller) PermissionFilterOptions() []FilterOption {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := []FilterOption{{
		Label:    anyPermissionLabel,
		Selected: c.params.Group == "",
	}}
	ix := c.derivation.Index
	if ix == nil {
		return opts
	}
	opts[0].Count = ix.Count("")

	groups := append([]usage.GroupInfo(nil), ix.Groups()...)
	c.coll.Sort(collateGroups(groups))
	for _, g := range groups {
		opts = append(opts, FilterOption{
			Label:    g.Label,
			Group:    g.ID,
			Count:    ix.Count(g.ID),
			Selected: g.ID == c.params.Group,
		})
	}
	return opts
}

// TimeFilterOptions builds the time filter dialog data in catalog
// order.
func (c *Controller) TimeFilterOptions() []TimeOption {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := make([]TimeOption, len(c.engine.Windows))
	for i, w := range c.engine.Windows {
		opts[i] = TimeOption{Label: w.Label, Selected: i == c.params.TimeIndex}
	}
	return opts
}

// rederiveLocked re-runs the engine over the loaded dataset and
// kicks off asynchronous label enrichment. Callers hold c.mu.
func (c *Controller) rederiveLocked() {
	if c.dataset == nil {
		return
	}
	c.deriveSeq++
	seq := c.deriveSeq

	der := c.engine.Derive(c.dataset, c.params, c.now())
	c.derivation = der
	c.menu = usage.Menu{
		HasSystemApps: der.ViewModel.HasSystemApps,
		ShowSystem:    c.params.ShowSystem,
		Sort:          c.params.Sort,
	}
	menu := c.menu
	cb := c.cb

	go c.finish(seq, der.ViewModel, menu, cb)
}

// finish enriches the freshly derived view model with app labels and
// publishes it. Enrichment is positional over the already-sorted app
// group list, so it can never reorder entries; results from a
// superseded derivation are discarded.
func (c *Controller) finish(seq uint64, vm *usage.ViewModel, menu usage.Menu, cb Callbacks) {
	if cb.OnMenuState != nil {
		cb.OnMenuState(menu)
	}

	if c.resolver != nil && len(vm.Groups) > 0 {
		keys := make([]string, len(vm.Groups))
		for i, g := range vm.Groups {
			keys[i] = g.AppKey
		}
		labels, err := c.resolver.ResolveLabels(context.Background(), keys)
		if err != nil {
			log.Printf("controller: resolving app labels: %v", err)
		} else if len(labels) == len(keys) {
			for i := range vm.Groups {
				vm.Groups[i].AppLabel = labels[i]
				for j := range vm.Groups[i].Entries {
					vm.Groups[i].Entries[j].AppLabel = labels[i]
				}
			}
		}
	}

	c.mu.Lock()
	if seq != c.deriveSeq {
		c.mu.Unlock()
		return
	}
	c.vm = vm
	c.mu.Unlock()

	if cb.OnViewModel != nil {
		cb.OnViewModel(vm)
	}
}

// persistLocked saves the view state when a state path is set.
// Callers hold c.mu.
func (c *Controller) persistLocked() {
	if c.statePath == "" {
		return
	}
	group := c.params.Group
	if group == "" {
		group = c.savedGroup
	}
	st := State{
		ShowSystem:          c.params.ShowSystem,
		Group:               group,
		TimeIndex:           c.params.TimeIndex,
		Sort:                c.params.Sort,
		FinishedInitialLoad: c.finishedInitialLoad,
	}
	if err := SaveState(c.statePath, st); err != nil {
		log.Printf("controller: persisting view state: %v", err)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func clampIndex(i, n int) int {
	if i < 0 || i >= n {
		return 0
	}
	return i
}

type collateGroups []usage.GroupInfo

func (g collateGroups) Len() int           { return len(g) }
func (g collateGroups) Swap(i, j int)      { g[i], g[j] = g[j], g[i] }
func (g collateGroups) Bytes(i int) []byte { return []byte(g[i].Label) }
