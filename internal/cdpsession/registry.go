package cdpsession

import (
	"maps"
	"slices"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// TabState is the saved per-tab state. While a tab is active its ref cache,
// in-flight counter and URL live in the registry's working copies instead.
type TabState struct {
	TargetID         target.ID
	SessionID        target.SessionID
	URL              string
	Title            string
	RefCache         map[string]cdp.BackendNodeID
	InflightRequests int

	// saved is set once the tab's working copies have been snapshotted.
	saved bool
}

func (t *TabState) clone() TabState {
	out := *t
	out.RefCache = maps.Clone(t.RefCache)
	return out
}

// TabRegistry maps page target IDs to tab state and owns the active-tab
// pointer. Non-empty active implies an entry with a non-empty session id.
type TabRegistry struct {
	mu   sync.Mutex
	tabs map[target.ID]*TabState

	active target.ID

	liveRefs     map[string]cdp.BackendNodeID
	liveInflight int
	liveURL      string
	activeFrame  cdp.FrameID
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		tabs:     make(map[target.ID]*TabState),
		liveRefs: make(map[string]cdp.BackendNodeID),
	}
}

// Observe records a page target, creating it when unseen. Empty url or title
// leave the stored value alone.
func (r *TabRegistry) Observe(id target.ID, url, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		tab = &TabState{TargetID: id}
		r.tabs[id] = tab
	}
	if url != "" {
		tab.URL = url
		if id == r.active {
			r.liveURL = url
		}
	}
	if title != "" {
		tab.Title = title
	}
}

func (r *TabRegistry) SetSession(id target.ID, sessionID target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		tab = &TabState{TargetID: id}
		r.tabs[id] = tab
	}
	tab.SessionID = sessionID
}

// DetachSession forgets a session id. It returns the owning target and
// whether that target was active; the active pointer is cleared in that case.
func (r *TabRegistry) DetachSession(sessionID target.SessionID) (target.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, tab := range r.tabs {
		if tab.SessionID != sessionID {
			continue
		}
		tab.SessionID = ""
		if id == r.active {
			r.clearActiveLocked()
			return id, true
		}
		return id, false
	}
	return "", false
}

// Remove deletes a tab, returning its session and whether it was active.
func (r *TabRegistry) Remove(id target.ID) (target.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		return "", false
	}
	delete(r.tabs, id)
	if id == r.active {
		r.clearActiveLocked()
		return tab.SessionID, true
	}
	return tab.SessionID, false
}

func (r *TabRegistry) clearActiveLocked() {
	r.active = ""
	r.liveRefs = make(map[string]cdp.BackendNodeID)
	r.liveInflight = 0
	r.liveURL = ""
	r.activeFrame = ""
}

// Get returns a copy of the tab's state. For the active tab the copy reflects
// the live working copies.
func (r *TabRegistry) Get(id target.ID) (TabState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		return TabState{}, false
	}
	out := tab.clone()
	if id == r.active {
		out.RefCache = maps.Clone(r.liveRefs)
		out.InflightRequests = r.liveInflight
		out.URL = r.liveURL
	}
	return out, true
}

func (r *TabRegistry) TargetForSession(sessionID target.SessionID) (target.ID, bool) {
	if sessionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, tab := range r.tabs {
		if tab.SessionID == sessionID {
			return id, true
		}
	}
	return "", false
}

// Active returns the active target and its session, or empty values.
func (r *TabRegistry) Active() (target.ID, target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return "", ""
	}
	return r.active, r.tabs[r.active].SessionID
}

// IDs returns the known target ids in ascending order.
func (r *TabRegistry) IDs() []target.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.tabs))
}

func (r *TabRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// snapshotLocked saves the live working copies into the active entry.
func (r *TabRegistry) snapshotLocked() {
	if r.active == "" {
		return
	}
	tab := r.tabs[r.active]
	tab.RefCache = maps.Clone(r.liveRefs)
	tab.InflightRequests = r.liveInflight
	if r.liveURL != "" {
		tab.URL = r.liveURL
	}
	tab.saved = true
}

// activate saves the outgoing tab, points the registry at id and loads its
// saved state into the working copies, all under one lock. It reports whether
// the tab had never been saved.
func (r *TabRegistry) activate(id target.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		return false, newError(CodeNotFound, "tab "+string(id), ErrNotFound)
	}
	if tab.SessionID == "" {
		return false, newError(CodeNotFound, "tab "+string(id)+" has no session", ErrNotFound)
	}
	if r.active == id {
		return false, nil
	}
	r.snapshotLocked()

	r.active = id
	r.liveRefs = maps.Clone(tab.RefCache)
	if r.liveRefs == nil {
		r.liveRefs = make(map[string]cdp.BackendNodeID)
	}
	r.liveInflight = tab.InflightRequests
	r.liveURL = tab.URL
	return !tab.saved, nil
}

// finishSwitch resets per-navigation state after a switch. The frame pointer
// always goes; the ref cache only for a tab seen active for the first time.
func (r *TabRegistry) finishSwitch(fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeFrame = ""
	if fresh {
		clear(r.liveRefs)
	}
}

func (r *TabRegistry) clearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearActiveLocked()
}

// AdjustInflight applies delta to the counter owned by sessionID's tab,
// never going below zero.
func (r *TabRegistry) AdjustInflight(sessionID target.SessionID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != "" && r.tabs[r.active].SessionID == sessionID {
		r.liveInflight = max(r.liveInflight+delta, 0)
		return
	}
	for _, tab := range r.tabs {
		if tab.SessionID == sessionID && sessionID != "" {
			tab.InflightRequests = max(tab.InflightRequests+delta, 0)
			return
		}
	}
}

// Inflight returns the active tab's in-flight request count.
func (r *TabRegistry) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveInflight
}

// SetRef records an accessibility ref for the active tab.
func (r *TabRegistry) SetRef(ref string, node cdp.BackendNodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return newError(CodeNotFound, "set ref "+ref, ErrNoActiveTab)
	}
	r.liveRefs[ref] = node
	return nil
}

func (r *TabRegistry) LookupRef(ref string) (cdp.BackendNodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.liveRefs[ref]
	return node, ok
}

func (r *TabRegistry) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveRefs)
}

// Refs returns a copy of the active tab's ref cache.
func (r *TabRegistry) Refs() map[string]cdp.BackendNodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.liveRefs)
}

func (r *TabRegistry) ClearRefs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.liveRefs)
}

func (r *TabRegistry) setActiveFrame(frameID cdp.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeFrame = frameID
}

func (r *TabRegistry) ActiveFrame() cdp.FrameID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeFrame
}
