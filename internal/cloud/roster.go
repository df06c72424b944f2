package cloud

import "sync"

// rosterFreshnessMS bounds how long a name stays IsRemote-true after it was
// last reported reachable, so a peer the remote broker has long since
// dropped does not linger as a false "remote" target forever if a
// LIST_AGENTS_RESPONSE is ever missed.
const rosterFreshnessMS = 2 * 60_000

// roster tracks agent names known reachable through this uplink, refreshed
// by LIST_AGENTS_RESPONSE snapshots and by simply observing a DELIVER arrive
// with a given From.
type roster struct {
	mu      sync.RWMutex
	lastSeenMS map[string]int64
}

func newRoster() *roster {
	return &roster{lastSeenMS: make(map[string]int64)}
}

// touch records name as seen at nowMS.
func (r *roster) touch(name string, nowMS int64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.lastSeenMS[name] = nowMS
	r.mu.Unlock()
}

// observe merges a LIST_AGENTS_RESPONSE snapshot into the roster — names
// absent from the snapshot age out naturally via isRemote's freshness
// window instead of being force-removed, in case the remote's response only
// reports online agents and the uplink still has pending log replay for a
// now-offline one.
func (r *roster) observe(names []string, nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.lastSeenMS[n] = nowMS
	}
}

// isRemote reports whether name was seen within rosterFreshnessMS of nowMS.
func (r *roster) isRemote(name string, nowMS int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen, ok := r.lastSeenMS[name]
	if !ok {
		return false
	}
	return nowMS-seen <= rosterFreshnessMS
}
