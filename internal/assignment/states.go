package assignment

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/huandu/skiplist"

	"regionmaster/internal/region"
)

type location struct {
	region region.Region
	server region.ServerName
}

// RegionStates is the in-memory view of assignment: regions in transition,
// regions stably online and their servers, and the plans in flight. Every
// map is guarded by one mutex; callers keep the coordination store
// consistent with what they record here.
type RegionStates struct {
	mu sync.Mutex

	rit       map[string]*region.RegionState
	stampKeys map[string][]byte
	// byStamp orders in-transition regions by last transition time.
	byStamp *skiplist.SkipList

	online  map[string]location
	servers map[region.ServerName]map[string]region.Region
	plans   map[string]region.RegionPlan

	now func() time.Time
}

// NewRegionStates returns an empty table.
func NewRegionStates() *RegionStates {
	s := &RegionStates{now: time.Now}
	s.reset()
	return s
}

func (s *RegionStates) reset() {
	s.rit = make(map[string]*region.RegionState)
	s.stampKeys = make(map[string][]byte)
	s.byStamp = skiplist.New(skiplist.Bytes)
	s.online = make(map[string]location)
	s.servers = make(map[region.ServerName]map[string]region.Region)
	s.plans = make(map[string]region.RegionPlan)
}

// Clear forgets everything. Used when a coordinator joins a cluster and
// rebuilds its view from the coordination store and the catalog.
func (s *RegionStates) Clear() {
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

func stampKey(t time.Time, encoded string) []byte {
	key := make([]byte, 8, 8+len(encoded))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, encoded...)
}

func (s *RegionStates) indexLocked(encoded string, rs *region.RegionState) {
	if old, ok := s.stampKeys[encoded]; ok {
		s.byStamp.Remove(old)
	}
	key := stampKey(rs.Stamp, encoded)
	s.stampKeys[encoded] = key
	s.byStamp.Set(key, encoded)
}

func (s *RegionStates) unindexLocked(encoded string) {
	if old, ok := s.stampKeys[encoded]; ok {
		s.byStamp.Remove(old)
		delete(s.stampKeys, encoded)
	}
}

// Get returns a copy of the in-transition entry of the region.
func (s *RegionStates) Get(encoded string) (region.RegionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rit[encoded]
	if !ok {
		return region.RegionState{}, false
	}
	return *rs, true
}

// Put stores rs as the in-transition entry of its region, replacing any
// previous entry. A zero Stamp is set to now.
func (s *RegionStates) Put(rs region.RegionState) {
	if rs.Stamp.IsZero() {
		rs.Stamp = s.now()
	}
	encoded := rs.Region.EncodedName()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := rs
	s.rit[encoded] = &entry
	s.indexLocked(encoded, &entry)
}

// Update moves the region to st on sn at the given node version, creating
// the entry if needed, and returns the new entry.
func (s *RegionStates) Update(r region.Region, st region.State, sn region.ServerName, version int32) region.RegionState {
	encoded := r.EncodedName()
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rit[encoded]
	if !ok {
		entry := region.NewRegionState(r, st, sn)
		rs = &entry
		s.rit[encoded] = rs
	}
	rs.Update(st, sn)
	rs.Version = version
	s.indexLocked(encoded, rs)
	return *rs
}

// Touch restamps the entry so the timeout monitor leaves it alone for
// another period.
func (s *RegionStates) Touch(encoded string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.rit[encoded]; ok {
		rs.Stamp = s.now()
		s.indexLocked(encoded, rs)
	}
}

// Remove drops the in-transition entry and reports whether there was one.
func (s *RegionStates) Remove(encoded string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(encoded)
}

func (s *RegionStates) removeLocked(encoded string) bool {
	if _, ok := s.rit[encoded]; !ok {
		return false
	}
	delete(s.rit, encoded)
	s.unindexLocked(encoded)
	return true
}

// IsInTransition reports whether the region has an entry.
func (s *RegionStates) IsInTransition(encoded string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rit[encoded]
	return ok
}

// Count returns the number of regions in transition.
func (s *RegionStates) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rit)
}

// InTransition returns copies of every entry, oldest first.
func (s *RegionStates) InTransition() []region.RegionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]region.RegionState, 0, len(s.rit))
	for e := s.byStamp.Front(); e != nil; e = e.Next() {
		out = append(out, *s.rit[e.Value.(string)])
	}
	return out
}

// OlderThan returns copies of the entries last stamped before t, oldest first.
func (s *RegionStates) OlderThan(t time.Time) []region.RegionState {
	bound := uint64(t.UnixNano())
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []region.RegionState
	for e := s.byStamp.Front(); e != nil; e = e.Next() {
		key := e.Key().([]byte)
		if binary.BigEndian.Uint64(key[:8]) >= bound {
			break
		}
		out = append(out, *s.rit[e.Value.(string)])
	}
	return out
}

// OnServer returns copies of the entries whose server is sn.
func (s *RegionStates) OnServer(sn region.ServerName) []region.RegionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []region.RegionState
	for _, rs := range s.rit {
		if rs.Server == sn {
			out = append(out, *rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region.NameString() < out[j].Region.NameString() })
	return out
}

// RegionOnline records r as open on sn and drops its entry and plan.
func (s *RegionStates) RegionOnline(r region.Region, sn region.ServerName) {
	encoded := r.EncodedName()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(encoded)
	delete(s.plans, encoded)
	s.offlineLocked(encoded)
	s.online[encoded] = location{region: r, server: sn}
	regions, ok := s.servers[sn]
	if !ok {
		regions = make(map[string]region.Region)
		s.servers[sn] = regions
	}
	regions[encoded] = r
}

// RegionOffline forgets where r is open. The entry, if any, is kept.
func (s *RegionStates) RegionOffline(r region.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineLocked(r.EncodedName())
}

func (s *RegionStates) offlineLocked(encoded string) {
	loc, ok := s.online[encoded]
	if !ok {
		return
	}
	delete(s.online, encoded)
	if regions, ok := s.servers[loc.server]; ok {
		delete(regions, encoded)
		if len(regions) == 0 {
			delete(s.servers, loc.server)
		}
	}
}

// ServerOf returns the region and the server it is open on.
func (s *RegionStates) ServerOf(encoded string) (region.Region, region.ServerName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.online[encoded]
	return loc.region, loc.server, ok
}

// RegionsOn returns the regions open on sn ordered by name.
func (s *RegionStates) RegionsOn(sn region.ServerName) []region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRegions(s.servers[sn])
}

// ServerRegions returns the regions open on each server.
func (s *RegionStates) ServerRegions() map[region.ServerName][]region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[region.ServerName][]region.Region, len(s.servers))
	for sn, regions := range s.servers {
		out[sn] = sortedRegions(regions)
	}
	return out
}

func sortedRegions(m map[string]region.Region) []region.Region {
	out := make([]region.Region, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameString() < out[j].NameString() })
	return out
}

// SetPlan replaces the plan of the region.
func (s *RegionStates) SetPlan(p region.RegionPlan) {
	s.mu.Lock()
	s.plans[p.Region.EncodedName()] = p
	s.mu.Unlock()
}

// Plan returns the plan of the region.
func (s *RegionStates) Plan(encoded string) (region.RegionPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[encoded]
	return p, ok
}

// DropPlan discards the plan of the region.
func (s *RegionStates) DropPlan(encoded string) {
	s.mu.Lock()
	delete(s.plans, encoded)
	s.mu.Unlock()
}

// TableInUse reports whether any region of table is online or in transition.
func (s *RegionStates) TableInUse(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loc := range s.online {
		if loc.region.Table == table {
			return true
		}
	}
	for _, rs := range s.rit {
		if rs.Region.Table == table {
			return true
		}
	}
	return false
}
