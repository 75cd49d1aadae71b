// Package balancer decides where regions should live.
package balancer

import (
	"errors"
	"math/rand"
	"sort"
	"sync"

	"regionmaster/internal/region"
)

// ErrNoServers is returned when no online server can take a region.
var ErrNoServers = errors.New("balancer: no servers available")

// LoadBalancer is a placement policy.
type LoadBalancer interface {
	// RandomAssignment picks a server for a single region.
	RandomAssignment(servers []region.ServerName) (region.ServerName, error)
	// RoundRobinAssignment spreads regions evenly across servers.
	RoundRobinAssignment(regions []region.Region, servers []region.ServerName) (map[region.ServerName][]region.Region, error)
	// BalanceCluster returns the moves that even out the given assignment.
	BalanceCluster(assignments map[region.ServerName][]region.Region) []region.RegionPlan
}

// DefaultBalancer balances on region count alone.
type DefaultBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

var _ LoadBalancer = (*DefaultBalancer)(nil)

// NewDefaultBalancer seeds the random placement with seed.
func NewDefaultBalancer(seed int64) *DefaultBalancer {
	return &DefaultBalancer{rnd: rand.New(rand.NewSource(seed))}
}

func (b *DefaultBalancer) RandomAssignment(servers []region.ServerName) (region.ServerName, error) {
	if len(servers) == 0 {
		return region.ServerName{}, ErrNoServers
	}
	b.mu.Lock()
	i := b.rnd.Intn(len(servers))
	b.mu.Unlock()
	return servers[i], nil
}

func (b *DefaultBalancer) RoundRobinAssignment(regions []region.Region, servers []region.ServerName) (map[region.ServerName][]region.Region, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	out := make(map[region.ServerName][]region.Region, len(servers))
	for i, r := range regions {
		sn := servers[i%len(servers)]
		out[sn] = append(out[sn], r)
	}
	return out, nil
}

type serverRegions struct {
	sn      region.ServerName
	regions []region.Region
}

// BalanceCluster gives every server its quota of total/servers regions,
// the first total%servers servers (most loaded first) keeping one extra.
// Overflow from loaded servers is handed to the least loaded ones.
func (b *DefaultBalancer) BalanceCluster(assignments map[region.ServerName][]region.Region) []region.RegionPlan {
	if len(assignments) < 2 {
		return nil
	}
	list := make([]serverRegions, 0, len(assignments))
	total := 0
	for sn, regions := range assignments {
		rs := append([]region.Region(nil), regions...)
		sort.Slice(rs, func(i, j int) bool { return rs[i].NameString() < rs[j].NameString() })
		list = append(list, serverRegions{sn: sn, regions: rs})
		total += len(rs)
	}
	sort.Slice(list, func(i, j int) bool {
		if len(list[i].regions) != len(list[j].regions) {
			return len(list[i].regions) > len(list[j].regions)
		}
		return list[i].sn.String() < list[j].sn.String()
	})

	quota := total / len(list)
	remnant := total % len(list)
	type overflow struct {
		r   region.Region
		src region.ServerName
	}
	var free []overflow
	targets := make([]int, len(list))
	for i, s := range list {
		target := quota
		if remnant > 0 {
			target++
			remnant--
		}
		targets[i] = target
		if len(s.regions) > target {
			for _, r := range s.regions[target:] {
				free = append(free, overflow{r: r, src: s.sn})
			}
		}
	}

	var plans []region.RegionPlan
	for i := len(list) - 1; i >= 0 && len(free) > 0; i-- {
		s := list[i]
		for need := targets[i] - len(s.regions); need > 0 && len(free) > 0; need-- {
			mv := free[0]
			free = free[1:]
			plans = append(plans, region.RegionPlan{Region: mv.r, Source: mv.src, Destination: s.sn})
		}
	}
	return plans
}
