package balancer

import (
	"regionmaster/internal/region"
)

// ServerLister is the part of the server registry the adapter needs.
type ServerLister interface {
	DestinationCandidates(exclude ...region.ServerName) []region.ServerName
}

// Adapter restricts a LoadBalancer to the servers currently online.
type Adapter struct {
	lb      LoadBalancer
	servers ServerLister
}

// NewAdapter wraps lb.
func NewAdapter(lb LoadBalancer, servers ServerLister) *Adapter {
	return &Adapter{lb: lb, servers: servers}
}

// Balancer returns the wrapped policy.
func (a *Adapter) Balancer() LoadBalancer { return a.lb }

// DestinationFor picks an online server for r, avoiding exclude unless no
// other server is online.
func (a *Adapter) DestinationFor(r region.Region, exclude ...region.ServerName) (region.ServerName, error) {
	candidates := a.servers.DestinationCandidates(exclude...)
	if len(candidates) == 0 && len(exclude) > 0 {
		candidates = a.servers.DestinationCandidates()
	}
	if len(candidates) == 0 {
		return region.ServerName{}, ErrNoServers
	}
	return a.lb.RandomAssignment(candidates)
}

// Plan builds a fresh plan for r from source.
func (a *Adapter) Plan(r region.Region, source region.ServerName, exclude ...region.ServerName) (region.RegionPlan, error) {
	dest, err := a.DestinationFor(r, exclude...)
	if err != nil {
		return region.RegionPlan{}, err
	}
	return region.RegionPlan{Region: r, Source: source, Destination: dest}, nil
}

// BulkPlans spreads regions round robin over the online servers. Used when
// many regions need a home at once, as on master startup.
func (a *Adapter) BulkPlans(regions []region.Region) ([]region.RegionPlan, error) {
	candidates := a.servers.DestinationCandidates()
	byServer, err := a.lb.RoundRobinAssignment(regions, candidates)
	if err != nil {
		return nil, err
	}
	plans := make([]region.RegionPlan, 0, len(regions))
	for _, sn := range candidates {
		for _, r := range byServer[sn] {
			plans = append(plans, region.RegionPlan{Region: r, Destination: sn})
		}
	}
	return plans, nil
}
