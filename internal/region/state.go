package region

import (
	"fmt"
	"time"
)

// State captures where a region is in its open/close lifecycle.
type State uint8

const (
	// Offline: unassigned, a node may have been created for it.
	Offline State = iota
	// PendingOpen: open directive sent, region server has not reacted yet.
	PendingOpen
	// Opening: region server reported it is opening the region.
	Opening
	// Open: region server reported the region opened.
	Open
	// PendingClose: close directive sent.
	PendingClose
	// Closing: region server is closing the region.
	Closing
	// Closed: region server closed the region.
	Closed
	// Splitting: region server is splitting the region.
	Splitting
	// Split: split finished; the region is retired.
	Split
	// FailedOpen: region server gave up opening the region.
	FailedOpen
	// FailedClose: region server gave up closing the region.
	FailedClose
)

var stateNames = [...]string{
	Offline:      "OFFLINE",
	PendingOpen:  "PENDING_OPEN",
	Opening:      "OPENING",
	Open:         "OPEN",
	PendingClose: "PENDING_CLOSE",
	Closing:      "CLOSING",
	Closed:       "CLOSED",
	Splitting:    "SPLITTING",
	Split:        "SPLIT",
	FailedOpen:   "FAILED_OPEN",
	FailedClose:  "FAILED_CLOSE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsOpening reports states on the open side of the lifecycle.
func (s State) IsOpening() bool {
	switch s {
	case Offline, PendingOpen, Opening, Open, FailedOpen:
		return true
	}
	return false
}

// IsClosing reports states on the close side of the lifecycle.
func (s State) IsClosing() bool {
	switch s {
	case PendingClose, Closing, FailedClose:
		return true
	}
	return false
}

// RegionState is the in-transition record kept for a region.
type RegionState struct {
	Region Region
	State  State
	// Stamp is the time of the last transition.
	Stamp  time.Time
	Server ServerName
	// Version is the last coordination node version seen for the region, -1 if none.
	Version int32
}

// NewRegionState creates an entry stamped now.
func NewRegionState(r Region, st State, sn ServerName) RegionState {
	return RegionState{Region: r, State: st, Stamp: time.Now(), Server: sn, Version: -1}
}

// Update moves the entry to st on sn and restamps it.
func (rs *RegionState) Update(st State, sn ServerName) {
	rs.State = st
	rs.Server = sn
	rs.Stamp = time.Now()
}

func (rs RegionState) String() string {
	return fmt.Sprintf("%s state=%s server=%s ts=%d version=%d",
		rs.Region.EncodedName(), rs.State, rs.Server, rs.Stamp.UnixMilli(), rs.Version)
}

// RegionPlan is a proposed move of a region from Source (may be zero) to Destination.
type RegionPlan struct {
	Region      Region
	Source      ServerName
	Destination ServerName
}

func (p RegionPlan) String() string {
	return fmt.Sprintf("plan{%s %s -> %s}", p.Region.EncodedName(), p.Source, p.Destination)
}
