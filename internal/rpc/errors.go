package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"regionmaster/internal/assignment"
	"regionmaster/internal/balancer"
	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/servers"
	"regionmaster/internal/transition"
)

// ErrRegionNotFound is returned when an admin call names an unknown region.
var ErrRegionNotFound = errors.New("rpc: region not found")

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ErrRegionNotFound), errors.Is(err, catalog.ErrRowNotFound), errors.Is(err, coord.ErrNoNode):
		code = codes.NotFound
	case errors.Is(err, coord.ErrNodeExists):
		code = codes.AlreadyExists
	case errors.Is(err, assignment.ErrRegionNotOnline), errors.Is(err, coord.ErrBadVersion), errors.Is(err, transition.ErrUnexpectedState):
		code = codes.FailedPrecondition
	case errors.Is(err, servers.ErrServerNotOnline), errors.Is(err, servers.ErrServerDead), errors.Is(err, balancer.ErrNoServers):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func hasCode(err error, code codes.Code) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == code
}

// IsRegionNotFoundError reports whether err indicates an unknown region.
func IsRegionNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRegionNotFound) || errors.Is(err, catalog.ErrRowNotFound) {
		return true
	}
	return hasCode(err, codes.NotFound)
}

// IsRegionNotOnlineError reports whether err indicates the region is not
// open anywhere.
func IsRegionNotOnlineError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, assignment.ErrRegionNotOnline) {
		return true
	}
	return hasCode(err, codes.FailedPrecondition)
}

// IsServerUnavailableError reports whether err indicates the target server
// is not online.
func IsServerUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, servers.ErrServerNotOnline) || errors.Is(err, servers.ErrServerDead) {
		return true
	}
	return hasCode(err, codes.Unavailable)
}
