package rpc

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"regionmaster/internal/region"
	"regionmaster/internal/servers"
)

// Empty is the response of admin calls that return nothing.
type Empty struct{}

func (*Empty) MarshalWire() []byte { return nil }

func (*Empty) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return skipField, nil
	})
}

// OpenRegionRequest asks a region server to open Region. Version is the
// node version the server must present on its first transition.
type OpenRegionRequest struct {
	Region  region.Region
	Version int32
}

func (m *OpenRegionRequest) MarshalWire() []byte {
	b := appendRegion(nil, 1, m.Region)
	return appendSignedField(b, 2, int64(m.Version))
}

func (m *OpenRegionRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeRegion(typ, b, &m.Region)
		case 2:
			var v int64
			n := consumeSigned(typ, b, &v)
			m.Version = int32(v)
			return n, nil
		}
		return skipField, nil
	})
}

type OpenRegionResponse struct {
	State servers.OpeningState
}

func (m *OpenRegionResponse) MarshalWire() []byte {
	return appendVarintField(nil, 1, uint64(m.State))
}

func (m *OpenRegionResponse) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		var v uint64
		n := consumeVarint(typ, b, &v)
		m.State = servers.OpeningState(v)
		return n, nil
	})
}

type CloseRegionRequest struct {
	Region  region.Region
	Version int32
}

func (m *CloseRegionRequest) MarshalWire() []byte {
	b := appendRegion(nil, 1, m.Region)
	return appendSignedField(b, 2, int64(m.Version))
}

func (m *CloseRegionRequest) UnmarshalWire(data []byte) error {
	open := OpenRegionRequest{}
	if err := open.UnmarshalWire(data); err != nil {
		return err
	}
	m.Region, m.Version = open.Region, open.Version
	return nil
}

type CloseRegionResponse struct {
	Closed bool
}

func (m *CloseRegionResponse) MarshalWire() []byte {
	return appendBoolField(nil, 1, m.Closed)
}

func (m *CloseRegionResponse) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		return consumeBool(typ, b, &m.Closed), nil
	})
}

// AssignRequest names the region by its encoded name.
type AssignRequest struct {
	EncodedName string
	Force       bool
}

func (m *AssignRequest) MarshalWire() []byte {
	b := appendStringField(nil, 1, m.EncodedName)
	return appendBoolField(b, 2, m.Force)
}

func (m *AssignRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.EncodedName), nil
		case 2:
			return consumeBool(typ, b, &m.Force), nil
		}
		return skipField, nil
	})
}

type UnassignRequest struct {
	EncodedName string
}

func (m *UnassignRequest) MarshalWire() []byte {
	return appendStringField(nil, 1, m.EncodedName)
}

func (m *UnassignRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		return consumeString(typ, b, &m.EncodedName), nil
	})
}

type MoveRequest struct {
	EncodedName string
	Destination region.ServerName
}

func (m *MoveRequest) MarshalWire() []byte {
	b := appendStringField(nil, 1, m.EncodedName)
	return appendStringField(b, 2, m.Destination.String())
}

func (m *MoveRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.EncodedName), nil
		case 2:
			return consumeServer(typ, b, &m.Destination)
		}
		return skipField, nil
	})
}

type BalanceRequest struct{}

func (*BalanceRequest) MarshalWire() []byte { return nil }

func (m *BalanceRequest) UnmarshalWire(data []byte) error {
	return (*Empty)(nil).UnmarshalWire(data)
}

type BalanceResponse struct {
	Moved int64
}

func (m *BalanceResponse) MarshalWire() []byte {
	return appendVarintField(nil, 1, uint64(m.Moved))
}

func (m *BalanceResponse) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		var v uint64
		n := consumeVarint(typ, b, &v)
		m.Moved = int64(v)
		return n, nil
	})
}

type RegionsInTransitionRequest struct{}

func (*RegionsInTransitionRequest) MarshalWire() []byte { return nil }

func (m *RegionsInTransitionRequest) UnmarshalWire(data []byte) error {
	return (*Empty)(nil).UnmarshalWire(data)
}

// RegionsInTransitionResponse lists in-transition entries, oldest first.
type RegionsInTransitionResponse struct {
	States []region.RegionState
}

// RegionState fields.
const (
	stateRegion  protowire.Number = 1
	stateState   protowire.Number = 2
	stateServer  protowire.Number = 3
	stateVersion protowire.Number = 4
	stateStamp   protowire.Number = 5
)

func (m *RegionsInTransitionResponse) MarshalWire() []byte {
	var b []byte
	for _, rs := range m.States {
		inner := appendRegion(nil, stateRegion, rs.Region)
		inner = appendVarintField(inner, stateState, uint64(rs.State))
		inner = appendStringField(inner, stateServer, rs.Server.String())
		inner = appendSignedField(inner, stateVersion, int64(rs.Version))
		inner = appendSignedField(inner, stateStamp, rs.Stamp.UnixMilli())
		b = appendBytesField(b, 1, inner)
	}
	return b
}

func (m *RegionsInTransitionResponse) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		var inner []byte
		n := consumeBytes(typ, b, &inner)
		if n <= 0 {
			return n, nil
		}
		var rs region.RegionState
		err := decodeFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case stateRegion:
				return consumeRegion(typ, b, &rs.Region)
			case stateState:
				var v uint64
				n := consumeVarint(typ, b, &v)
				rs.State = region.State(v)
				return n, nil
			case stateServer:
				return consumeServer(typ, b, &rs.Server)
			case stateVersion:
				var v int64
				n := consumeSigned(typ, b, &v)
				rs.Version = int32(v)
				return n, nil
			case stateStamp:
				var v int64
				n := consumeSigned(typ, b, &v)
				rs.Stamp = time.UnixMilli(v)
				return n, nil
			}
			return skipField, nil
		})
		if err != nil {
			return n, err
		}
		m.States = append(m.States, rs)
		return n, nil
	})
}

// ReportServerRequest is a region server heartbeat.
type ReportServerRequest struct {
	Server region.ServerName
	Load   servers.Load
}

func (m *ReportServerRequest) MarshalWire() []byte {
	b := appendStringField(nil, 1, m.Server.String())
	b = appendVarintField(b, 2, uint64(m.Load.Regions))
	return appendVarintField(b, 3, uint64(m.Load.Requests))
}

func (m *ReportServerRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			return consumeServer(typ, b, &m.Server)
		case 2:
			n := consumeVarint(typ, b, &v)
			m.Load.Regions = int(v)
			return n, nil
		case 3:
			n := consumeVarint(typ, b, &v)
			m.Load.Requests = int64(v)
			return n, nil
		}
		return skipField, nil
	})
}

type SetTableStateRequest struct {
	Table   string
	Enabled bool
}

func (m *SetTableStateRequest) MarshalWire() []byte {
	b := appendStringField(nil, 1, m.Table)
	return appendBoolField(b, 2, m.Enabled)
}

func (m *SetTableStateRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Table), nil
		case 2:
			return consumeBool(typ, b, &m.Enabled), nil
		}
		return skipField, nil
	})
}
