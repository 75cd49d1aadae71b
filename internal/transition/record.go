// Package transition holds the records region servers and the master
// exchange through the coordination store, and the helpers that move a
// region's node from one record to the next under a version guard.
package transition

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/gogo/protobuf/proto"

	"regionmaster/internal/region"
)

// Type names a transition from the point of view of the actor writing it.
type Type uint8

const (
	MasterOffline Type = iota + 1
	MasterClosing
	ServerClosed
	ServerOpening
	ServerOpened
	ServerFailedOpen
	ServerFailedClose
	ServerSplitting
	ServerSplit
)

var typeNames = map[Type]string{
	MasterOffline:     "M_ZK_REGION_OFFLINE",
	MasterClosing:     "M_ZK_REGION_CLOSING",
	ServerClosed:      "RS_ZK_REGION_CLOSED",
	ServerOpening:     "RS_ZK_REGION_OPENING",
	ServerOpened:      "RS_ZK_REGION_OPENED",
	ServerFailedOpen:  "RS_ZK_REGION_FAILED_OPEN",
	ServerFailedClose: "RS_ZK_REGION_FAILED_CLOSE",
	ServerSplitting:   "RS_ZK_REGION_SPLITTING",
	ServerSplit:       "RS_ZK_REGION_SPLIT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known transition type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// State maps a record type to the region state it implies.
func (t Type) State() region.State {
	switch t {
	case MasterOffline:
		return region.Offline
	case MasterClosing:
		return region.Closing
	case ServerClosed:
		return region.Closed
	case ServerOpening:
		return region.Opening
	case ServerOpened:
		return region.Open
	case ServerFailedOpen:
		return region.FailedOpen
	case ServerFailedClose:
		return region.FailedClose
	case ServerSplitting:
		return region.Splitting
	case ServerSplit:
		return region.Split
	}
	return region.Offline
}

// OpenSide reports record types written while a region is being opened.
func (t Type) OpenSide() bool {
	switch t {
	case MasterOffline, ServerOpening, ServerOpened, ServerFailedOpen:
		return true
	}
	return false
}

// Record is the payload stored at a region's transition node.
type Record struct {
	Type       Type
	RegionName []byte
	Server     region.ServerName
	CreateTime time.Time
	Payload    []byte
}

// NewRecord stamps a record with the current time.
func NewRecord(t Type, regionName []byte, sn region.ServerName, payload []byte) Record {
	return Record{
		Type:       t,
		RegionName: append([]byte(nil), regionName...),
		Server:     sn,
		CreateTime: time.UnixMilli(time.Now().UnixMilli()),
		Payload:    payload,
	}
}

// EncodedName is the node name of the record's region.
func (r Record) EncodedName() string {
	return region.EncodedNameOf(r.RegionName)
}

func (r Record) String() string {
	return fmt.Sprintf("%s region=%s server=%s", r.Type, r.EncodedName(), r.Server)
}

var (
	magic = []byte("PBUF")

	// ErrCorruptRecord is returned for node data that is not a transition record.
	ErrCorruptRecord = errors.New("transition: corrupt record")
)

const (
	fieldType       = 1
	fieldRegionName = 2
	fieldCreateTime = 3
	fieldServer     = 4
	fieldPayload    = 5

	wireVarint = 0
	wireBytes  = 2
)

func appendKey(buf []byte, field, wire uint64) []byte {
	return append(buf, proto.EncodeVarint(field<<3|wire)...)
}

func appendBytes(buf []byte, field uint64, v []byte) []byte {
	buf = appendKey(buf, field, wireBytes)
	buf = append(buf, proto.EncodeVarint(uint64(len(v)))...)
	return append(buf, v...)
}

// Marshal encodes the record in the wire layout shared with region servers.
func (r Record) Marshal() []byte {
	buf := make([]byte, 0, len(magic)+32+len(r.RegionName)+len(r.Payload))
	buf = append(buf, magic...)
	buf = appendKey(buf, fieldType, wireVarint)
	buf = append(buf, proto.EncodeVarint(uint64(r.Type))...)
	buf = appendBytes(buf, fieldRegionName, r.RegionName)
	buf = appendKey(buf, fieldCreateTime, wireVarint)
	buf = append(buf, proto.EncodeVarint(uint64(r.CreateTime.UnixMilli()))...)
	if !r.Server.IsZero() {
		buf = appendBytes(buf, fieldServer, []byte(r.Server.String()))
	}
	if len(r.Payload) > 0 {
		buf = appendBytes(buf, fieldPayload, r.Payload)
	}
	return buf
}

// Unmarshal decodes data written by Marshal or by a region server.
func Unmarshal(data []byte) (Record, error) {
	if !bytes.HasPrefix(data, magic) {
		return Record{}, fmt.Errorf("%w: missing magic", ErrCorruptRecord)
	}
	buf := data[len(magic):]
	var rec Record
	for len(buf) > 0 {
		key, n := proto.DecodeVarint(buf)
		if n == 0 {
			return Record{}, fmt.Errorf("%w: truncated key", ErrCorruptRecord)
		}
		buf = buf[n:]
		field, wire := key>>3, key&7
		switch wire {
		case wireVarint:
			v, n := proto.DecodeVarint(buf)
			if n == 0 {
				return Record{}, fmt.Errorf("%w: truncated varint field %d", ErrCorruptRecord, field)
			}
			buf = buf[n:]
			switch field {
			case fieldType:
				rec.Type = Type(v)
			case fieldCreateTime:
				rec.CreateTime = time.UnixMilli(int64(v))
			}
		case wireBytes:
			l, n := proto.DecodeVarint(buf)
			if n == 0 || uint64(len(buf)-n) < l {
				return Record{}, fmt.Errorf("%w: truncated bytes field %d", ErrCorruptRecord, field)
			}
			v := append([]byte(nil), buf[n:n+int(l)]...)
			buf = buf[n+int(l):]
			switch field {
			case fieldRegionName:
				rec.RegionName = v
			case fieldServer:
				sn, err := region.ParseServerName(string(v))
				if err != nil {
					return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
				}
				rec.Server = sn
			case fieldPayload:
				rec.Payload = v
			}
		default:
			return Record{}, fmt.Errorf("%w: unsupported wire type %d", ErrCorruptRecord, wire)
		}
	}
	if !rec.Type.Valid() {
		return Record{}, fmt.Errorf("%w: unknown type %d", ErrCorruptRecord, rec.Type)
	}
	if len(rec.RegionName) == 0 {
		return Record{}, fmt.Errorf("%w: missing region name", ErrCorruptRecord)
	}
	return rec, nil
}

// SplitPayload encodes the daughters of a split into a record payload.
func SplitPayload(a, b region.Region) ([]byte, error) {
	var out []byte
	for _, d := range []region.Region{a, b} {
		enc, err := d.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, proto.EncodeVarint(uint64(len(enc)))...)
		out = append(out, enc...)
	}
	return out, nil
}

// Daughters decodes a payload built by SplitPayload.
func Daughters(payload []byte) (region.Region, region.Region, error) {
	var out [2]region.Region
	for i := range out {
		l, n := proto.DecodeVarint(payload)
		if n == 0 || uint64(len(payload)-n) < l {
			return region.Region{}, region.Region{}, fmt.Errorf("%w: truncated split payload", ErrCorruptRecord)
		}
		d, err := region.Unmarshal(payload[n : n+int(l)])
		if err != nil {
			return region.Region{}, region.Region{}, err
		}
		out[i] = d
		payload = payload[n+int(l):]
	}
	return out[0], out[1], nil
}
