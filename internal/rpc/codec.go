// Package rpc carries directives to region servers and exposes the master's
// admin API over gRPC. Messages are hand encoded with protowire and travel
// through a codec registered under CodecName.
package rpc

import (
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"regionmaster/internal/region"
)

// CodecName is the gRPC content subtype of every message in this package.
const CodecName = "rmwire"

// Message is implemented by every request and response type.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(data []byte) error
}

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// CallOption selects the package codec on a client connection.
func CallOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
}

// clientDialOptions are shared by every client in this package, followed
// by the caller's own options.
func clientDialOptions(extra ...grpc.DialOption) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		CallOption(),
	}
	return append(opts, extra...)
}

// skipField asks decodeFields to skip the current field.
const skipField = 0

// fieldFunc decodes one field. It returns the number of bytes consumed,
// skipField to ignore the field or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

// appendSignedField zigzag encodes v so the "any version" marker stays short.
func appendSignedField(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(v))
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return skipField
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeSigned(typ protowire.Type, b []byte, dst *int64) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeZigZag(v)
	}
	return n
}

func consumeServer(typ protowire.Type, b []byte, dst *region.ServerName) (int, error) {
	var s string
	n := consumeString(typ, b, &s)
	if n <= 0 {
		return n, nil
	}
	sn, err := region.ParseServerName(s)
	if err != nil {
		return n, err
	}
	*dst = sn
	return n, nil
}

// Region fields.
const (
	regionTable    protowire.Number = 1
	regionStartKey protowire.Number = 2
	regionEndKey   protowire.Number = 3
	regionID       protowire.Number = 4
	regionSplit    protowire.Number = 5
	regionOffline  protowire.Number = 6
)

func appendRegion(b []byte, num protowire.Number, r region.Region) []byte {
	var inner []byte
	inner = appendStringField(inner, regionTable, r.Table)
	inner = appendBytesField(inner, regionStartKey, r.StartKey)
	inner = appendBytesField(inner, regionEndKey, r.EndKey)
	inner = appendSignedField(inner, regionID, r.RegionID)
	inner = appendBoolField(inner, regionSplit, r.Split)
	inner = appendBoolField(inner, regionOffline, r.Offline)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeRegion(typ protowire.Type, b []byte, dst *region.Region) (int, error) {
	var inner []byte
	n := consumeBytes(typ, b, &inner)
	if n <= 0 {
		return n, nil
	}
	var r region.Region
	err := decodeFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case regionTable:
			return consumeString(typ, b, &r.Table), nil
		case regionStartKey:
			return consumeBytes(typ, b, &r.StartKey), nil
		case regionEndKey:
			return consumeBytes(typ, b, &r.EndKey), nil
		case regionID:
			return consumeSigned(typ, b, &r.RegionID), nil
		case regionSplit:
			return consumeBool(typ, b, &r.Split), nil
		case regionOffline:
			return consumeBool(typ, b, &r.Offline), nil
		}
		return skipField, nil
	})
	if err != nil {
		return n, fmt.Errorf("decode region: %w", err)
	}
	*dst = r
	return n, nil
}
