package region

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Region describes a contiguous key range of a table. It is the unit of assignment.
type Region struct {
	Table    string
	StartKey []byte
	EndKey   []byte // empty slice denotes infinity
	// RegionID is the creation timestamp (ms) distinguishing regions that
	// share a start key across splits.
	RegionID int64
	// Split and Offline are set on a parent once a split retires it.
	Split   bool
	Offline bool
}

// nameDelimiter separates table, start key and region id in a full region name.
const nameDelimiter = ','

// ContainsKey reports whether the region manages the provided key.
func (r *Region) ContainsKey(key []byte) bool {
	if r == nil {
		return false
	}
	if len(r.StartKey) > 0 && bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	if len(r.EndKey) > 0 && bytes.Compare(key, r.EndKey) >= 0 {
		return false
	}
	return true
}

func (r Region) baseName() []byte {
	var buf bytes.Buffer
	buf.WriteString(r.Table)
	buf.WriteByte(nameDelimiter)
	buf.Write(r.StartKey)
	buf.WriteByte(nameDelimiter)
	buf.WriteString(strconv.FormatInt(r.RegionID, 10))
	return buf.Bytes()
}

// EncodedName is the hex MD5 digest of the region's base name. It is stable
// for the lifetime of the region and safe to use as a node name.
func (r Region) EncodedName() string {
	sum := md5.Sum(r.baseName())
	return hex.EncodeToString(sum[:])
}

// Name returns the full region name: table,startKey,regionID.encoded.
func (r Region) Name() []byte {
	name := r.baseName()
	name = append(name, '.')
	name = append(name, r.EncodedName()...)
	return append(name, '.')
}

// NameString is Name as a string.
func (r Region) NameString() string {
	return string(r.Name())
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("{%s start=%q end=%q id=%d encoded=%s}", r.Table, r.StartKey, r.EndKey, r.RegionID, r.EncodedName())
}

// Equal compares identities; split and offline flags are ignored.
func (r Region) Equal(o Region) bool {
	return r.Table == o.Table && r.RegionID == o.RegionID &&
		bytes.Equal(r.StartKey, o.StartKey) && bytes.Equal(r.EndKey, o.EndKey)
}

// Clone returns a copy of the Region metadata for safe mutation.
func (r *Region) Clone() Region {
	if r == nil {
		return Region{}
	}
	cp := *r
	cp.StartKey = append([]byte(nil), r.StartKey...)
	cp.EndKey = append([]byte(nil), r.EndKey...)
	return cp
}

// EncodedNameOf extracts the encoded name from a full region name, falling
// back to hashing when the name carries no encoded suffix.
func EncodedNameOf(fullName []byte) string {
	s := string(fullName)
	if strings.HasSuffix(s, ".") {
		trimmed := s[:len(s)-1]
		if idx := strings.LastIndexByte(trimmed, '.'); idx >= 0 && len(trimmed)-idx-1 == md5.Size*2 {
			return trimmed[idx+1:]
		}
	}
	sum := md5.Sum(fullName)
	return hex.EncodeToString(sum[:])
}

// Marshal encodes the region for embedding in catalog rows and split payloads.
func (r Region) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a region produced by Marshal.
func Unmarshal(data []byte) (Region, error) {
	var r Region
	if err := json.Unmarshal(data, &r); err != nil {
		return Region{}, fmt.Errorf("decode region: %w", err)
	}
	return r, nil
}
