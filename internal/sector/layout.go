// Package sector implements the typed, length-prefixed records the engine
// carves out of a storage.Filer: Header, Index, BucketList, KeyLocator,
// Data and Freelist. Layout, constants and byte order are normative per
// the file format description; any compatible implementation must
// reproduce them exactly.
package sector

import (
	"crypto/md5"

	"github.com/cznic/dpdb/internal/dpdberr"
)

// ByteSize selects the width of every "long" (offset) field in the file.
type ByteSize byte

const (
	Small  ByteSize = 2 // offsets up to 64KiB
	Medium ByteSize = 4 // offsets up to 4GiB
	Large  ByteSize = 8 // offsets up to the int64 range
)

func (b ByteSize) valid() bool { return b == Small || b == Medium || b == Large }

// Valid reports whether b is one of the supported offset widths.
func (b ByteSize) Valid() bool { return b.valid() }

// Magic identifies a dpdb file. Bit-exact per the file format.
var Magic = [4]byte{'D', 'P', 'D', 'B'}

const FormatVersion = 1

// Type bytes for the generic sector framing. 0x00 is reserved so an
// all-zero region (e.g. a hole-punched or never-written range) is never
// mistaken for a live sector.
const (
	TypeFreelist   byte = 0x00
	TypeData       byte = 0x01
	TypeIndex      byte = 0x02
	TypeBucketList byte = 0x03
	TypeKeyLocator byte = 0x04
)

// Offsets 0 and 1 are reserved inside MVCC slots ("absent" and "deleted")
// and therefore can never be valid sector starts; both fall within the
// header area for every supported parameter combination.
const (
	OffAbsent  = 0
	OffDeleted = 1
)

// Implementation-chosen constants. Maximum plain-key length and class-tag
// length are bounded here to keep KeyLocator an exact, fixed-size sector
// class the way Index, BucketList and Data are. 255 matches the 1-byte
// plain_key_len prefix exactly; see DESIGN.md's Open Question ledger.
const (
	MaxPlainKeyLen = 255
	MaxClassLen    = 255

	// MaxChunkLen bounds a single Data sector's payload; longer scalars
	// chain across multiple Data sectors via the chain-offset field.
	MaxChunkLen = 240
)

// Params are the header-derived constants every sector size and every
// cascade/MVCC computation is built from.
type Params struct {
	ByteSize    ByteSize
	DigestSize  byte // default 16 (MD5)
	MaxBuckets  byte // default 16
	IndexFanout int  // default 256; a header byte of 0 means 256
}

// DefaultParams matches the defaults named in the file format section.
func DefaultParams() Params {
	return Params{ByteSize: Large, DigestSize: md5.Size, MaxBuckets: 16, IndexFanout: 256}
}

func fanoutByte(f int) byte {
	if f == 256 {
		return 0
	}
	return byte(f)
}

func fanoutFromByte(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

// HeaderSize is 9 fixed bytes (magic, version, byte-size enum, digest
// size, max buckets, index fanout) plus one freelist head per sector
// class (Index, BucketList, KeyLocator, Data), each ByteSize wide.
func (p Params) HeaderSize() int64 {
	return 9 + 4*int64(p.ByteSize)
}

// BaseKeyLocatorOffset is the well-known fixed location of the root
// collection's base KeyLocator, immediately after the header.
func (p Params) BaseKeyLocatorOffset() int64 {
	return p.HeaderSize()
}

// IndexContentSize is IndexFanout child offsets, ByteSize wide each.
func (p Params) IndexContentSize() int64 {
	return int64(p.IndexFanout) * int64(p.ByteSize)
}

// BucketListContentSize is MaxBuckets * (digest, KeyLocator offset) slots.
func (p Params) BucketListContentSize() int64 {
	return int64(p.MaxBuckets) * (int64(p.DigestSize) + int64(p.ByteSize))
}

// slotSize is one MVCC slot: value_off (ByteSize) | tid (1) | deleted (1).
func (p Params) slotSize() int64 { return int64(p.ByteSize) + 2 }

// KeyLocatorContentSize is the MVCC slot table, plus the length-prefixed
// plaintext key area, plus the optional class-tag area.
func (p Params) KeyLocatorContentSize() int64 {
	return int64(p.MaxBuckets)*p.slotSize() + 1 + MaxPlainKeyLen + 1 + int64(p.ByteSize) + MaxClassLen
}

// DataContentSize is payload_type(1) | chain_off(ByteSize) | chunk_len(1)
// | chunk(MaxChunkLen) with no extra padding field (the chunk area itself
// is the padding when chunk_len < MaxChunkLen, per the file format's
// "chunk(chunk_len) | padding" description).
func (p Params) DataContentSize() int64 {
	return 1 + int64(p.ByteSize) + 1 + MaxChunkLen
}

// ContentSize returns the fixed content size for a sector type byte.
func (p Params) ContentSize(typ byte) (int64, error) {
	switch typ {
	case TypeIndex:
		return p.IndexContentSize(), nil
	case TypeBucketList:
		return p.BucketListContentSize(), nil
	case TypeKeyLocator:
		return p.KeyLocatorContentSize(), nil
	case TypeData:
		return p.DataContentSize(), nil
	default:
		return 0, dpdberr.WithArg(dpdberr.Corrupt, "unknown sector type", typ)
	}
}

// --- big-endian fixed-width integer codecs, width = ByteSize -----------

// PutOffset writes v into b (which must be at least width(size) bytes)
// in network byte order.
func PutOffset(b []byte, size ByteSize, v int64) {
	for i := int(size) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// GetOffset reads a ByteSize-wide big-endian offset from b.
func GetOffset(b []byte, size ByteSize) int64 {
	var v int64
	for i := 0; i < int(size); i++ {
		v = v<<8 | int64(b[i])
	}
	return v
}
