// Package entity implements the Map and Sequence collection sugar on top
// of a cascade.Tree and the MVCC slot protocol: get/put/delete/exists/
// first_key/next_key/clear, plus Sequence's length pseudo-key and
// negative-index resolution. Grounded directly on dbm.Array/dbm.File
// (dbm/dbm.go, dbm/slice.go): same surface, same idea of a persistent
// handle wrapping a lower structural layer.
package entity

import (
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
	"github.com/golang/snappy"
)

const (
	flagNone       = 0
	flagCompressed = 1
)

// WriteScalar chunks value across one or more Data sectors, chained via
// each sector's chain-offset field, compressing the whole value with
// snappy first when doing so saves space (mirrors lldb.Allocator's
// optional block compression, lldb/falloc.go).
func WriteScalar(f storage.Filer, p sector.Params, alloc *sector.Allocator, value []byte) (int64, error) {
	payload := value
	flag := byte(flagNone)
	if c := snappy.Encode(nil, value); len(c) < len(value) {
		payload = c
		flag = flagCompressed
	}

	n := (len(payload) + sector.MaxChunkLen - 1) / sector.MaxChunkLen
	if n == 0 {
		n = 1 // always at least one (possibly empty) chunk
	}

	offsets := make([]int64, n)
	for i := range offsets {
		off, err := alloc.RequestSpace(sector.TypeData)
		if err != nil {
			return 0, err
		}
		offsets[i] = off
	}

	for i := 0; i < n; i++ {
		start := i * sector.MaxChunkLen
		end := start + sector.MaxChunkLen
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		content := make([]byte, p.DataContentSize())
		content[0] = flagNone
		if i == 0 {
			content[0] = flag
		}
		var next int64
		if i+1 < n {
			next = offsets[i+1]
		}
		sector.PutOffset(content[1:], p.ByteSize, next)
		content[1+int64(p.ByteSize)] = byte(len(chunk))
		copy(content[1+int64(p.ByteSize)+1:], chunk)

		if err := sector.WriteTyped(f, p, sector.TypeData, offsets[i], content); err != nil {
			return 0, err
		}
	}

	return offsets[0], nil
}

// ReadScalar reassembles a value chain starting at off.
func ReadScalar(f storage.Filer, p sector.Params, off int64) ([]byte, error) {
	var payload []byte
	flag := byte(flagNone)
	first := true

	for off != 0 {
		content, err := sector.ReadTyped(f, p, off, sector.TypeData)
		if err != nil {
			return nil, err
		}

		if first {
			flag = content[0]
			first = false
		}

		next := sector.GetOffset(content[1:], p.ByteSize)
		clen := int(content[1+int64(p.ByteSize)])
		chunk := content[1+int64(p.ByteSize)+1 : 1+int64(p.ByteSize)+1+int64(clen)]
		payload = append(payload, chunk...)
		off = next
	}

	if flag == flagCompressed {
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, dpdberr.Wrap(dpdberr.Corrupt, "decompress scalar chain", err)
		}
		return out, nil
	}
	return payload, nil
}

// FreeScalar releases every Data sector in a value chain.
func FreeScalar(f storage.Filer, p sector.Params, alloc *sector.Allocator, off int64) error {
	for off != 0 {
		content, err := sector.ReadTyped(f, p, off, sector.TypeData)
		if err != nil {
			return err
		}
		next := sector.GetOffset(content[1:], p.ByteSize)
		if err := alloc.ReleaseSpace(sector.TypeData, off); err != nil {
			return err
		}
		off = next
	}
	return nil
}

// IsCollectionRef reports whether off (a KeyLocator slot's value offset)
// points at a nested cascade root (Index/BucketList) rather than a Data
// chain, by peeking the generic sector type tag lldb-style framing
// always writes first.
func IsCollectionRef(f storage.Filer, off int64) (bool, error) {
	var b [1]byte
	if n, err := f.ReadAt(b[:], off); n != 1 {
		return false, dpdberr.Wrap(dpdberr.IO, "peek value sector type", err)
	}
	switch b[0] {
	case sector.TypeIndex, sector.TypeBucketList:
		return true, nil
	case sector.TypeData:
		return false, nil
	default:
		return false, dpdberr.At(dpdberr.Corrupt, "unexpected value sector type", off)
	}
}
