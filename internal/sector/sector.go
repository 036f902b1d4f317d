package sector

import (
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/storage"
)

// ReadTyped reads the 1-byte type tag, the ByteSize-wide size field and
// the fixed-size content of the sector expected to live at off, verifying
// the tag matches want and the stored size field matches the content size
// derived from it (for TypeFreelist, from the class named by the first
// content byte). Returns dpdberr.Corrupt if either check fails. The
// engine never attempts to recover from an unexpected sector type or a
// mismatched size field.
func ReadTyped(f storage.Filer, p Params, off int64, want byte) (content []byte, err error) {
	sizeFieldOff := 1
	contentOff := sizeFieldOff + int(p.ByteSize)

	class := want
	if want == TypeFreelist {
		// A freed sector keeps the size of the class it was released
		// from, and names that class in its first content byte.
		peek := make([]byte, contentOff+1)
		if n, rerr := f.ReadAt(peek, off); n != len(peek) {
			return nil, dpdberr.Wrap(dpdberr.IO, "read sector", rerr)
		}
		class = peek[contentOff]
	}
	size, err := p.ContentSize(class)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, int64(contentOff)+size)
	if n, rerr := f.ReadAt(buf, off); n != len(buf) {
		return nil, dpdberr.Wrap(dpdberr.IO, "read sector", rerr)
	}

	if buf[0] != want {
		return nil, dpdberr.At(dpdberr.Corrupt, "unexpected sector type", off)
	}
	if stored := GetOffset(buf[sizeFieldOff:], p.ByteSize); stored != size {
		return nil, dpdberr.At(dpdberr.Corrupt, "sector size field mismatch", off)
	}

	return buf[contentOff:], nil
}

// WriteTyped writes a sector's type tag, size field and content at off.
// content must already be exactly p.ContentSize(typ) bytes (callers build
// it that way so the fixed-size invariant always holds); the size field
// is redundant with typ (both name the same content size) but is written
// regardless, per the file format's normative type_byte | size | content
// framing.
func WriteTyped(f storage.Filer, p Params, typ byte, off int64, content []byte) error {
	sizeFieldOff := 1
	contentOff := sizeFieldOff + int(p.ByteSize)
	buf := make([]byte, contentOff+len(content))
	buf[0] = typ
	PutOffset(buf[sizeFieldOff:], p.ByteSize, int64(len(content)))
	copy(buf[contentOff:], content)
	if n, err := f.WriteAt(buf, off); n != len(buf) {
		return dpdberr.Wrap(dpdberr.IO, "write sector", err)
	}
	return nil
}

// SectorSize is the on-disk footprint (type byte + size field + content)
// of a sector of the given class.
func (p Params) SectorSize(typ byte) (int64, error) {
	sz, err := p.ContentSize(typ)
	if err != nil {
		return 0, err
	}
	return 1 + int64(p.ByteSize) + sz, nil
}
