package sector

import (
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/storage"
)

// Header is the file's identity and sizing record, read once at Open and
// held in memory for the lifetime of the instance. FreelistHeads holds
// one offset per reusable sector class, indexed by the TypeIndex/
// TypeBucketList/TypeKeyLocator/TypeData constants; TypeFreelist itself
// doesn't get a head here since a freed sector's own type byte already
// tags it as a freelist member (see Params.ContentSize callers).
type Header struct {
	Params
	FileOffset    int64
	FreelistHeads map[byte]int64
}

var freelistClasses = [4]byte{TypeIndex, TypeBucketList, TypeKeyLocator, TypeData}

// WriteNew creates a brand-new header at fileOffset, for a zero-length
// Filer. It does not write the root collection's base KeyLocator; the
// caller allocates that right after the header.
func WriteNew(f storage.Filer, fileOffset int64, p Params) (*Header, error) {
	if !p.ByteSize.valid() {
		return nil, dpdberr.WithArg(dpdberr.IO, "invalid byte size", p.ByteSize)
	}

	h := &Header{Params: p, FileOffset: fileOffset, FreelistHeads: map[byte]int64{}}

	buf := make([]byte, p.HeaderSize())
	copy(buf[0:4], Magic[:])
	buf[4] = FormatVersion
	buf[5] = byte(p.ByteSize)
	buf[6] = p.DigestSize
	buf[7] = p.MaxBuckets
	buf[8] = fanoutByte(p.IndexFanout)
	// freelist heads all start at 0 (empty); buf is already zeroed.

	if _, err := f.WriteAt(buf, fileOffset); err != nil {
		return nil, dpdberr.Wrap(dpdberr.IO, "write header", err)
	}

	return h, nil
}

// Read loads and validates an existing header at fileOffset.
func Read(f storage.Filer, fileOffset int64) (*Header, error) {
	var fixed [9]byte
	if n, err := f.ReadAt(fixed[:], fileOffset); n != len(fixed) {
		return nil, dpdberr.Wrap(dpdberr.IO, "read header", err)
	}

	if [4]byte(fixed[0:4]) != Magic {
		return nil, dpdberr.At(dpdberr.NotADB, "bad magic", fileOffset)
	}

	if fixed[4] != FormatVersion {
		return nil, dpdberr.WithArg(dpdberr.NotADB, "unsupported format version", fixed[4])
	}

	p := Params{
		ByteSize:    ByteSize(fixed[5]),
		DigestSize:  fixed[6],
		MaxBuckets:  fixed[7],
		IndexFanout: fanoutFromByte(fixed[8]),
	}
	if !p.ByteSize.valid() {
		return nil, dpdberr.WithArg(dpdberr.Corrupt, "invalid byte size in header", fixed[5])
	}

	h := &Header{Params: p, FileOffset: fileOffset, FreelistHeads: map[byte]int64{}}

	buf := make([]byte, 4*int64(p.ByteSize))
	if n, err := f.ReadAt(buf, fileOffset+9); n != len(buf) {
		return nil, dpdberr.Wrap(dpdberr.IO, "read header freelist heads", err)
	}

	for i, class := range freelistClasses {
		h.FreelistHeads[class] = GetOffset(buf[i*int(p.ByteSize):], p.ByteSize)
	}

	return h, nil
}

// SetFreelistHead persists the (possibly updated) freelist head for a
// sector class.
func (h *Header) SetFreelistHead(f storage.Filer, class byte, off int64) error {
	idx := -1
	for i, c := range freelistClasses {
		if c == class {
			idx = i
			break
		}
	}
	if idx < 0 {
		return dpdberr.WithArg(dpdberr.Corrupt, "not a freelist class", class)
	}

	h.FreelistHeads[class] = off
	b := make([]byte, h.ByteSize)
	PutOffset(b, h.ByteSize, off)
	fileOff := h.FileOffset + 9 + int64(idx)*int64(h.ByteSize)
	if _, err := f.WriteAt(b, fileOff); err != nil {
		return dpdberr.Wrap(dpdberr.IO, "write freelist head", err)
	}
	return nil
}
