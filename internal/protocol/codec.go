package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownPackage is returned for tags with no registered package kind
	ErrUnknownPackage = errors.New("unknown package tag")

	// ErrCorruptPackage is returned when a body holds a structurally impossible value
	ErrCorruptPackage = errors.New("corrupt package")
)

// UnknownTagError reports the tag that could not be dispatched.
type UnknownTagError struct {
	Tag Tag
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("%s: %d", ErrUnknownPackage, int32(e.Tag))
}

func (e *UnknownTagError) Is(target error) bool {
	return target == ErrUnknownPackage
}

// Decode step sentinels
const (
	StepDone  = -1
	StepError = -2
)

// ParseState is the continuation of one package decode. Step is the index of
// the field being decoded, or StepDone / StepError. The remaining fields hold
// progress inside the current field and are reset whenever Step advances.
type ParseState struct {
	Step int

	length  int32   // pending string, byte array or element count
	haveLen bool    // length prefix already consumed
	part    [4]byte // bytes of a fixed-width field split across chunks
	nPart   int
	index   int    // array element or byte copy cursor
	scratch []byte // partial string content
	child   *ParseState
	err     error
}

// Done reports whether the package has been fully decoded.
func (s *ParseState) Done() bool { return s.Step == StepDone }

// Err returns the decode error once Step is StepError.
func (s *ParseState) Err() error { return s.err }

// Reset prepares the state for a new package.
func (s *ParseState) Reset() {
	*s = ParseState{}
}

func (s *ParseState) next() {
	s.Step++
	s.length = 0
	s.haveLen = false
	s.index = 0
	s.scratch = nil
	s.child = nil
}

func (s *ParseState) fail(err error) bool {
	s.Step = StepError
	s.err = err
	return false
}

func (s *ParseState) finish() bool {
	if s.Step == StepError {
		return false
	}
	s.Step = StepDone
	return true
}

// Reader is a cursor over one chunk of received bytes. Bytes are consumed
// exactly once: a decode that runs out of input keeps what it has read in its
// ParseState, so the next chunk starts where this one ended.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// fixed32 reads a little-endian 4-byte value that may arrive split across
// chunks. Partial bytes are held in st.part.
func (r *Reader) fixed32(st *ParseState) (uint32, bool) {
	if st.nPart == 0 && r.Len() >= 4 {
		return r.uint32(), true
	}
	n := copy(st.part[st.nPart:], r.buf[r.off:])
	r.off += n
	st.nPart += n
	if st.nPart < 4 {
		return 0, false
	}
	st.nPart = 0
	return binary.LittleEndian.Uint32(st.part[:]), true
}

// readInt32 decodes a fixed 4-byte field.
func (r *Reader) readInt32(st *ParseState, dst *int32) bool {
	v, ok := r.fixed32(st)
	if !ok {
		return false
	}
	*dst = int32(v)
	st.next()
	return true
}

// readLength consumes a length prefix once per field.
func (r *Reader) readLength(st *ParseState, field string) bool {
	if st.haveLen {
		return true
	}
	v, ok := r.fixed32(st)
	if !ok {
		return false
	}
	n := int32(v)
	if n > MaxFieldLength {
		return st.fail(fmt.Errorf("%w: %s length %d exceeds limit", ErrCorruptPackage, field, n))
	}
	st.length = n
	st.haveLen = true
	return true
}

// readString decodes a non-nullable length-prefixed UTF-8 string.
func (r *Reader) readString(st *ParseState, field string, dst *string) bool {
	if !r.readLength(st, field) {
		return false
	}
	if st.length < 0 {
		return st.fail(fmt.Errorf("%w: %s length %d", ErrCorruptPackage, field, st.length))
	}
	want := int(st.length) - len(st.scratch)
	n := min(want, r.Len())
	if n == int(st.length) {
		// Whole string in this chunk.
		*dst = string(r.buf[r.off : r.off+n])
		r.off += n
		st.next()
		return true
	}
	st.scratch = append(st.scratch, r.buf[r.off:r.off+n]...)
	r.off += n
	if len(st.scratch) < int(st.length) {
		return false
	}
	*dst = string(st.scratch)
	st.next()
	return true
}

// readBytes decodes a length-prefixed byte array of at most limit bytes,
// copying progressively.
func (r *Reader) readBytes(st *ParseState, field string, nullable bool, limit int, dst *[]byte) bool {
	if !st.haveLen {
		if !r.readLength(st, field) {
			return false
		}
		switch {
		case st.length == -1 && nullable:
			*dst = nil
			st.next()
			return true
		case st.length < 0:
			return st.fail(fmt.Errorf("%w: %s length %d", ErrCorruptPackage, field, st.length))
		case int(st.length) > limit:
			return st.fail(fmt.Errorf("%w: %s length %d exceeds %d", ErrCorruptPackage, field, st.length, limit))
		}
		*dst = make([]byte, st.length)
	}
	n := copy((*dst)[st.index:], r.buf[r.off:])
	r.off += n
	st.index += n
	if st.index < int(st.length) {
		return false
	}
	st.next()
	return true
}

// record is a package or a nested element with a hand-written codec.
type record interface {
	size() int
	encode(w *writer)
	decode(r *Reader, st *ParseState) bool
}

// readRecords decodes a non-nullable array of nested records. Each element
// decodes with its own child state, reset between elements.
func readRecords[T any, P interface {
	*T
	record
}](r *Reader, st *ParseState, field string, dst *[]T) bool {
	if !st.haveLen {
		if !r.readLength(st, field) {
			return false
		}
		if st.length < 0 {
			return st.fail(fmt.Errorf("%w: %s count %d", ErrCorruptPackage, field, st.length))
		}
		*dst = make([]T, 0, min(int(st.length), 64))
	}
	for st.index < int(st.length) {
		if st.child == nil {
			st.child = &ParseState{}
			*dst = append(*dst, *new(T))
		}
		elem := P(&(*dst)[st.index])
		if !elem.decode(r, st.child) {
			if st.child.Step == StepError {
				return st.fail(fmt.Errorf("%s[%d]: %w", field, st.index, st.child.err))
			}
			return false
		}
		st.child = nil
		st.index++
	}
	st.next()
	return true
}

// writer serializes into a buffer sized up front.
type writer struct {
	buf []byte
	off int
}

func (w *writer) int32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(v))
	w.off += 4
}

func (w *writer) string(s string) {
	w.int32(int32(len(s)))
	w.off += copy(w.buf[w.off:], s)
}

func (w *writer) bytes(b []byte, nullable bool) {
	if b == nil && nullable {
		w.int32(-1)
		return
	}
	w.int32(int32(len(b)))
	w.off += copy(w.buf[w.off:], b)
}

func stringSize(s string) int { return 4 + len(s) }

func bytesSize(b []byte) int { return 4 + len(b) }

// Size returns the wire length of p including its tag.
func Size(p Package) int {
	return TagSize + p.size()
}

// Encode serializes p into a complete frame. The length of the result is the
// package's wire length.
func Encode(p Package) []byte {
	w := &writer{buf: make([]byte, Size(p))}
	w.int32(int32(p.Tag()))
	p.encode(w)
	return w.buf
}

// Resume continues decoding p from r. It returns true once every field has
// been read. A false return with st.Step == StepError means the package is
// corrupt; otherwise r has been drained and the same p and st must be passed
// again with a reader over the bytes that follow it in the stream.
func Resume(p Package, r *Reader, st *ParseState) bool {
	return p.decode(r, st)
}
