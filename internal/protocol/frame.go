package protocol

import (
	"fmt"
	"io"
)

// ReadBufferSize is the chunk size FrameReader reads from the stream.
const ReadBufferSize = 64 * 1024

// Frame is a decoded package together with the number of wire bytes it
// occupied, tag included.
type Frame struct {
	Package Package
	Len     int
}

// String returns a debug representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{%s, Len=%d}", Describe(f.Package), f.Len)
}

// Decoder turns a byte stream into frames. It is fed whatever chunks the
// transport returns and keeps the in-flight package and its ParseState across
// calls. A Decoder belongs to one connection and is not safe for concurrent use.
type Decoder struct {
	pending  []byte // unread tail of the previous chunk
	current  Package
	state    ParseState
	consumed int
	err      error
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes data and calls emit for every package completed, in stream
// order. An error from emit stops decoding and is returned. A framing error
// (unknown tag or corrupt body) is sticky: every later call returns it.
func (d *Decoder) Feed(data []byte, emit func(Frame) error) error {
	if d.err != nil {
		return d.err
	}

	buf := data
	if len(d.pending) > 0 {
		d.pending = append(d.pending, data...)
		buf = d.pending
	}
	r := &Reader{buf: buf}

	for {
		if d.current == nil {
			if r.Len() < TagSize {
				break
			}
			p, err := New(Tag(int32(r.uint32())))
			if err != nil {
				d.err = err
				return err
			}
			d.current = p
			d.state.Reset()
			d.consumed = TagSize
		}

		start := r.off
		done := d.current.decode(r, &d.state)
		d.consumed += r.off - start

		if d.state.Step == StepError {
			d.err = fmt.Errorf("%s: %w", d.current.Tag(), d.state.Err())
			return d.err
		}
		if !done {
			break
		}

		f := Frame{Package: d.current, Len: d.consumed}
		d.current = nil
		d.consumed = 0
		if err := emit(f); err != nil {
			return err
		}
	}

	d.pending = append(d.pending[:0], buf[r.off:]...)
	return nil
}

// InProgress reports whether a package has been started but not completed.
func (d *Decoder) InProgress() bool {
	return d.current != nil || len(d.pending) > 0
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r     io.Reader
	dec   *Decoder
	buf   []byte
	queue []Frame
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   r,
		dec: NewDecoder(),
		buf: make([]byte, ReadBufferSize),
	}
}

// Read returns the next frame, reading from the stream as often as needed.
func (fr *FrameReader) Read() (Frame, error) {
	for len(fr.queue) == 0 {
		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			ferr := fr.dec.Feed(fr.buf[:n], func(f Frame) error {
				fr.queue = append(fr.queue, f)
				return nil
			})
			if ferr != nil {
				return Frame{}, ferr
			}
		}
		if err != nil {
			if len(fr.queue) > 0 {
				break
			}
			if err == io.EOF && fr.dec.InProgress() {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}

	f := fr.queue[0]
	fr.queue[0] = Frame{}
	fr.queue = fr.queue[1:]
	return f, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write tags and encodes p in one write and returns its wire length.
func (fw *FrameWriter) Write(p Package) (int, error) {
	data := Encode(p)
	if _, err := fw.w.Write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}
