// Package wire implements the length-prefixed binary framing used on the
// coordinator connection and the length-prefixed client transport.
//
// A frame on the wire is a 4-byte big-endian length covering everything after
// the prefix, followed by a 1-byte frame type and the payload. Integers are
// fixed-width big-endian; strings are UTF-8 with a 4-byte big-endian byte
// count. There is no compression or checksum; integrity is delegated to the
// underlying reliable transport.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize bounds the declared length of a single frame. A peer
// announcing anything larger is treated as a protocol violation.
const MaxFrameSize = 1 << 24

// ErrFrameTooLarge is returned by Decoder.Feed when a frame declares a
// length above MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Writer builds a frame body. Values are appended in call order.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates an empty frame body writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) *Writer {
	w.buf.WriteByte(v)
	return w
}

// Uint64 appends v as 8 big-endian bytes.
func (w *Writer) Uint64(v uint64) *Writer {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
	return w
}

// String appends s as a 4-byte big-endian byte count followed by the UTF-8
// bytes of s.
func (w *Writer) String(s string) *Writer {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	w.buf.Write(tmp[:])
	w.buf.WriteString(s)
	return w
}

// Bytes appends p verbatim, with no prefix.
func (w *Writer) Bytes(p []byte) *Writer {
	w.buf.Write(p)
	return w
}

// Body returns the accumulated body without a length prefix.
func (w *Writer) Body() []byte {
	return w.buf.Bytes()
}

// Frame returns the accumulated body wrapped with its 4-byte big-endian
// length prefix, ready to be written to the transport.
func (w *Writer) Frame() []byte {
	body := w.buf.Bytes()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Reader consumes a frame body. Read errors are sticky: after the first
// failure every subsequent read returns the zero value and Err reports the
// original cause.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader creates a Reader over a frame body (the bytes after the length
// prefix).
func NewReader(body []byte) *Reader {
	return &Reader{buf: body}
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.err = fmt.Errorf("wire: reading uint8 at offset %d: short buffer", r.off)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// Uint64 reads 8 big-endian bytes.
func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = fmt.Errorf("wire: reading uint64 at offset %d: short buffer", r.off)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// String reads a 4-byte big-endian byte count followed by that many UTF-8
// bytes.
func (r *Reader) String() string {
	if r.err != nil {
		return ""
	}
	if r.off+4 > len(r.buf) {
		r.err = fmt.Errorf("wire: reading string length at offset %d: short buffer", r.off)
		return ""
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("wire: reading string of %d bytes at offset %d: short buffer", n, r.off)
		return ""
	}
	v := string(r.buf[r.off : r.off+n])
	r.off += n
	return v
}

// Rest returns a copy of all unread bytes and advances to the end.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	v := make([]byte, len(r.buf)-r.off)
	copy(v, r.buf[r.off:])
	r.off = len(r.buf)
	return v
}

// Err reports the first read failure, or nil.
func (r *Reader) Err() error {
	return r.err
}

// Decoder reassembles frames from an arbitrarily chunked byte stream. Feed it
// whatever the transport delivers; it buffers partial frames and yields each
// frame body once its declared length has fully arrived.
//
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns the bodies of every
// frame that is now complete, in arrival order. Each returned slice is the
// frame body (type byte plus payload) without the length prefix, copied out
// of the internal buffer.
//
// Postcondition: on error the decoder's buffer state is undefined and the
// connection should be dropped.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	for len(d.buf) >= 4 {
		n := binary.BigEndian.Uint32(d.buf)
		if n > MaxFrameSize {
			return frames, fmt.Errorf("declared length %d: %w", n, ErrFrameTooLarge)
		}
		if len(d.buf) < 4+int(n) {
			break
		}
		body := make([]byte, n)
		copy(body, d.buf[4:4+n])
		frames = append(frames, body)
		d.buf = d.buf[4+int(n):]
	}

	// Reclaim the backing array once everything buffered has been consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Pending reports the number of buffered bytes awaiting frame completion.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
