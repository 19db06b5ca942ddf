package message

import (
	"encoding/binary"
	"fmt"
)

// Writer appends per-operation payloads to a message body. Each Append*
// call advances the body by the bytes written.
type Writer struct {
	body []byte
}

// NewWriter returns an empty body writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) AppendUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.body = append(w.body, b[:]...)
}

func (w *Writer) AppendUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.body = append(w.body, b[:]...)
}

// AppendString writes a NUL-terminated string, the wire representation
// for namespaces and keys.
func (w *Writer) AppendString(s string) {
	w.body = append(w.body, s...)
	w.body = append(w.body, 0)
}

// AppendBytes writes a uint32 length prefix followed by raw bytes, the
// shape used for KV values in the body (as opposed to send-attached
// buffers, which carry their own framing outside the body).
func (w *Writer) AppendBytes(p []byte) {
	w.AppendUint32(uint32(len(p)))
	w.body = append(w.body, p...)
}

// Bytes returns the accumulated body.
func (w *Writer) Bytes() []byte { return w.body }

// Reader offers stream-style getters over a message body, advancing an
// internal cursor.
type Reader struct {
	body []byte
	pos  int
}

// NewReader wraps body for sequential decoding.
func NewReader(body []byte) *Reader { return &Reader{body: body} }

// ErrShortRead is returned when the body is exhausted before a Get call
// can be satisfied. A network read short of the expected length is
// fatal for the connection; callers close and discard the connection
// on this error rather than retrying.
var ErrShortRead = fmt.Errorf("message: short read")

func (r *Reader) need(n int) error {
	if len(r.body)-r.pos < n {
		return ErrShortRead
	}
	return nil
}

func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.body[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.body[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// GetString reads a NUL-terminated string written by AppendString.
func (r *Reader) GetString() (string, error) {
	idx := -1
	for i := r.pos; i < len(r.body); i++ {
		if r.body[i] == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", ErrShortRead
	}
	s := string(r.body[r.pos:idx])
	r.pos = idx + 1
	return s, nil
}

// GetBytes reads a uint32-length-prefixed byte slice written by
// AppendBytes. The returned slice is a fresh copy, not a view into the
// body, so callers may retain it past the next Get call.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.body[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// Remaining reports how many bytes are left unread in the body, useful
// for dispatch loops that process "count" sub-blocks until the body is
// exhausted.
func (r *Reader) Remaining() int { return len(r.body) - r.pos }
