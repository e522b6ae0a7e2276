// Package archive implements the binary codec used by every record and
// every control message in the runtime (spec.md §4.2, §6, §9 "keep the
// wire tag stable by matching declaration order").
//
// It is a hand-rolled, recursive codec over a small closed set of leaf and
// container shapes -- integers, floats, bools, byte strings, error codes,
// ordered sequences, mappings, sets, fixed tuples and optionals -- the same
// way the original dtc/archive/archive.hpp is one archiver per concrete
// type rather than a generic reflection-based marshaler. Every value is
// length-prefixed so it is self-delimiting: a reader can always tell
// whether it has a complete value yet.
package archive

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortRead is returned by a Reader method when the underlying byte
// slice does not yet contain a complete value. Callers (the stream layer)
// treat this as "wait for more bytes", never as a hard failure.
var ErrShortRead = errors.New("archive: short read")

// Marshaler is implemented by any value with an explicit wire encoding,
// the Go analogue of the C++ side's `archive(ArchiverT&)` member template.
type Marshaler interface {
	MarshalArchive(w *Writer) error
}

// Unmarshaler is the read-side counterpart of Marshaler.
type Unmarshaler interface {
	UnmarshalArchive(r *Reader) error
}

// Writer accumulates the byte encoding of a single logical record. It is
// not safe for concurrent use; callers serialize their own access (the
// stream layer's OutputStreamBuffer does this with a mutex).
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with its internal buffer pre-sized.
func NewWriter(capacityHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capacityHint)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// Reset clears the writer for reuse.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// Put writes each of the given values in order, dispatching on type. It
// mirrors the variadic `stream(...)` call of the original: one call
// serializes one logical record whose bytes end up contiguous.
func (w *Writer) Put(values ...interface{}) error {
	for _, v := range values {
		if err := w.putOne(v); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) putOne(v interface{}) error {
	switch t := v.(type) {
	case bool:
		w.PutBool(t)
	case int:
		w.PutInt64(int64(t))
	case int8:
		w.PutInt8(t)
	case int16:
		w.PutInt16(t)
	case int32:
		w.PutInt32(t)
	case int64:
		w.PutInt64(t)
	case uint:
		w.PutUint64(uint64(t))
	case uint8:
		w.buf = append(w.buf, t)
	case uint16:
		w.PutUint16(t)
	case uint32:
		w.PutUint32(t)
	case uint64:
		w.PutUint64(t)
	case float32:
		w.PutFloat32(t)
	case float64:
		w.PutFloat64(t)
	case string:
		w.PutString(t)
	case []byte:
		w.PutBytes(t)
	case Marshaler:
		return t.MarshalArchive(w)
	default:
		return errUnsupportedType
	}
	return nil
}

var errUnsupportedType = errors.New("archive: unsupported type for Put")

// PutBool writes a single-byte bool.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// PutInt8 writes a single signed byte.
func (w *Writer) PutInt8(v int8) { w.buf = append(w.buf, byte(v)) }

// PutUint8 writes a single unsigned byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutInt16 writes a big-endian int16.
func (w *Writer) PutInt16(v int16) { w.PutUint16(uint16(v)) }

// PutInt32 writes a big-endian int32.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutInt64 writes a big-endian int64.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutUint16 writes a big-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint32 writes a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint64 writes a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutFloat32 writes a big-endian IEEE-754 float32.
func (w *Writer) PutFloat32(v float32) { w.PutUint32(math.Float32bits(v)) }

// PutFloat64 writes a big-endian IEEE-754 float64.
func (w *Writer) PutFloat64(v float64) { w.PutUint64(math.Float64bits(v)) }

// PutBytes writes a length-prefixed byte string.
func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// PutString writes a length-prefixed string.
func (w *Writer) PutString(v string) { w.PutBytes([]byte(v)) }

// PutOptional writes the optional's presence flag and, if present, calls
// put to encode the payload.
func (w *Writer) PutOptional(present bool, put func() error) error {
	w.PutBool(present)
	if !present {
		return nil
	}
	return put()
}

// PutVariant writes a variant's tag index followed by its payload,
// matching the original's `{index, payload}` encoding. index must match
// the declaration order of the sum type (spec.md §9).
func (w *Writer) PutVariant(index uint8, put func() error) error {
	w.buf = append(w.buf, index)
	return put()
}

// PutSlice writes a length-prefixed ordered sequence.
func PutSlice[T any](w *Writer, s []T, put func(*Writer, T) error) error {
	w.PutUint32(uint32(len(s)))
	for _, v := range s {
		if err := put(w, v); err != nil {
			return err
		}
	}
	return nil
}

// PutMap writes a length-prefixed mapping.
func PutMap[K comparable, V any](w *Writer, m map[K]V, putKey func(*Writer, K) error, putVal func(*Writer, V) error) error {
	w.PutUint32(uint32(len(m)))
	for k, v := range m {
		if err := putKey(w, k); err != nil {
			return err
		}
		if err := putVal(w, v); err != nil {
			return err
		}
	}
	return nil
}

// PutSet writes a length-prefixed set (an unordered collection with no
// associated value).
func PutSet[T comparable](w *Writer, s map[T]struct{}, put func(*Writer, T) error) error {
	w.PutUint32(uint32(len(s)))
	for v := range s {
		if err := put(w, v); err != nil {
			return err
		}
	}
	return nil
}

// ------------------------------------------------------------------------

// Reader decodes values out of a byte slice that may not yet be complete.
// Every Get* method returns ErrShortRead, without having consumed any
// bytes, if the slice doesn't yet hold a full value.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for reading from offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current read offset.
func (r *Reader) Pos() int { return r.pos }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Len() < n {
		return ErrShortRead
	}
	return nil
}

// GetBool reads a single-byte bool.
func (r *Reader) GetBool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

// GetInt8 reads a signed byte.
func (r *Reader) GetInt8() (int8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := int8(r.buf[r.pos])
	r.pos++
	return v, nil
}

// GetUint8 reads a single unsigned byte.
func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// GetInt16 reads a big-endian int16.
func (r *Reader) GetInt16() (int16, error) {
	v, err := r.GetUint16()
	return int16(v), err
}

// GetInt32 reads a big-endian int32.
func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

// GetInt64 reads a big-endian int64.
func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

// GetUint16 reads a big-endian uint16.
func (r *Reader) GetUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// GetUint32 reads a big-endian uint32.
func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// GetUint64 reads a big-endian uint64.
func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// GetFloat32 reads a big-endian IEEE-754 float32.
func (r *Reader) GetFloat32() (float32, error) {
	v, err := r.GetUint32()
	return math.Float32frombits(v), err
}

// GetFloat64 reads a big-endian IEEE-754 float64.
func (r *Reader) GetFloat64() (float64, error) {
	v, err := r.GetUint64()
	return math.Float64frombits(v), err
}

// GetBytes reads a length-prefixed byte string. The returned slice is a
// copy; the reader's own backing array may be reused by the caller.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		// Roll back the length prefix so a retry re-reads it.
		r.pos -= 4
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

// GetString reads a length-prefixed string.
func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOptional reads a presence flag and, if set, calls get to decode the
// payload.
func (r *Reader) GetOptional(get func() error) (present bool, err error) {
	mark := r.pos
	present, err = r.GetBool()
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := get(); err != nil {
		r.pos = mark
		return false, err
	}
	return true, nil
}

// GetVariant reads a variant's tag index and calls get to decode its
// payload.
func (r *Reader) GetVariant(get func(index uint8) error) error {
	if err := r.need(1); err != nil {
		return err
	}
	idx := r.buf[r.pos]
	save := r.pos
	r.pos++
	if err := get(idx); err != nil {
		r.pos = save
		return err
	}
	return nil
}

// GetSlice reads a length-prefixed ordered sequence.
func GetSlice[T any](r *Reader, get func(*Reader) (T, error)) ([]T, error) {
	mark := r.pos
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := get(r)
		if err != nil {
			r.pos = mark
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetMap reads a length-prefixed mapping.
func GetMap[K comparable, V any](r *Reader, getKey func(*Reader) (K, error), getVal func(*Reader) (V, error)) (map[K]V, error) {
	mark := r.pos
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, n)
	for i := uint32(0); i < n; i++ {
		k, err := getKey(r)
		if err != nil {
			r.pos = mark
			return nil, err
		}
		v, err := getVal(r)
		if err != nil {
			r.pos = mark
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// GetSet reads a length-prefixed set.
func GetSet[T comparable](r *Reader, get func(*Reader) (T, error)) (map[T]struct{}, error) {
	mark := r.pos
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make(map[T]struct{}, n)
	for i := uint32(0); i < n; i++ {
		v, err := get(r)
		if err != nil {
			r.pos = mark
			return nil, err
		}
		out[v] = struct{}{}
	}
	return out, nil
}
