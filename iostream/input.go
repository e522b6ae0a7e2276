package iostream

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
	"github.com/dtcraft/dtcraft/archive"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// InputStream pairs a reactor.ReadEvent with an InputStreamBuffer
// (spec.md §4.2). It is touched only by the reactor's own goroutine:
// the callback, the ring buffer, and Unmarshal are not safe to call
// concurrently from another goroutine.
type InputStream struct {
	device   Device
	buf      *ringBuffer
	r        *reactor.Reactor
	ev       *reactor.ReadEvent
	onData   func(*InputStream) reactor.Signal
	onBroken func(*InputStream, pb.BrokenIO)
}

// NewInputStream registers d for read-readiness on r. onData is invoked
// whenever new bytes have been ingested into the buffer; it typically
// loops Unmarshal until archive.ErrShortRead. onBroken is invoked
// exactly once, before removal, when the peer hits EOF or a read error
// (spec.md §4.2 "EOF surfaces as a distinct BrokenIO event ... the user
// callback receives it before removal").
func NewInputStream(r *reactor.Reactor, d Device, onData func(*InputStream) reactor.Signal, onBroken func(*InputStream, pb.BrokenIO)) *InputStream {
	is := &InputStream{
		device:   d,
		buf:      newRingBuffer(4096),
		r:        r,
		onData:   onData,
		onBroken: onBroken,
	}
	is.ev = r.InsertRead(d, is.handleReadable).Get()
	return is
}

// Device returns the underlying device.
func (is *InputStream) Device() Device { return is.device }

// Buffered returns the number of unread bytes currently sitting in the
// ring buffer.
func (is *InputStream) Buffered() int { return is.buf.Len() }

// Unmarshal decodes exactly one record from the front of the buffer into
// u, matching spec.md's `is(values…)` call. It returns archive.ErrShortRead
// without consuming any bytes if the buffer doesn't yet hold a complete
// record.
func (is *InputStream) Unmarshal(u archive.Unmarshaler) error {
	r := archive.NewReader(is.buf.Bytes())
	if err := u.UnmarshalArchive(r); err != nil {
		return err
	}
	is.buf.Discard(r.Pos())
	return nil
}

func (is *InputStream) handleReadable(_ *reactor.ReadEvent) reactor.Signal {
	var chunk [readChunk]byte
	for {
		n, err := is.device.Read(chunk[:])
		if n > 0 {
			is.buf.Write(chunk[:n])
		}
		if err != nil {
			if isEAGAIN(err) {
				break
			}
			is.reportBroken(err)
			return reactor.SignalRemove
		}
		if n == 0 {
			// EOF: the peer closed its write side.
			is.reportBroken(nil)
			return reactor.SignalRemove
		}
		if n < len(chunk) {
			// Short read on a non-blocking fd means drained for now.
			break
		}
	}

	if is.buf.Len() == 0 {
		return reactor.SignalDefault
	}
	return is.onData(is)
}

func (is *InputStream) reportBroken(err error) {
	if is.onBroken == nil {
		return
	}
	code := errorCode(err)
	if err == nil {
		code = 0 // clean EOF, no errno
	}
	is.onBroken(is, pb.BrokenIO{Direction: pb.DirectionInput, ErrorCode: code})
}
