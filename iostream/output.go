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
	"sync"

	"github.com/dtcraft/dtcraft/archive"
	"github.com/dtcraft/dtcraft/dtlog"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

var outputLog = dtlog.New("component", "iostream.OutputStream")

// OutputStream pairs a reactor.WriteEvent with an OutputStreamBuffer
// (spec.md §4.2). Unlike InputStream its buffer is mutex-protected:
// producers on any goroutine may call Marshal concurrently, and sync runs
// both inline from Marshal on the caller's goroutine and from the
// reactor goroutine via the WriteEvent callback.
type OutputStream struct {
	device   Device
	r        *reactor.Reactor
	ev       *reactor.WriteEvent

	mu            sync.Mutex
	buf           *ringBuffer
	armed         bool
	removeOnFlush bool
	closed        bool

	onWritable func(*OutputStream) reactor.Signal
	onBroken   func(*OutputStream, pb.BrokenIO)
}

// NewOutputStream registers d for write-readiness on r, starting with
// write interest frozen since there is nothing queued yet. onWritable,
// if non-nil, is invoked after every successful sync, mirroring
// InputStream's onData (spec.md §4.2's on_ostream write callback): both
// the sync Marshal attempts inline, on the caller's goroutine, and the
// one driven by the reactor's writable event. onBroken is invoked
// once, before removal, if a flush attempt fails with anything other
// than EAGAIN.
func NewOutputStream(r *reactor.Reactor, d Device, onWritable func(*OutputStream) reactor.Signal, onBroken func(*OutputStream, pb.BrokenIO)) *OutputStream {
	os := &OutputStream{
		device:     d,
		r:          r,
		buf:        newRingBuffer(4096),
		onWritable: onWritable,
		onBroken:   onBroken,
	}
	os.ev = r.InsertWrite(d, os.handleWritable).Get()
	r.FreezeWrite(os.ev).Get()
	return os
}

// Device returns the underlying device.
func (os *OutputStream) Device() Device { return os.device }

// Marshal serializes one record and enqueues it. It never blocks on
// I/O: if the device can't absorb the whole buffer immediately, the
// remainder stays queued and write interest is (re)armed so the reactor
// retries later (spec.md §4.2 OutputStream contract).
func (os *OutputStream) Marshal(values ...archive.Marshaler) error {
	w := archive.NewWriter(128)
	for _, v := range values {
		if err := v.MarshalArchive(w); err != nil {
			return err
		}
	}

	os.mu.Lock()
	os.buf.Write(w.Bytes())
	os.mu.Unlock()

	os.trySync()
	return nil
}

// RemoveOnFlush marks the stream to be deregistered once its pending
// bytes fully drain (spec.md §4.2 "remove_on_flush").
func (os *OutputStream) RemoveOnFlush() {
	os.mu.Lock()
	os.removeOnFlush = true
	empty := os.buf.Len() == 0
	os.mu.Unlock()
	if empty {
		os.teardown()
	}
}

// Buffered returns the number of bytes still queued for delivery.
func (os *OutputStream) Buffered() int {
	os.mu.Lock()
	defer os.mu.Unlock()
	return os.buf.Len()
}

func (os *OutputStream) trySync() {
	drained, broken := os.syncLocked()
	if broken != nil {
		os.reportBroken(broken)
		os.teardown()
		return
	}

	if os.onWritable != nil {
		if sig := os.onWritable(os); sig == reactor.SignalRemove {
			os.teardown()
			return
		}
	}

	if drained {
		os.disarm()
		os.mu.Lock()
		shouldClose := os.removeOnFlush
		os.mu.Unlock()
		if shouldClose {
			os.teardown()
		}
		return
	}
	os.arm()
}

// syncLocked flushes as much of the buffer as the device will currently
// accept, returning (true, nil) if the buffer fully drained, (false,
// nil) if the device would block with bytes still queued, or (false,
// err) on a genuine I/O error.
func (os *OutputStream) syncLocked() (drained bool, err error) {
	os.mu.Lock()
	defer os.mu.Unlock()
	for os.buf.Len() > 0 {
		n, werr := os.device.Write(os.buf.Bytes())
		if n > 0 {
			os.buf.Discard(n)
		}
		if werr != nil {
			if isEAGAIN(werr) {
				return false, nil
			}
			return false, werr
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (os *OutputStream) handleWritable(_ *reactor.WriteEvent) reactor.Signal {
	drained, err := os.syncLocked()
	if err != nil {
		os.reportBroken(err)
		os.closeDevice()
		return reactor.SignalRemove
	}

	if os.onWritable != nil {
		if sig := os.onWritable(os); sig == reactor.SignalRemove {
			os.teardown()
			return reactor.SignalRemove
		}
	}

	if !drained {
		return reactor.SignalDefault
	}
	os.mu.Lock()
	os.armed = false
	shouldClose := os.removeOnFlush
	os.mu.Unlock()
	os.r.FreezeWrite(os.ev)
	if shouldClose {
		return reactor.SignalRemove
	}
	return reactor.SignalDefault
}

func (os *OutputStream) arm() {
	os.mu.Lock()
	already := os.armed
	os.armed = true
	os.mu.Unlock()
	if !already {
		os.r.ThawWrite(os.ev)
	}
}

func (os *OutputStream) disarm() {
	os.mu.Lock()
	os.armed = false
	os.mu.Unlock()
	os.r.FreezeWrite(os.ev)
}

func (os *OutputStream) reportBroken(err error) {
	if os.onBroken != nil {
		os.onBroken(os, pb.BrokenIO{Direction: pb.DirectionOutput, ErrorCode: errorCode(err)})
	}
}

func (os *OutputStream) teardown() {
	os.mu.Lock()
	already := os.closed
	os.mu.Unlock()
	if already {
		return
	}
	os.r.RemoveWrite(os.ev)
	os.closeDevice()
}

// closeDevice releases the underlying device exactly once, logging a
// warning if bytes were still queued (spec.md §4.2 "on destruction the
// stream attempts a final flush; bytes still undelivered are lost with
// a warning").
func (os *OutputStream) closeDevice() {
	os.mu.Lock()
	if os.closed {
		os.mu.Unlock()
		return
	}
	os.closed = true
	lost := os.buf.Len()
	os.mu.Unlock()

	if lost > 0 {
		outputLog.Warnw("closing output stream with undelivered bytes", "bytes", lost)
	}
	os.device.Close()
}

// Close attempts a final flush and releases the stream's event and
// device, matching spec.md's "on destruction the stream attempts a
// final flush; bytes still undelivered are lost with a warning".
func (os *OutputStream) Close() {
	os.syncLocked()
	os.teardown()
}
