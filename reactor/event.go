package reactor

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

import "time"

// Signal is the three-valued verdict a callback returns to tell the
// reactor how to treat its registration afterward (spec.md §3).
type Signal uint8

const (
	// SignalDefault leaves the registration as-is.
	SignalDefault Signal = iota
	// SignalRemove deregisters this event immediately.
	SignalRemove
	// SignalClose tears down just one direction of a duplex stream; it
	// is only meaningful to stream-layer callbacks (iostream package),
	// the reactor itself treats it the same as SignalRemove.
	SignalClose
)

// EventKind identifies which of the four event variants an Event is.
type EventKind uint8

const (
	// EventRead fires when a device's fd becomes readable.
	EventRead EventKind = iota
	// EventWrite fires when a device's fd becomes writable.
	EventWrite
	// EventPeriodic fires when time reaches or exceeds a deadline, then
	// reschedules by its period.
	EventPeriodic
	// EventTask is a one-shot closure posted from any goroutine.
	EventTask
)

// fdDevice is satisfied by ReadEvent and WriteEvent: both are bound to a
// device's file descriptor and can be frozen/thawed independent of
// removal.
type fdDevice interface {
	fd() int
	isWrite() bool
}

// ReadEvent fires when its device becomes readable.
type ReadEvent struct {
	device  Device
	fn      func(*ReadEvent) Signal
	frozen  bool
	removed bool
}

// Device returns the device this event is bound to.
func (e *ReadEvent) Device() Device { return e.device }

func (e *ReadEvent) fd() int       { return e.device.FD() }
func (e *ReadEvent) isWrite() bool { return false }

// WriteEvent fires when its device becomes writable.
type WriteEvent struct {
	device  Device
	fn      func(*WriteEvent) Signal
	frozen  bool
	removed bool
}

// Device returns the device this event is bound to.
func (e *WriteEvent) Device() Device { return e.device }

func (e *WriteEvent) fd() int       { return e.device.FD() }
func (e *WriteEvent) isWrite() bool { return true }

// PeriodicEvent fires at monotone non-decreasing instants spaced `period`
// apart (no drift correction, per spec.md §4.1 Ordering). A period of
// zero is valid and means "fire on every loop tick".
type PeriodicEvent struct {
	next    time.Time
	period  time.Duration
	fn      func(*PeriodicEvent) Signal
	removed bool
	index   int // position in the timer heap, maintained by container/heap
}

// Period returns the event's configured period.
func (e *PeriodicEvent) Period() time.Duration { return e.period }

// Device is the minimal interface the reactor needs from a device: its
// file descriptor. It is satisfied by device.Device without importing
// that package here, so the reactor stays decoupled from how a concrete
// device is implemented.
type Device interface {
	FD() int
}
