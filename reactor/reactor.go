// Package reactor implements the single-threaded event loop that drives
// every device, timer, and cross-goroutine task in a DtCraft process
// (spec.md §4.1). Exactly one goroutine ever touches the demux and timer
// heap directly -- every other goroutine interacts with a *Reactor only
// through Insert*/Remove*/Freeze/Thaw/Dispatch, all of which hand work to
// that owning goroutine via postTask and hand results back via a Future.
//
// This mirrors the original's contract that "the reactor must only be
// driven and mutated from the goroutine running Run" -- rather than
// detect misuse with a goroutine-id check (not idiomatic Go, and not
// reliable since goroutine ids are explicitly unexposed), the public API
// simply never exposes a direct-mutation path, making the violation
// structurally impossible instead of a runtime panic. See DESIGN.md.
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

import (
	"sync"
	"time"

	"github.com/dtcraft/dtcraft/device"
)

// maxPollInterval bounds how long a single demux.poll call may block even
// with no pending timers, so Shutdown and newly posted tasks are never
// stuck behind an indefinite epoll_wait.
const maxPollInterval = time.Second

// Reactor is DtCraft's event loop: one epoll demux, one timer heap, one
// task queue, run from a single owning goroutine started by Run.
type Reactor struct {
	demux   *demux
	timers  timerHeap
	notify  *device.Notifier

	taskMu sync.Mutex
	tasks  []func()

	done chan struct{}
	once sync.Once
}

// New creates a Reactor. The caller must call Run (typically in its own
// goroutine) before any Insert/Remove/Dispatch future resolves.
func New() (*Reactor, error) {
	d, err := newDemux()
	if err != nil {
		return nil, err
	}
	n, err := device.MakeNotifier()
	if err != nil {
		d.close()
		return nil, err
	}
	r := &Reactor{
		demux:  d,
		notify: n,
		done:   make(chan struct{}),
	}
	// The notifier's own readability is how postTask from other
	// goroutines wakes a blocked epoll_wait; it is never exposed to
	// callers and never removed for the reactor's lifetime.
	r.demux.interest[n.FD()] = &fdState{}
	wake := &ReadEvent{device: n, fn: func(*ReadEvent) Signal {
		n.Drain()
		return SignalDefault
	}}
	r.demux.interest[n.FD()].read = wake
	r.demux.sync(n.FD(), r.demux.interest[n.FD()])
	return r, nil
}

// postTask appends fn to the task queue and wakes the loop. Safe to call
// from any goroutine, including the reactor's own.
func (r *Reactor) postTask(fn func()) {
	r.taskMu.Lock()
	r.tasks = append(r.tasks, fn)
	r.taskMu.Unlock()
	r.notify.Notify()
}

func (r *Reactor) drainTasks() {
	r.taskMu.Lock()
	pending := r.tasks
	r.tasks = nil
	r.taskMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// InsertRead registers fn to run whenever d becomes readable.
func (r *Reactor) InsertRead(d Device, fn func(*ReadEvent) Signal) *Future[*ReadEvent] {
	return Dispatch(r, func() *ReadEvent {
		e := &ReadEvent{device: d, fn: fn}
		r.demux.insertRead(e)
		return e
	})
}

// InsertWrite registers fn to run whenever d becomes writable.
func (r *Reactor) InsertWrite(d Device, fn func(*WriteEvent) Signal) *Future[*WriteEvent] {
	return Dispatch(r, func() *WriteEvent {
		e := &WriteEvent{device: d, fn: fn}
		r.demux.insertWrite(e)
		return e
	})
}

// InsertPeriodic registers fn to run first after delay, then every period
// thereafter until removed or fn returns a non-default Signal.
func (r *Reactor) InsertPeriodic(delay, period time.Duration, fn func(*PeriodicEvent) Signal) *Future[*PeriodicEvent] {
	return Dispatch(r, func() *PeriodicEvent {
		e := &PeriodicEvent{next: time.Now().Add(delay), period: period, fn: fn}
		r.timers.insert(e)
		return e
	})
}

// RemoveRead deregisters a ReadEvent.
func (r *Reactor) RemoveRead(e *ReadEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.removed = true
		r.demux.removeRead(e)
		return struct{}{}
	})
}

// RemoveWrite deregisters a WriteEvent.
func (r *Reactor) RemoveWrite(e *WriteEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.removed = true
		r.demux.removeWrite(e)
		return struct{}{}
	})
}

// RemovePeriodic deregisters a PeriodicEvent.
func (r *Reactor) RemovePeriodic(e *PeriodicEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.removed = true
		r.timers.remove(e)
		return struct{}{}
	})
}

// FreezeRead suspends read-readiness delivery for e without deregistering
// it; FreezeWrite does the same for the write side. Both are the
// mechanism iostream uses for back-pressure (spec.md §3 Signal / Freeze).
func (r *Reactor) FreezeRead(e *ReadEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.frozen = true
		r.demux.freeze(e)
		return struct{}{}
	})
}

// ThawRead resumes read-readiness delivery for e.
func (r *Reactor) ThawRead(e *ReadEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.frozen = false
		r.demux.thaw(e)
		return struct{}{}
	})
}

// FreezeWrite suspends write-readiness delivery for e.
func (r *Reactor) FreezeWrite(e *WriteEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.frozen = true
		r.demux.freeze(e)
		return struct{}{}
	})
}

// ThawWrite resumes write-readiness delivery for e.
func (r *Reactor) ThawWrite(e *WriteEvent) *Future[struct{}] {
	return Dispatch(r, func() struct{} {
		e.frozen = false
		r.demux.thaw(e)
		return struct{}{}
	})
}

// Shutdown stops the reactor after it finishes the task queue drain
// currently in flight (or the next one, if idle). Run returns once
// stopped. Safe to call from any goroutine, any number of times.
func (r *Reactor) Shutdown() {
	r.once.Do(func() {
		r.postTask(func() { close(r.done) })
	})
}

// Run executes the reactor's event loop on the calling goroutine until
// Shutdown is called. It implements the five-step cycle from spec.md
// §4.1: (a) compute the next deadline, (b) block in the demux, (c)
// dispatch ready fds, (d) fire due timers, (e) drain the task queue.
func (r *Reactor) Run() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		timeout := maxPollInterval
		if next := r.timers.peek(); next != nil {
			if d := time.Until(next.next); d < timeout {
				timeout = d
			}
		}
		if timeout < 0 {
			timeout = 0
		}

		ready, err := r.demux.poll(timeout)
		if err == nil {
			for _, rf := range ready {
				if rf.read != nil && rf.read.read != nil && !rf.read.read.removed && !rf.read.read.frozen {
					r.fireRead(rf.read.read)
				}
				if rf.write != nil && rf.write.write != nil && !rf.write.write.removed && !rf.write.write.frozen {
					r.fireWrite(rf.write.write)
				}
			}
		}

		now := time.Now()
		var resched []*PeriodicEvent
		for {
			e := r.timers.peek()
			if e == nil || e.next.After(now) {
				break
			}
			r.timers.remove(e)
			if e.removed {
				continue
			}
			sig := e.fn(e)
			if sig == SignalDefault {
				e.next = e.next.Add(e.period)
				if e.next.Before(now) {
					e.next = now.Add(e.period)
				}
				resched = append(resched, e)
			}
		}
		for _, e := range resched {
			r.timers.insert(e)
		}

		r.drainTasks()
	}
}

func (r *Reactor) fireRead(e *ReadEvent) {
	sig := e.fn(e)
	if sig != SignalDefault {
		e.removed = true
		r.demux.removeRead(e)
	}
}

func (r *Reactor) fireWrite(e *WriteEvent) {
	sig := e.fn(e)
	if sig != SignalDefault {
		e.removed = true
		r.demux.removeWrite(e)
	}
}
