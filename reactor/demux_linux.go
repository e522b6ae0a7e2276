//go:build linux

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
	"time"

	"golang.org/x/sys/unix"
)

// demux is the reactor's I/O demultiplexer: an epoll(7) instance tracking
// read/write interest per fd (spec.md §4.1 "the reference implementation
// uses an epoll-style interface"). Every fd0 that a ReadEvent or a
// WriteEvent is registered for is mirrored here, matching the original's
// `_fd2ev[2]` two-dimensional table (index 0 read side, 1 write side).
type demux struct {
	epfd     int
	interest map[int]*fdState
	eventBuf []unix.EpollEvent
}

type fdState struct {
	read                    *ReadEvent
	write                   *WriteEvent
	frozenRead, frozenWrite bool
	added                   bool
}

func newDemux() (*demux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &demux{
		epfd:     epfd,
		interest: make(map[int]*fdState),
		eventBuf: make([]unix.EpollEvent, 256),
	}, nil
}

func (d *demux) close() error {
	return unix.Close(d.epfd)
}

func (d *demux) stateFor(fd int) *fdState {
	st, ok := d.interest[fd]
	if !ok {
		st = &fdState{}
		d.interest[fd] = st
	}
	return st
}

func (d *demux) mask(st *fdState) uint32 {
	var m uint32
	if st.read != nil && !st.frozenRead {
		m |= unix.EPOLLIN
	}
	if st.write != nil && !st.frozenWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

func (d *demux) sync(fd int, st *fdState) error {
	m := d.mask(st)
	switch {
	case m == 0 && st.added:
		st.added = false
		return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case m == 0 && !st.added:
		return nil
	case !st.added:
		st.added = true
		ev := unix.EpollEvent{Events: m, Fd: int32(fd)}
		return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	default:
		ev := unix.EpollEvent{Events: m, Fd: int32(fd)}
		return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (d *demux) insertRead(e *ReadEvent) error {
	st := d.stateFor(e.fd())
	st.read = e
	return d.sync(e.fd(), st)
}

func (d *demux) insertWrite(e *WriteEvent) error {
	st := d.stateFor(e.fd())
	st.write = e
	return d.sync(e.fd(), st)
}

func (d *demux) removeRead(e *ReadEvent) error {
	st, ok := d.interest[e.fd()]
	if !ok {
		return nil
	}
	st.read = nil
	if err := d.sync(e.fd(), st); err != nil {
		return err
	}
	d.gc(e.fd(), st)
	return nil
}

func (d *demux) removeWrite(e *WriteEvent) error {
	st, ok := d.interest[e.fd()]
	if !ok {
		return nil
	}
	st.write = nil
	if err := d.sync(e.fd(), st); err != nil {
		return err
	}
	d.gc(e.fd(), st)
	return nil
}

func (d *demux) gc(fd int, st *fdState) {
	if st.read == nil && st.write == nil {
		delete(d.interest, fd)
	}
}

func (d *demux) freeze(e fdDevice) error {
	st, ok := d.interest[e.fd()]
	if !ok {
		return nil
	}
	if e.isWrite() {
		st.frozenWrite = true
	} else {
		st.frozenRead = true
	}
	return d.sync(e.fd(), st)
}

func (d *demux) thaw(e fdDevice) error {
	st, ok := d.interest[e.fd()]
	if !ok {
		return nil
	}
	if e.isWrite() {
		st.frozenWrite = false
	} else {
		st.frozenRead = false
	}
	return d.sync(e.fd(), st)
}

// readyFd describes one fd that became ready in a poll cycle and which
// directions to dispatch, in demultiplexer order (spec.md §4.1 Ordering).
type readyFd struct {
	read, write *fdState
	fd          int
}

// poll blocks until an fd becomes ready or timeout elapses (a negative
// timeout blocks indefinitely, zero returns immediately).
func (d *demux) poll(timeout time.Duration) ([]readyFd, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(d.epfd, d.eventBuf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]readyFd, 0, n)
	for i := 0; i < n; i++ {
		ev := d.eventBuf[i]
		fd := int(ev.Fd)
		st, ok := d.interest[fd]
		if !ok {
			continue
		}

		r := readyFd{fd: fd}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			r.read = st
			r.write = st
		} else {
			if ev.Events&unix.EPOLLIN != 0 {
				r.read = st
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				r.write = st
			}
		}
		ready = append(ready, r)
	}
	return ready, nil
}
