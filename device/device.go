// Package device wraps raw file descriptors the way dtc/ipc does: every
// concrete device owns exactly one fd, is set non-blocking and
// close-on-exec at construction, and is closed exactly once regardless of
// how many holders (an Event and a stream buffer) share it (spec.md §3,
// §8 "Inserting then removing a reactor event ... the event's device
// closed exactly once").
package device

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

	"golang.org/x/sys/unix"
)

// Device is the common interface satisfied by Socket, Pipe, Notifier and
// BlockFile.
type Device interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetBlocking(blocking bool) error
	SetCloseOnExec(closeOnExec bool) error
}

// base holds the bits common to every concrete device: the fd, a
// close-once guard, and blocking/cloexec toggles.
type base struct {
	fd       int
	closeMu  sync.Once
	closeErr error
}

func newBase(fd int) base {
	d := base{fd: fd}
	// Every device starts non-blocking and close-on-exec: the reactor
	// never wants a blocking read/write, and a forked child should not
	// inherit fds it wasn't explicitly handed.
	_ = unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	return d
}

// FD returns the underlying file descriptor.
func (b *base) FD() int { return b.fd }

// SetBlocking toggles O_NONBLOCK on the fd.
func (b *base) SetBlocking(blocking bool) error {
	return unix.SetNonblock(b.fd, !blocking)
}

// SetCloseOnExec toggles FD_CLOEXEC on the fd. A vertex program that
// inherits a bridge fd across exec must clear this first (see
// executor.spawnProgramVertex).
func (b *base) SetCloseOnExec(closeOnExec bool) error {
	flags, err := unix.FcntlInt(uintptr(b.fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	if closeOnExec {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	_, err = unix.FcntlInt(uintptr(b.fd), unix.F_SETFD, flags)
	return err
}

func (b *base) close() error {
	b.closeMu.Do(func() {
		b.closeErr = unix.Close(b.fd)
	})
	return b.closeErr
}

// IsFDValid reports whether fd refers to an open descriptor. Used by the
// reactor's demux layer as the DemuxIX::is_valid guard before inserting
// or removing an event.
func IsFDValid(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
