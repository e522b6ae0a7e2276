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

import "golang.org/x/sys/unix"

// Notifier is an eventfd-backed wake-up device: writing to it from any
// thread forces a blocked epoll_wait to return, which is how the reactor
// is woken when another goroutine posts to its task queue (spec.md §4.1).
type Notifier struct {
	base
}

// MakeNotifier creates a non-blocking eventfd-backed Notifier.
func MakeNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Notifier{base: newBase(fd)}, nil
}

// Read implements Device; draining the 8-byte counter acknowledges all
// pending wake-ups at once.
func (n *Notifier) Read(b []byte) (int, error) { return unix.Read(n.fd, b) }

// Write implements Device.
func (n *Notifier) Write(b []byte) (int, error) { return unix.Write(n.fd, b) }

// Close implements Device.
func (n *Notifier) Close() error { return n.close() }

// Notify increments the eventfd counter by one, waking anyone blocked in
// epoll_wait on it.
func (n *Notifier) Notify() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(n.fd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated: a wake-up is already pending, which is all
		// that's required.
		return nil
	}
	return err
}

// Drain resets the eventfd counter to zero after a wake-up has been
// observed.
func (n *Notifier) Drain() error {
	var buf [8]byte
	_, err := unix.Read(n.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}
