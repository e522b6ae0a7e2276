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

// Pipe wraps one end of a unidirectional OS pipe, used to capture a
// spawned container or vertex program's stdout/stderr.
type Pipe struct {
	base
}

// NewPipe wraps an already-created fd as a Pipe.
func NewPipe(fd int) *Pipe {
	return &Pipe{base: newBase(fd)}
}

// Read implements Device.
func (p *Pipe) Read(b []byte) (int, error) { return unix.Read(p.fd, b) }

// Write implements Device.
func (p *Pipe) Write(b []byte) (int, error) { return unix.Write(p.fd, b) }

// Close implements Device.
func (p *Pipe) Close() error { return p.close() }

// MakePipe creates a non-blocking pipe, returning (read-end, write-end).
func MakePipe() (r, w *Pipe, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return NewPipe(fds[0]), NewPipe(fds[1]), nil
}
