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

// BlockFile wraps a regular file fd. Unlike Socket/Pipe it is always
// ready for I/O, so the reactor never needs to poll it -- callers that
// want to drive a BlockFile through the stream layer register it with a
// PeriodicEvent instead of a Read/WriteEvent (spec.md §3 Device kinds).
type BlockFile struct {
	base
}

// NewBlockFile wraps an already-opened fd as a BlockFile.
func NewBlockFile(fd int) *BlockFile {
	return &BlockFile{base: newBase(fd)}
}

// Read implements Device.
func (f *BlockFile) Read(b []byte) (int, error) { return unix.Read(f.fd, b) }

// Write implements Device.
func (f *BlockFile) Write(b []byte) (int, error) { return unix.Write(f.fd, b) }

// Close implements Device.
func (f *BlockFile) Close() error { return f.close() }

// Open opens path with the given flags, returning a non-blocking
// BlockFile.
func Open(path string, flags int, mode uint32) (*BlockFile, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, err
	}
	return NewBlockFile(fd), nil
}
