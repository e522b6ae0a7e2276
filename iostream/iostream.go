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
	"errors"

	"golang.org/x/sys/unix"
)

// Device is the minimal surface iostream needs from a device.Device. It
// is declared locally, rather than importing the device package's
// interface directly, purely to keep this package's dependency surface
// explicit -- any *device.Socket, *device.Pipe etc. satisfies it.
type Device interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const readChunk = 64 * 1024

func isEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// errorCode extracts the originating errno from err, or -1 if err isn't
// an errno (e.g. it's nil or EOF). Used to populate pb.BrokenIO.ErrorCode
// the way the original surfaces the raw `errno` on a broken stream.
func errorCode(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return -1
}
