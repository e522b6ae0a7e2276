package pb

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

import "github.com/dtcraft/dtcraft/archive"

// FrontierPacket is the handshake sent as the first bytes on a newly
// accepted frontier socket: after it, the socket becomes the data
// channel for that stream's inter-container half (spec.md §6 "Frontier
// handshake").
type FrontierPacket struct {
	GraphID   int64
	StreamKey Key
}

// MarshalArchive implements archive.Marshaler.
func (f FrontierPacket) MarshalArchive(w *archive.Writer) error {
	w.PutInt64(f.GraphID)
	w.PutInt32(int32(f.StreamKey))
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (f *FrontierPacket) UnmarshalArchive(r *archive.Reader) error {
	var err error
	if f.GraphID, err = r.GetInt64(); err != nil {
		return err
	}
	k, err := r.GetInt32()
	if err != nil {
		return err
	}
	f.StreamKey = Key(k)
	return nil
}
