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

// Runtime is a vertex's (or a whole topology's) runtime descriptor: an
// optional command line to spawn as an external program, environment
// variables to hand that program, resource hints, and a free-form tag
// (spec.md §2 Vertex, §6 "Environment-variable contract").
type Runtime struct {
	Tag       string
	Command   []string
	Env       map[string]string
	Resource  Resource
}

// IsProgram reports whether this runtime should be spawned as an
// external process rather than run in-process (spec.md §5 "Program
// vertices").
func (r Runtime) IsProgram() bool { return len(r.Command) > 0 }

// MarshalArchive implements archive.Marshaler.
func (r Runtime) MarshalArchive(w *archive.Writer) error {
	w.PutString(r.Tag)
	if err := archive.PutSlice(w, r.Command, func(w *archive.Writer, s string) error {
		w.PutString(s)
		return nil
	}); err != nil {
		return err
	}
	if err := archive.PutMap(w, r.Env,
		func(w *archive.Writer, k string) error { w.PutString(k); return nil },
		func(w *archive.Writer, v string) error { w.PutString(v); return nil },
	); err != nil {
		return err
	}
	return r.Resource.MarshalArchive(w)
}

// UnmarshalArchive implements archive.Unmarshaler.
func (r *Runtime) UnmarshalArchive(rd *archive.Reader) error {
	var err error
	if r.Tag, err = rd.GetString(); err != nil {
		return err
	}
	if r.Command, err = archive.GetSlice(rd, func(rd *archive.Reader) (string, error) {
		return rd.GetString()
	}); err != nil {
		return err
	}
	if r.Env, err = archive.GetMap(rd,
		func(rd *archive.Reader) (string, error) { return rd.GetString() },
		func(rd *archive.Reader) (string, error) { return rd.GetString() },
	); err != nil {
		return err
	}
	return r.Resource.UnmarshalArchive(rd)
}
