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

import (
	"os"

	"github.com/dtcraft/dtcraft/archive"
)

// Resource is a capacity or a demand: `{host, num_cpus, memory_bytes,
// disk_bytes}` (spec.md §2). Agents report it as a capacity on connect;
// containers declare it as a demand at placement time.
type Resource struct {
	Host        string
	NumCPUs     uint64
	MemoryBytes uint64
	DiskBytes   uint64

	// FrontierAddr is the "host:port" of the advertising agent's frontier
	// listener (spec.md §4.6 "its endpoint is sent to the master as part
	// of the agent's resource advertisement"). Empty when Resource
	// describes a container's demand rather than an agent's capacity.
	FrontierAddr string
}

// NewResource builds a Resource defaulting Host to the local hostname,
// the same default the original's `Resource` constructor applies
// (SPEC_FULL.md §4 item 1a).
func NewResource(numCPUs, memoryBytes, diskBytes uint64) Resource {
	host, _ := os.Hostname()
	return Resource{Host: host, NumCPUs: numCPUs, MemoryBytes: memoryBytes, DiskBytes: diskBytes}
}

// Dominates reports whether r is a capacity sufficient to satisfy demand
// other: every field of r must be >= the corresponding field of other
// (the original's `operator>=`, an all-fields partial order -- host is
// excluded from the comparison since it is a label, not a quantity).
func (r Resource) Dominates(other Resource) bool {
	return r.NumCPUs >= other.NumCPUs &&
		r.MemoryBytes >= other.MemoryBytes &&
		r.DiskBytes >= other.DiskBytes
}

// Add returns r + other, field-wise. Host is left as r's.
func (r Resource) Add(other Resource) Resource {
	return Resource{
		Host:        r.Host,
		NumCPUs:     r.NumCPUs + other.NumCPUs,
		MemoryBytes: r.MemoryBytes + other.MemoryBytes,
		DiskBytes:   r.DiskBytes + other.DiskBytes,
	}
}

// Sub returns (r - other, true) if r dominates other field-wise, so the
// subtraction cannot underflow; otherwise it returns the zero value and
// false, the Go stand-in for the original's throwing subtraction
// operator (SPEC_FULL.md §4 item 1).
func (r Resource) Sub(other Resource) (Resource, bool) {
	if !r.Dominates(other) {
		return Resource{}, false
	}
	return Resource{
		Host:        r.Host,
		NumCPUs:     r.NumCPUs - other.NumCPUs,
		MemoryBytes: r.MemoryBytes - other.MemoryBytes,
		DiskBytes:   r.DiskBytes - other.DiskBytes,
	}, true
}

// IsZero reports whether every quantity field is zero.
func (r Resource) IsZero() bool {
	return r.NumCPUs == 0 && r.MemoryBytes == 0 && r.DiskBytes == 0
}

// MarshalArchive implements archive.Marshaler.
func (r Resource) MarshalArchive(w *archive.Writer) error {
	w.PutString(r.Host)
	w.PutUint64(r.NumCPUs)
	w.PutUint64(r.MemoryBytes)
	w.PutUint64(r.DiskBytes)
	w.PutString(r.FrontierAddr)
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (r *Resource) UnmarshalArchive(rd *archive.Reader) error {
	var err error
	if r.Host, err = rd.GetString(); err != nil {
		return err
	}
	if r.NumCPUs, err = rd.GetUint64(); err != nil {
		return err
	}
	if r.MemoryBytes, err = rd.GetUint64(); err != nil {
		return err
	}
	if r.DiskBytes, err = rd.GetUint64(); err != nil {
		return err
	}
	if r.FrontierAddr, err = rd.GetString(); err != nil {
		return err
	}
	return nil
}
