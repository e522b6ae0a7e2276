// Package ledger keeps an append-only, on-disk audit trail of the
// master's placement decisions (task_id -> agent, resource, timestamp).
// It is purely an operational record: History reads it back, but the
// master only writes to it and never replays it, and it is never
// consulted to recover in-flight graphs (SPEC_FULL.md §2 durability note).
package ledger

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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dtcraft/dtcraft/archive"
	"github.com/dtcraft/dtcraft/pb"
)

// Placement is one recorded master decision.
type Placement struct {
	TaskID    pb.TaskID
	AgentHost string
	Resource  pb.Resource
	At        time.Time
}

// MarshalArchive implements archive.Marshaler.
func (p Placement) MarshalArchive(w *archive.Writer) error {
	if err := p.TaskID.MarshalArchive(w); err != nil {
		return err
	}
	w.PutString(p.AgentHost)
	if err := p.Resource.MarshalArchive(w); err != nil {
		return err
	}
	w.PutInt64(p.At.UnixNano())
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (p *Placement) UnmarshalArchive(r *archive.Reader) error {
	if err := p.TaskID.UnmarshalArchive(r); err != nil {
		return err
	}
	var err error
	if p.AgentHost, err = r.GetString(); err != nil {
		return err
	}
	if err := p.Resource.UnmarshalArchive(r); err != nil {
		return err
	}
	nanos, err := r.GetInt64()
	if err != nil {
		return err
	}
	p.At = time.Unix(0, nanos)
	return nil
}

// Ledger is a goleveldb-backed append-only log, keyed by a
// lexicographically sortable "graph_id:topology_id" so History iterates
// in graph id, then topology id order.
type Ledger struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the leveldb database rooted at dir.
func Open(dir string) (*Ledger, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dir, err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

func key(t pb.TaskID) []byte {
	return []byte(fmt.Sprintf("%020d:%010d", t.GraphID, t.TopologyID))
}

// RecordPlacement appends one placement decision. Re-recording the same
// TaskID overwrites the prior entry (a container is only ever placed once, but a retried
// deploy after a transient send failure should not leave two records).
func (l *Ledger) RecordPlacement(p Placement) error {
	if p.At.IsZero() {
		p.At = time.Unix(0, 0)
	}
	w := archive.NewWriter(64)
	if err := p.MarshalArchive(w); err != nil {
		return err
	}
	payload := w.Bytes()

	// A placement entry this package can't detect as corrupted is worse
	// than one it can: append an xxhash checksum over the marshaled
	// payload so History can tell a truncated or bit-flipped leveldb
	// value from a genuine one rather than silently returning garbage.
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], xxhash.Sum64(payload))

	return l.db.Put(key(p.TaskID), append(payload, trailer[:]...), nil)
}

// History returns every recorded placement in key order (graph id, then
// container/topology id).
func (l *Ledger) History() ([]Placement, error) {
	iter := l.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()

	var out []Placement
	for iter.Next() {
		raw := iter.Value()
		if len(raw) < 8 {
			return nil, fmt.Errorf("ledger: entry %q too short for checksum trailer", iter.Key())
		}
		payload, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
		if xxhash.Sum64(payload) != binary.BigEndian.Uint64(trailer) {
			return nil, fmt.Errorf("ledger: entry %q failed checksum, on-disk corruption", iter.Key())
		}

		r := archive.NewReader(payload)
		var p Placement
		if err := p.UnmarshalArchive(r); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, iter.Error()
}
