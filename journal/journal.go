package journal

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
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	ldb "github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

var (
	dopt *ldbopt.Options
	wopt *ldbopt.WriteOptions
	ropt *ldbopt.ReadOptions
)

// Entry is a single recorded control message, kept for post-mortem
// debugging only: it is never read back to reconstruct a topology.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Context string    `json:"context"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
}

// Journal is a durable, append-only audit log of orchestrator control
// messages backed by LevelDB.
type Journal struct {
	db  *ldb.DB
	seq uint64
}

// Open opens or creates a Journal at path.
func Open(path string) (*Journal, error) {
	db, err := ldb.OpenFile(path, dopt)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	// Resume the sequence after the last recorded entry so reopening an
	// existing journal appends instead of overwriting from seq 1.
	iter := db.NewIterator(nil, ropt)
	if iter.Last() {
		_, _ = fmt.Sscanf(string(iter.Key()), "%d", &j.seq)
	}
	iter.Release()
	return j, nil
}

// Close releases the journal's resources.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a new entry, keyed by a zero-padded monotonic sequence
// number so Range iterates in write order.
func (j *Journal) Record(ctxID, kind, detail string) error {
	seq := atomic.AddUint64(&j.seq, 1)
	entry := Entry{Seq: seq, Time: time.Now(), Context: ctxID, Kind: kind, Detail: detail}

	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Put(seqKey(seq), value, wopt)
}

// Range iterates every entry in write order, stopping if cb returns an
// error.
func (j *Journal) Range(cb func(Entry) error) error {
	iter := j.db.NewIterator(&ldbutil.Range{}, ropt)
	defer iter.Release()

	for iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return err
		}
		if err := cb(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// seqKey zero-pads the sequence number so LevelDB's lexicographic key
// ordering matches write order.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
