package segment

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
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/brunotm/ndflow"
	"github.com/couchbase/moss"
)

// ErrSegmentNotFound is returned by Open for an unknown segment name.
var ErrSegmentNotFound = errors.New("segment: not found")

var (
	wopts = moss.WriteOptions{}
	ropts = moss.ReadOptions{}
)

// make sure Manager satisfies the data model's SegmentManager contract.
var _ ndflow.SegmentManager = (*Manager)(nil)

// segment is a named, mutex-guarded byte buffer: the in-process stand-in
// for a multiprocessing shared-memory block.
type segment struct {
	mu   sync.RWMutex
	name string
	buf  []byte
}

func (s *segment) Name() string { return s.name }

func (s *segment) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *segment) ReadAt(p []byte, off int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off < 0 || off+len(p) > len(s.buf) {
		return 0, ErrSegmentNotFound
	}
	return copy(p, s.buf[off:off+len(p)]), nil
}

func (s *segment) WriteAt(p []byte, off int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || off+len(p) > len(s.buf) {
		return 0, ErrSegmentNotFound
	}
	return copy(s.buf[off:off+len(p)], p), nil
}

// Manager allocates, opens and releases Segments. Every allocation and
// release is mirrored into a couchbase/moss in-memory collection purely
// as an introspectable audit trail: an admin client can range over live
// segment names without touching the live byte buffers themselves.
type Manager struct {
	mu       sync.RWMutex
	segments map[string]*segment
	audit    moss.Collection
	seq      uint64
}

// NewManager starts a Manager and its audit collection.
func NewManager() (*Manager, error) {
	audit, err := moss.NewCollection(moss.DefaultCollectionOptions)
	if err != nil {
		return nil, err
	}
	if err = audit.Start(); err != nil {
		return nil, err
	}
	return &Manager{segments: make(map[string]*segment), audit: audit}, nil
}

// Close stops the audit collection. Live segments are simply dropped.
func (m *Manager) Close() error {
	return m.audit.Close()
}

// Alloc creates a new zero-filled segment of the given size in bytes.
func (m *Manager) Alloc(size int) (ndflow.Segment, error) {
	n := atomic.AddUint64(&m.seq, 1)
	name := "seg-" + strconv.FormatUint(n, 10)
	seg := &segment{name: name, buf: make([]byte, size)}

	m.mu.Lock()
	m.segments[name] = seg
	m.mu.Unlock()

	if err := m.recordAlloc(name, size); err != nil {
		return nil, err
	}
	return seg, nil
}

// Open resolves an existing segment by name.
func (m *Manager) Open(name string) (ndflow.Segment, error) {
	m.mu.RLock()
	seg, ok := m.segments[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return seg, nil
}

// Release drops a segment from the registry, erasing the audit entry.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	delete(m.segments, name)
	m.mu.Unlock()
	return m.recordRelease(name)
}

// Names lists every currently live segment name by ranging over the audit
// collection, in lexicographic name order; that is not allocation order
// once sequence numbers differ in digit count ("seg-10" sorts before
// "seg-2").
func (m *Manager) Names() (names []string, err error) {
	ss, err := m.audit.Snapshot()
	if err != nil {
		return nil, err
	}
	defer ss.Close()

	iter, err := ss.StartIterator(nil, nil, moss.IteratorOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for {
		key, _, err := iter.Current()
		if err != nil {
			if err == moss.ErrIteratorDone {
				return names, nil
			}
			return nil, err
		}
		names = append(names, string(key))
		iter.Next()
	}
}

func (m *Manager) recordAlloc(name string, size int) error {
	batch, err := m.audit.NewBatch(1, len(name)+8)
	if err != nil {
		return err
	}
	defer batch.Close()
	if err = batch.Set([]byte(name), []byte(strconv.Itoa(size))); err != nil {
		return err
	}
	return m.audit.ExecuteBatch(batch, wopts)
}

func (m *Manager) recordRelease(name string) error {
	batch, err := m.audit.NewBatch(1, 0)
	if err != nil {
		return err
	}
	defer batch.Close()
	if err = batch.Del([]byte(name)); err != nil {
		return err
	}
	return m.audit.ExecuteBatch(batch, wopts)
}
