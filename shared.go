package ndflow

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
	"math"
)

// Segment is a named byte buffer allocated by a SegmentManager. It is the
// cross-context analogue of a shared-memory block: one writer, any number
// of readers, addressed by name so a descriptor can travel between
// contexts and be reopened against the same backing bytes.
type Segment interface {
	Name() string
	Size() int
	ReadAt(p []byte, off int) (int, error)
	WriteAt(p []byte, off int) (int, error)
}

// SegmentManager allocates and resolves Segments. Concrete implementations
// live outside this package (see the segment package) to keep the shared
// data primitives independent of any particular backing store.
type SegmentManager interface {
	Alloc(size int) (Segment, error)
	Open(name string) (Segment, error)
	Release(name string) error
}

// SharedStructDescriptor is the wire-shape of a SharedStruct: enough to
// reopen the same backing segment from another context.
type SharedStructDescriptor struct {
	Schema      Schema `json:"schema"`
	SegmentName string `json:"segment_name"`
}

// SharedStruct is a Struct whose storage lives in a SegmentManager-backed
// Segment instead of process memory, so a descriptor handed to another
// context reconstructs a view over the exact same bytes.
type SharedStruct struct {
	mgr     SegmentManager
	seg     Segment
	schema  Schema
}

// NewSharedStruct allocates a fresh segment for schema, filled with NaN,
// for use by the writing side of a link.
func NewSharedStruct(mgr SegmentManager, schema Schema) (*SharedStruct, error) {
	seg, err := mgr.Alloc(8 * len(schema))
	if err != nil {
		return nil, err
	}
	s := &SharedStruct{mgr: mgr, seg: seg, schema: schema}
	return s, s.writeAll(nanRow(len(schema)))
}

// OpenSharedStruct reopens an existing segment described by desc, for use
// by the reading side(s) of a link.
func OpenSharedStruct(mgr SegmentManager, desc SharedStructDescriptor) (*SharedStruct, error) {
	seg, err := mgr.Open(desc.SegmentName)
	if err != nil {
		return nil, err
	}
	return &SharedStruct{mgr: mgr, seg: seg, schema: desc.Schema}, nil
}

// Descriptor returns the serializable handle for this SharedStruct.
func (s *SharedStruct) Descriptor() SharedStructDescriptor {
	return SharedStructDescriptor{Schema: s.schema, SegmentName: s.seg.Name()}
}

// Schema returns this struct's field layout.
func (s *SharedStruct) Schema() Schema {
	return s.schema
}

func (s *SharedStruct) readAll() ([]float64, error) {
	buf := make([]byte, s.seg.Size())
	if _, err := s.seg.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	data := make([]float64, len(s.schema))
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return data, nil
}

func (s *SharedStruct) writeAll(data []float64) error {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	_, err := s.seg.WriteAt(buf, 0)
	return err
}

// Get returns the current value of the named field.
func (s *SharedStruct) Get(name string) (float64, error) {
	i := s.schema.indexOf(name)
	if i < 0 {
		return 0, ErrFieldNotFound
	}
	data, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return data[i], nil
}

// Item extracts the scalar value of a single-field SharedStruct.
func (s *SharedStruct) Item() (float64, error) {
	if len(s.schema) != 1 {
		return 0, ErrNotSingleField
	}
	data, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Set fully overwrites the backing segment with other's data.
func (s *SharedStruct) Set(other *Struct) error {
	if !s.schema.Equal(other.schema) {
		return ErrSchemaMismatch
	}
	return s.writeAll(other.data)
}

// Merge overwrites only the fields named in other's schema.
func (s *SharedStruct) Merge(other *Struct) error {
	data, err := s.readAll()
	if err != nil {
		return err
	}
	for i, name := range other.schema {
		idx := s.schema.indexOf(name)
		if idx < 0 {
			return ErrFieldNotFound
		}
		data[idx] = other.data[i]
	}
	return s.writeAll(data)
}

// ToStruct copies the current segment contents into an ordinary Struct.
func (s *SharedStruct) ToStruct() (*Struct, error) {
	data, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return &Struct{schema: s.schema, data: data}, nil
}

// SharedArrayDescriptor is the wire-shape of a SharedStreamingArray.
type SharedArrayDescriptor struct {
	Schema      Schema                 `json:"schema"`
	BufSize     int                    `json:"buf_size"`
	SegmentName string                 `json:"segment_name"`
	Metadata    SharedStructDescriptor `json:"metadata"`
}

// SharedStreamingArray is a StreamingArray whose backing storage and head
// index live in SegmentManager-backed segments, so a descriptor handed to
// another context reconstructs a view over the same ring buffer.
type SharedStreamingArray struct {
	mgr      SegmentManager
	seg      Segment
	metadata *SharedStruct
	schema   Schema
	bufSize  int
	size     int
}

// NewSharedStreamingArray allocates a fresh ring buffer segment, for use by
// the writing side of a buffered link.
func NewSharedStreamingArray(mgr SegmentManager, schema Schema, bufSize int) (*SharedStreamingArray, error) {
	size := bufSize * 2
	seg, err := mgr.Alloc(8 * len(schema) * size)
	if err != nil {
		return nil, err
	}
	meta, err := NewSharedStruct(mgr, Schema{"head_index"})
	if err != nil {
		return nil, err
	}
	sa := &SharedStreamingArray{mgr: mgr, seg: seg, metadata: meta, schema: schema, bufSize: bufSize, size: size}
	if err = sa.writeRow(size-1, nanRow(len(schema))); err != nil {
		return nil, err
	}
	return sa, meta.writeAll([]float64{float64(size - 1)})
}

// OpenSharedStreamingArray reopens an existing ring buffer, for use by the
// reading side(s) of a buffered link.
func OpenSharedStreamingArray(mgr SegmentManager, desc SharedArrayDescriptor) (*SharedStreamingArray, error) {
	seg, err := mgr.Open(desc.SegmentName)
	if err != nil {
		return nil, err
	}
	meta, err := OpenSharedStruct(mgr, desc.Metadata)
	if err != nil {
		return nil, err
	}
	return &SharedStreamingArray{
		mgr: mgr, seg: seg, metadata: meta,
		schema: desc.Schema, bufSize: desc.BufSize, size: desc.BufSize * 2,
	}, nil
}

// Descriptor returns the serializable handle for this SharedStreamingArray.
func (sa *SharedStreamingArray) Descriptor() SharedArrayDescriptor {
	return SharedArrayDescriptor{
		Schema: sa.schema, BufSize: sa.bufSize,
		SegmentName: sa.seg.Name(), Metadata: sa.metadata.Descriptor(),
	}
}

func (sa *SharedStreamingArray) rowWidth() int {
	return 8 * len(sa.schema)
}

func (sa *SharedStreamingArray) readRow(i int) ([]float64, error) {
	buf := make([]byte, sa.rowWidth())
	if _, err := sa.seg.ReadAt(buf, i*sa.rowWidth()); err != nil {
		return nil, err
	}
	row := make([]float64, len(sa.schema))
	for j := range row {
		row[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[j*8:]))
	}
	return row, nil
}

func (sa *SharedStreamingArray) writeRow(i int, row []float64) error {
	buf := make([]byte, 8*len(row))
	for j, v := range row {
		binary.LittleEndian.PutUint64(buf[j*8:], math.Float64bits(v))
	}
	_, err := sa.seg.WriteAt(buf, i*sa.rowWidth())
	return err
}

func (sa *SharedStreamingArray) headIndex() (int, error) {
	v, err := sa.metadata.Item()
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Consume stores v as the newest entry, applying the same half-and-half
// reshuffle rule as StreamingArray.Consume.
func (sa *SharedStreamingArray) Consume(v *Struct) error {
	if !sa.schema.Equal(v.schema) {
		return ErrSchemaMismatch
	}

	head, err := sa.headIndex()
	if err != nil {
		return err
	}
	head--

	if head == -1 {
		for i := 0; i < sa.bufSize; i++ {
			row, err := sa.readRow(i)
			if err != nil {
				return err
			}
			if err = sa.writeRow(i+sa.bufSize, row); err != nil {
				return err
			}
			if err = sa.writeRow(i, nanRow(len(sa.schema))); err != nil {
				return err
			}
		}
		head = sa.bufSize - 1
	}

	if err = sa.writeRow(head, v.data); err != nil {
		return err
	}
	return sa.metadata.writeAll([]float64{float64(head)})
}

// At returns the i-th most recent entry (0 is most recent) as a Struct.
func (sa *SharedStreamingArray) At(i int) (*Struct, error) {
	if i < 0 {
		return nil, ErrNegativeIndex
	}
	head, err := sa.headIndex()
	if err != nil {
		return nil, err
	}
	row, err := sa.readRow(head + i)
	if err != nil {
		return nil, err
	}
	return &Struct{schema: sa.schema, data: row}, nil
}
