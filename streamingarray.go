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

import "math"

// StreamingArray is a fixed-capacity ring buffer of Structs, backed by a
// double-sized array so the most recent bufSize entries are always
// contiguous. Index 0 is always the most recently consumed entry.
type StreamingArray struct {
	schema    Schema
	bufSize   int
	size      int
	headIndex int
	data      [][]float64
}

// NewStreamingArray allocates a StreamingArray holding up to bufSize
// Structs of the given schema.
func NewStreamingArray(schema Schema, bufSize int) *StreamingArray {
	sa := &StreamingArray{
		schema:  schema,
		bufSize: bufSize,
		size:    bufSize * 2,
	}
	sa.headIndex = sa.size - 1
	sa.data = make([][]float64, sa.size)
	for i := range sa.data {
		sa.data[i] = nanRow(len(schema))
	}
	return sa
}

func nanRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	return row
}

// Length returns the number of entries consumed so far, capped at bufSize.
func (sa *StreamingArray) Length() int {
	if n := sa.size - sa.headIndex - 1; n < sa.bufSize {
		return n
	}
	return sa.bufSize
}

// WillReshuffle reports whether the next Consume triggers the underflow
// reshuffle, matching the original's `will_reshuffle` property.
func (sa *StreamingArray) WillReshuffle() bool {
	return sa.headIndex == 0
}

// Consume stores v as the newest entry and advances the head pointer. When
// the head pointer underflows, the lower half of the backing array (the
// most recently filled region) is copied into the upper half, the lower
// half is cleared to NaN, and the head pointer resets to bufSize-1.
func (sa *StreamingArray) Consume(v *Struct) error {
	if !sa.schema.Equal(v.schema) {
		return ErrSchemaMismatch
	}

	sa.headIndex--
	if sa.headIndex == -1 {
		copy(sa.data[sa.bufSize:], sa.data[:sa.bufSize])
		for i := 0; i < sa.bufSize; i++ {
			sa.data[i] = nanRow(len(sa.schema))
		}
		sa.headIndex = sa.bufSize - 1
	}

	row := make([]float64, len(v.data))
	copy(row, v.data)
	sa.data[sa.headIndex] = row
	return nil
}

// At returns the i-th most recent entry as a Struct (0 is most recent).
// i must be within [0, Length()-1].
func (sa *StreamingArray) At(i int) (*Struct, error) {
	if i < 0 {
		return nil, ErrNegativeIndex
	}
	if i > sa.Length()-1 {
		return nil, ErrIndexOutOfBounds
	}
	row := sa.data[sa.headIndex+i]
	data := make([]float64, len(row))
	copy(data, row)
	return &Struct{schema: sa.schema, data: data}, nil
}

// Slice returns entries [start, stop) as Structs ordered from most to
// least recent, mirroring the original's slice semantics.
func (sa *StreamingArray) Slice(start, stop int) ([]*Struct, error) {
	if start < 0 || stop < 0 || stop < start {
		return nil, ErrNegativeIndex
	}
	if start > sa.Length()-1 || stop > sa.Length() {
		return nil, ErrIndexOutOfBounds
	}
	out := make([]*Struct, 0, stop-start)
	for i := start; i < stop; i++ {
		s, err := sa.At(i)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
