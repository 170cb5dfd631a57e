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
	"strings"

	"github.com/cespare/xxhash"
	"github.com/dgryski/go-wyhash"
)

// Schema is the ordered list of field names making up a Struct's record
// layout. Two Structs interoperate (Set, Merge, fan-in) only when their
// schemas carry the fields they need to exchange.
type Schema []string

// Equal reports whether two schemas name the same fields in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Schema) indexOf(name string) int {
	for i, f := range s {
		if f == name {
			return i
		}
	}
	return -1
}

func (s Schema) descriptor() string {
	return strings.Join(s, ",")
}

// Struct is a fixed-schema single record of float64 fields. New fields are
// filled with NaN so that accumulator nodes can tell an unset field from a
// field that has genuinely been driven to zero.
type Struct struct {
	schema Schema
	data   []float64
}

// NewStruct allocates a Struct for the given schema, all fields NaN.
func NewStruct(schema Schema) *Struct {
	data := make([]float64, len(schema))
	for i := range data {
		data[i] = math.NaN()
	}
	return &Struct{schema: schema, data: data}
}

// Schema returns this struct's field layout.
func (s *Struct) Schema() Schema {
	return s.schema
}

// IsItem reports whether this struct holds exactly one field, the only
// shape from which Item() can extract a bare scalar.
func (s *Struct) IsItem() bool {
	return len(s.schema) == 1
}

// Get returns the value of the named field.
func (s *Struct) Get(name string) (float64, error) {
	i := s.schema.indexOf(name)
	if i < 0 {
		return 0, ErrFieldNotFound
	}
	return s.data[i], nil
}

// Put sets the value of the named field.
func (s *Struct) Put(name string, value float64) error {
	i := s.schema.indexOf(name)
	if i < 0 {
		return ErrFieldNotFound
	}
	s.data[i] = value
	return nil
}

// Item extracts the scalar value of a single-field struct. Returns
// ErrNotSingleField for any struct that does not hold exactly one field.
func (s *Struct) Item() (float64, error) {
	if !s.IsItem() {
		return 0, ErrNotSingleField
	}
	return s.data[0], nil
}

// Set fully overwrites this struct's data with other's. Both structs must
// share the same schema.
func (s *Struct) Set(other *Struct) error {
	if !s.schema.Equal(other.schema) {
		return ErrSchemaMismatch
	}
	copy(s.data, other.data)
	return nil
}

// Merge overwrites only the fields named in other's schema, leaving the
// rest of this struct untouched. other's schema must be a subset of this
// struct's fields.
func (s *Struct) Merge(other *Struct) error {
	for i, name := range other.schema {
		idx := s.schema.indexOf(name)
		if idx < 0 {
			return ErrFieldNotFound
		}
		s.data[idx] = other.data[i]
	}
	return nil
}

// Copy returns an independent Struct with the same schema and values.
func (s *Struct) Copy() *Struct {
	data := make([]float64, len(s.data))
	copy(data, s.data)
	return &Struct{schema: s.schema, data: data}
}

// Hash returns a stable content hash over this struct's field values and
// schema descriptor, so structs with identical bytes but different schemas
// never collide.
func (s *Struct) Hash() uint64 {
	buf := make([]byte, 8*len(s.data))
	for i, v := range s.data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	h := xxhash.Sum64(buf)
	d := []byte(s.schema.descriptor())
	return h ^ wyhash.Hash(d, h)
}
