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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructFillsNaN(t *testing.T) {
	s := NewStruct(Schema{"a", "b"})
	for _, name := range []string{"a", "b"} {
		v, err := s.Get(name)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v))
	}
}

func TestStructGetPutUnknownField(t *testing.T) {
	s := NewStruct(Schema{"a"})
	require.NoError(t, s.Put("a", 1))
	_, err := s.Get("missing")
	assert.Equal(t, ErrFieldNotFound, err)
	assert.Equal(t, ErrFieldNotFound, s.Put("missing", 1))
}

func TestStructItem(t *testing.T) {
	s := NewStruct(Schema{"a"})
	require.NoError(t, s.Put("a", 5))
	v, err := s.Item()
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	multi := NewStruct(Schema{"a", "b"})
	_, err = multi.Item()
	assert.Equal(t, ErrNotSingleField, err)
}

func TestStructSetRequiresMatchingSchema(t *testing.T) {
	a := NewStruct(Schema{"a", "b"})
	require.NoError(t, a.Put("a", 1))
	require.NoError(t, a.Put("b", 2))

	b := NewStruct(Schema{"a", "b"})
	require.NoError(t, b.Set(a))
	v, _ := b.Get("a")
	assert.Equal(t, float64(1), v)

	mismatched := NewStruct(Schema{"a"})
	assert.Equal(t, ErrSchemaMismatch, mismatched.Set(a))
}

func TestStructMergeOnlyTouchesNamedFields(t *testing.T) {
	s := NewStruct(Schema{"p0", "p1"})
	require.NoError(t, s.Put("p0", 1))
	require.NoError(t, s.Put("p1", 2))

	patch := NewStruct(Schema{"p1"})
	require.NoError(t, patch.Put("p1", 99))

	require.NoError(t, s.Merge(patch))
	v0, _ := s.Get("p0")
	v1, _ := s.Get("p1")
	assert.Equal(t, float64(1), v0)
	assert.Equal(t, float64(99), v1)
}

func TestStructMergeUnknownFieldErrors(t *testing.T) {
	s := NewStruct(Schema{"p0"})
	patch := NewStruct(Schema{"missing"})
	require.NoError(t, patch.Put("missing", 1))
	assert.Equal(t, ErrFieldNotFound, s.Merge(patch))
}

func TestStructCopyIsIndependent(t *testing.T) {
	s := NewStruct(Schema{"a"})
	require.NoError(t, s.Put("a", 1))

	c := s.Copy()
	require.NoError(t, c.Put("a", 2))

	v, _ := s.Get("a")
	assert.Equal(t, float64(1), v)
}

func TestStructHashDiffersByValueAndSchema(t *testing.T) {
	a := NewStruct(Schema{"a"})
	require.NoError(t, a.Put("a", 1))

	b := NewStruct(Schema{"a"})
	require.NoError(t, b.Put("a", 1))
	assert.Equal(t, a.Hash(), b.Hash())

	require.NoError(t, b.Put("a", 2))
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := NewStruct(Schema{"x"})
	require.NoError(t, c.Put("x", 1))
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestSchemaEqual(t *testing.T) {
	assert.True(t, Schema{"a", "b"}.Equal(Schema{"a", "b"}))
	assert.False(t, Schema{"a", "b"}.Equal(Schema{"b", "a"}))
	assert.False(t, Schema{"a"}.Equal(Schema{"a", "b"}))
}
