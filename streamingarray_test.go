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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustConsume(t *testing.T, sa *StreamingArray, v float64) {
	t.Helper()
	s := NewStruct(Schema{"f0"})
	require.NoError(t, s.Put("f0", v))
	require.NoError(t, sa.Consume(s))
}

func TestStreamingArrayConsumeAndAt(t *testing.T) {
	sa := NewStreamingArray(Schema{"f0"}, 3)

	mustConsume(t, sa, 1)
	mustConsume(t, sa, 2)
	mustConsume(t, sa, 3)

	assert.Equal(t, 3, sa.Length())

	latest, err := sa.At(0)
	require.NoError(t, err)
	v, _ := latest.Item()
	assert.Equal(t, float64(3), v)

	oldest, err := sa.At(2)
	require.NoError(t, err)
	v, _ = oldest.Item()
	assert.Equal(t, float64(1), v)
}

func TestStreamingArrayReshufflesOnUnderflow(t *testing.T) {
	sa := NewStreamingArray(Schema{"f0"}, 2)

	mustConsume(t, sa, 1)
	mustConsume(t, sa, 2)
	assert.False(t, sa.WillReshuffle())
	mustConsume(t, sa, 3)
	assert.True(t, sa.WillReshuffle())

	mustConsume(t, sa, 4)

	v0, err := sa.At(0)
	require.NoError(t, err)
	item, _ := v0.Item()
	assert.Equal(t, float64(4), item)

	v1, err := sa.At(1)
	require.NoError(t, err)
	item, _ = v1.Item()
	assert.Equal(t, float64(3), item)
}

func TestStreamingArrayBoundsErrors(t *testing.T) {
	sa := NewStreamingArray(Schema{"f0"}, 2)
	mustConsume(t, sa, 1)

	_, err := sa.At(-1)
	assert.Equal(t, ErrNegativeIndex, err)

	_, err = sa.At(5)
	assert.Equal(t, ErrIndexOutOfBounds, err)
}

func TestStreamingArraySliceOrdersMostToLeastRecent(t *testing.T) {
	sa := NewStreamingArray(Schema{"f0"}, 3)
	mustConsume(t, sa, 1)
	mustConsume(t, sa, 2)
	mustConsume(t, sa, 3)

	got, err := sa.Slice(0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	v0, _ := got[0].Item()
	v2, _ := got[2].Item()
	assert.Equal(t, float64(3), v0)
	assert.Equal(t, float64(1), v2)
}

func TestStreamingArrayConsumeSchemaMismatch(t *testing.T) {
	sa := NewStreamingArray(Schema{"f0"}, 2)
	other := NewStruct(Schema{"g0"})
	assert.Equal(t, ErrSchemaMismatch, sa.Consume(other))
}
