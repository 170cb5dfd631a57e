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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantEmitter(id NodeID, v float64) *Node {
	out := NewStruct(Schema{"f0"})
	_ = out.Put("f0", v)
	return NewEmitter(id, out, func() (bool, error) { return true, nil })
}

func TestSingleEmitterRejectsSecondSink(t *testing.T) {
	out := NewStruct(Schema{"f0"})
	e := NewSingleEmitter("e", out, func() (bool, error) { return true, nil })
	c1 := NewSingleCollector("c1", func([]*Struct) (bool, error) { return true, nil })
	c2 := NewSingleCollector("c2", func([]*Struct) (bool, error) { return true, nil })

	require.NoError(t, e.SendsTo(c1))
	assert.Error(t, e.SendsTo(c2))
}

func TestSingleCollectorRejectsSecondSource(t *testing.T) {
	c := NewSingleCollector("c", func([]*Struct) (bool, error) { return true, nil })
	s1 := constantEmitter("s1", 1)
	s2 := constantEmitter("s2", 2)

	require.NoError(t, s1.SendsTo(c))
	assert.Error(t, s2.SendsTo(c))
}

func TestSelfConnectRejected(t *testing.T) {
	e := constantEmitter("e", 1)
	assert.Error(t, e.SendsTo(e))
}

func TestSendsToIsIdempotent(t *testing.T) {
	e := constantEmitter("e", 1)
	c := NewCollector("c", func([]*Struct) (bool, error) { return true, nil })

	require.NoError(t, e.SendsTo(c))
	require.NoError(t, e.SendsTo(c))
}

func TestDisconnectIsIdempotentAndBidirectional(t *testing.T) {
	e := constantEmitter("e", 1)
	c := NewCollector("c", func([]*Struct) (bool, error) { return true, nil })

	require.NoError(t, e.SendsTo(c))
	e.Disconnect(c)
	e.Disconnect(c)
	c.Disconnect(e)
}

func TestFanInWaitsForEverySource(t *testing.T) {
	var calls int
	var mu sync.Mutex
	router := NewRouter("r", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return true, nil
	})

	s1 := constantEmitter("s1", 1)
	s2 := constantEmitter("s2", 2)
	require.NoError(t, s1.SendsTo(router))
	require.NoError(t, s2.SendsTo(router))

	require.NoError(t, s1.Tick())
	mu.Lock()
	assert.Equal(t, 0, calls, "router must not compute before every source reports in")
	mu.Unlock()

	require.NoError(t, s2.Tick())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestFanOutDispatchesToEverySink(t *testing.T) {
	e := constantEmitter("e", 1)

	var mu sync.Mutex
	var got []NodeID
	record := func(id NodeID) CollectFunc {
		return func(values []*Struct) (bool, error) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return true, nil
		}
	}
	c1 := NewSingleCollector("c1", record("c1"))
	c2 := NewSingleCollector("c2", record("c2"))

	require.NoError(t, e.SendsTo(c1))
	require.NoError(t, e.SendsTo(c2))
	require.NoError(t, e.Tick())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []NodeID{"c1", "c2"}, got)
}

func TestFiniteEmitterClosesDoneAndStopsPropagating(t *testing.T) {
	ticks := 0
	finished := func() bool { return ticks >= 2 }
	emit := func() (bool, error) {
		ticks++
		return true, nil
	}
	n := NewFiniteEmitter("f", NewStruct(Schema{"f0"}), emit, finished)

	require.NoError(t, n.Tick())
	select {
	case <-n.Done():
		t.Fatal("must not be done yet")
	default:
	}

	require.NoError(t, n.Tick())
	select {
	case <-n.Done():
	default:
		t.Fatal("must be done after reaching the finished condition")
	}

	// Ticking again after completion must not panic or re-fire Done.
	require.NoError(t, n.Tick())
}

func TestPipeChainPropagatesSynchronously(t *testing.T) {
	e := constantEmitter("e", 3)

	var seen float64
	doubled := NewPipe("double", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) {
		v, err := values[0].Item()
		if err != nil {
			return false, err
		}
		seen = v * 2
		return true, nil
	})
	require.NoError(t, e.SendsTo(doubled))
	require.NoError(t, e.Tick())
	assert.Equal(t, float64(6), seen)
}

func TestOutBranchFansOutToMultipleSinks(t *testing.T) {
	e := constantEmitter("e", 1)
	branch := NewOutBranch("branch", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) {
		return true, nil
	})
	require.NoError(t, e.SendsTo(branch))

	var mu sync.Mutex
	count := 0
	c1 := NewCollector("c1", func([]*Struct) (bool, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return true, nil
	})
	c2 := NewCollector("c2", func([]*Struct) (bool, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return true, nil
	})
	require.NoError(t, branch.SendsTo(c1))
	require.NoError(t, branch.SendsTo(c2))

	require.NoError(t, e.Tick())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestInBranchMergesMultipleSourcesToOneSink(t *testing.T) {
	s1 := constantEmitter("s1", 1)
	s2 := constantEmitter("s2", 2)
	branch := NewInBranch("branch", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) {
		return true, nil
	})
	require.NoError(t, s1.SendsTo(branch))
	require.NoError(t, s2.SendsTo(branch))

	var fired bool
	sink := NewSingleCollector("sink", func([]*Struct) (bool, error) {
		fired = true
		return true, nil
	})
	require.NoError(t, branch.SendsTo(sink))

	require.NoError(t, s1.Tick())
	assert.False(t, fired)
	require.NoError(t, s2.Tick())
	assert.True(t, fired)
}

func TestHasCollectorDistinguishesEmittersFromRouters(t *testing.T) {
	e := constantEmitter("e", 1)
	assert.False(t, e.HasCollector())
	assert.True(t, e.IsRootEmitter())

	router := NewRouter("r", NewStruct(Schema{"f0"}), func([]*Struct) (bool, error) { return true, nil })
	assert.True(t, router.HasCollector())
	assert.False(t, router.IsRootEmitter())

	collector := NewCollector("c", func([]*Struct) (bool, error) { return true, nil })
	assert.True(t, collector.HasCollector())
	assert.Nil(t, collector.Output())
}

func TestTickOnNonEmitterErrors(t *testing.T) {
	c := NewCollector("c", func([]*Struct) (bool, error) { return true, nil })
	assert.Error(t, c.Tick())
}

func TestNeighborsReportsBothSinksAndSources(t *testing.T) {
	pipe := NewPipe("pipe", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) { return true, nil })
	src := constantEmitter("src", 1)
	sink := NewSingleCollector("sink", func([]*Struct) (bool, error) { return true, nil })

	require.NoError(t, src.SendsTo(pipe))
	require.NoError(t, pipe.SendsTo(sink))

	neighbors := pipe.Neighbors()
	require.Len(t, neighbors, 2)

	ids := map[NodeID]bool{}
	for _, n := range neighbors {
		ids[n.ID()] = true
	}
	assert.True(t, ids["src"])
	assert.True(t, ids["sink"])
}

func TestNeighborsEmptyAfterDisconnect(t *testing.T) {
	pipe := NewPipe("pipe", NewStruct(Schema{"f0"}), func(values []*Struct) (bool, error) { return true, nil })
	src := constantEmitter("src", 1)
	require.NoError(t, src.SendsTo(pipe))

	for _, n := range pipe.Neighbors() {
		pipe.Disconnect(n)
	}
	assert.Empty(t, pipe.Neighbors())
}
