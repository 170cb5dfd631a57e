package orchestrator

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
	"time"

	"github.com/brunotm/ndflow"
	"github.com/brunotm/ndflow/config"
	"github.com/brunotm/ndflow/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// collectingSink builds a plain ndflow Collector that appends every value
// it receives (as a float64 read from field "f0") to a slice guarded by a
// mutex, for assertions from the test goroutine.
func collectingSink(id ndflow.NodeID) (*ndflow.Node, func() []float64) {
	var mu sync.Mutex
	var got []float64
	collect := func(values []*ndflow.Struct) (bool, error) {
		v, err := values[0].Item()
		if err != nil {
			return false, err
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return true, nil
	}
	n := ndflow.NewSingleCollector(id, collect)
	snapshot := func() []float64 {
		mu.Lock()
		defer mu.Unlock()
		out := make([]float64, len(got))
		copy(out, got)
		return out
	}
	return n, snapshot
}

func TestSingleContextTopology(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, err := o.NewContext()
	require.NoError(t, err)

	a := nodes.NewConstant("a", 2)
	b := nodes.NewConstant("b", 3)
	router := nodes.NewLambda("sum", func(args ...float64) float64 {
		return args[0] + args[1]
	})
	sink, snapshot := collectingSink("sink")

	require.NoError(t, o.Add(a, ctx))
	require.NoError(t, o.Add(b, ctx))
	require.NoError(t, o.Add(router, ctx))
	require.NoError(t, o.Add(sink, ctx))

	require.NoError(t, o.Connect(a.ID(), router.ID(), 0))
	require.NoError(t, o.Connect(b.ID(), router.ID(), 0))
	require.NoError(t, o.Connect(router.ID(), sink.ID(), 0))

	assert.Eventually(t, func() bool {
		vals := snapshot()
		for _, v := range vals {
			if v == 5 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCrossContextUnbufferedLink(t *testing.T) {
	o := newTestOrchestrator(t)

	ctxA, err := o.NewContext()
	require.NoError(t, err)
	ctxB, err := o.NewContext()
	require.NoError(t, err)

	producer := nodes.NewConstant("producer", 42)
	sink, snapshot := collectingSink("sink")

	require.NoError(t, o.Add(producer, ctxA))
	require.NoError(t, o.Add(sink, ctxB))

	require.NoError(t, o.Connect(producer.ID(), sink.ID(), 0))

	assert.Eventually(t, func() bool {
		vals := snapshot()
		for _, v := range vals {
			if v == 42 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	o.mu.Lock()
	_, hasPub := o.publications[producer.ID()]
	o.mu.Unlock()
	assert.True(t, hasPub)
}

func TestCrossContextBufferedLink(t *testing.T) {
	o := newTestOrchestrator(t)

	ctxA, err := o.NewContext()
	require.NoError(t, err)
	ctxB, err := o.NewContext()
	require.NoError(t, err)

	producer := nodes.NewConstant("producer", 7)
	sink, snapshot := collectingSink("sink")

	require.NoError(t, o.Add(producer, ctxA))
	require.NoError(t, o.Add(sink, ctxB))

	require.NoError(t, o.Connect(producer.ID(), sink.ID(), 4))

	assert.Eventually(t, func() bool {
		vals := snapshot()
		for _, v := range vals {
			if v == 7 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	o.mu.Lock()
	pub, ok := o.publications[producer.ID()]
	o.mu.Unlock()
	require.True(t, ok)
	assert.True(t, pub.buffered)
}

func TestCrossContextFanOutReusesSubscriber(t *testing.T) {
	o := newTestOrchestrator(t)

	ctxA, err := o.NewContext()
	require.NoError(t, err)
	ctxB, err := o.NewContext()
	require.NoError(t, err)

	producer := nodes.NewConstant("producer", 9)
	sinkOne, _ := collectingSink("sink-one")
	sinkTwo, _ := collectingSink("sink-two")

	require.NoError(t, o.Add(producer, ctxA))
	require.NoError(t, o.Add(sinkOne, ctxB))
	require.NoError(t, o.Add(sinkTwo, ctxB))

	require.NoError(t, o.Connect(producer.ID(), sinkOne.ID(), 0))
	require.NoError(t, o.Connect(producer.ID(), sinkTwo.ID(), 0))

	o.mu.Lock()
	pub := o.publications[producer.ID()]
	sub := pub.subs[ctxB]
	o.mu.Unlock()

	assert.Len(t, sub.consumers, 2)
}

func TestUnlinkGarbageCollectsInOrder(t *testing.T) {
	o := newTestOrchestrator(t)

	ctxA, err := o.NewContext()
	require.NoError(t, err)
	ctxB, err := o.NewContext()
	require.NoError(t, err)

	producer := nodes.NewConstant("producer", 1)
	sink, _ := collectingSink("sink")

	require.NoError(t, o.Add(producer, ctxA))
	require.NoError(t, o.Add(sink, ctxB))
	require.NoError(t, o.Connect(producer.ID(), sink.ID(), 0))

	require.NoError(t, o.Disconnect(producer.ID(), sink.ID()))

	o.mu.Lock()
	_, hasSub := o.subscriptions[subKey{producer: producer.ID(), ctx: ctxB}]
	_, hasPub := o.publications[producer.ID()]
	o.mu.Unlock()

	assert.False(t, hasSub)
	assert.False(t, hasPub)
}

func TestRemoveDisconnectsIncidentEdgesFirst(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, err := o.NewContext()
	require.NoError(t, err)

	a := nodes.NewConstant("a", 1)
	sink, _ := collectingSink("sink")

	require.NoError(t, o.Add(a, ctx))
	require.NoError(t, o.Add(sink, ctx))
	require.NoError(t, o.Connect(a.ID(), sink.ID(), 0))

	require.NoError(t, o.Remove(a.ID()))

	o.mu.Lock()
	_, edgeExists := o.edges[edgeKey{parent: a.ID(), child: sink.ID()}]
	_, nodeExists := o.nodes[a.ID()]
	o.mu.Unlock()

	assert.False(t, edgeExists)
	assert.False(t, nodeExists)
}

func TestParameterizeConnectsMergeWriter(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, err := o.NewContext()
	require.NoError(t, err)

	target := nodes.NewParametrizedLambda("plambda",
		func(args ...float64) float64 {
			return args[0] * args[1]
		},
		[]nodes.ParamRange{{Initial: 1, Lower: 0, Upper: 10}},
	)
	knob := nodes.NewConstant("knob", 3)

	require.NoError(t, o.Add(target.Node, ctx))
	require.NoError(t, o.Add(knob, ctx))

	// Parameterize reads the target's ParamsDescriptor synchronously, which
	// is only valid once the owning context worker has processed the Add
	// control message and run the node's Start. The control channel
	// delivers asynchronously, so callers must allow for that here exactly
	// as they must for any add-then-use sequence against a context worker.
	time.Sleep(50 * time.Millisecond)

	err = o.Parameterize(knob.ID(), target.ID())
	require.NoError(t, err)

	o.mu.Lock()
	_, edgeFound := o.forward[knob.ID()]
	o.mu.Unlock()
	assert.True(t, edgeFound)
}

func TestDestroyContextStopsWorker(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, err := o.NewContext()
	require.NoError(t, err)

	a := nodes.NewConstant("a", 1)
	require.NoError(t, o.Add(a, ctx))

	require.NoError(t, o.DestroyContext(ctx))

	_, err = o.NewContext()
	require.NoError(t, err)

	err = o.Add(nodes.NewConstant("b", 1), ctx)
	assert.Equal(t, ErrContextNotFound, err)
}

func TestWithConfigOverridesTunables(t *testing.T) {
	cfg := config.New(nil)
	cfg.Set("7ms", "context", "ready_timeout")
	cfg.Set(128, "bridge", "notify_buffer")
	cfg.Set(3, "bridge", "emit_every")

	o, err := New(WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	assert.Equal(t, 7*time.Millisecond, o.readyTimeout)
	assert.Equal(t, 128, o.notifyBufferSize)
	assert.Equal(t, 3, o.emitEvery)
}

func TestWithConfigLeavesDefaultsOnUnsetPaths(t *testing.T) {
	o, err := New(WithConfig(config.New(nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	assert.Equal(t, defaultReadyTimeout, o.readyTimeout)
	assert.Equal(t, defaultNotifyBufferSize, o.notifyBufferSize)
	assert.Equal(t, defaultEmitEvery, o.emitEvery)
}
