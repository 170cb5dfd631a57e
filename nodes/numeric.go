package nodes

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

	"github.com/brunotm/ndflow"
)

// NewSignal builds a finite emitter that evaluates fn(tick) on every tick,
// counting ticks up to limit. A limit of math.Inf(1) makes the signal run
// forever, holding the value fn(0) it was constructed with (fn is never
// re-evaluated once the tick counter stops advancing). The tick counter
// advances by 1 per call, not 0: a previous revision of this node family
// left it pinned at its initial value for any finite signal.
func NewSignal(id ndflow.NodeID, fn func(tick float64) float64, limit float64) *ndflow.Node {
	out := ndflow.NewStruct(ndflow.Schema{"f0"})
	_ = out.Put("f0", fn(0))

	ctr := 0.0
	finished := func() bool {
		return ctr >= limit
	}
	emit := func() (bool, error) {
		if ctr > limit {
			return false, nil
		}
		if !math.IsInf(limit, 1) {
			ctr++
			_ = out.Put("f0", fn(ctr))
		}
		return true, nil
	}
	return ndflow.NewFiniteEmitter(id, out, emit, finished)
}

// NewConstant builds a Signal that never varies and never terminates.
func NewConstant(id ndflow.NodeID, c float64) *ndflow.Node {
	return NewSignal(id, func(float64) float64 { return c }, math.Inf(1))
}

// NewNoise builds an emitter yielding sample() on every tick. The source
// always propagates; callers wanting a slower cadence than the context
// worker's round-robin tick rate should gate sample() themselves (e.g. by
// returning the previous value until an interval has elapsed) rather than
// blocking the tick, since a blocking sleep here would stall every other
// root emitter sharing this context's single execution loop.
func NewNoise(id ndflow.NodeID, sample func() float64) *ndflow.Node {
	out := ndflow.NewStruct(ndflow.Schema{"f0"})
	emit := func() (bool, error) {
		_ = out.Put("f0", sample())
		return true, nil
	}
	return ndflow.NewEmitter(id, out, emit)
}

// NewLambda builds a Router combining every source's scalar value, in
// fan-in order, through fn.
func NewLambda(id ndflow.NodeID, fn func(args ...float64) float64) *ndflow.Node {
	out := ndflow.NewStruct(ndflow.Schema{"f0"})
	collect := func(values []*ndflow.Struct) (bool, error) {
		args := make([]float64, len(values))
		for i, v := range values {
			item, err := v.Item()
			if err != nil {
				return false, err
			}
			args[i] = item
		}
		_ = out.Put("f0", fn(args...))
		return true, nil
	}
	return ndflow.NewRouter(id, out, collect)
}

// NewIntegrator builds an OutBranch that accumulates its single source's
// values into f0. The accumulator starts at 0, not the Struct default NaN
// fill: leaving it at NaN would poison every update with the first add.
func NewIntegrator(id ndflow.NodeID) *ndflow.Node {
	out := ndflow.NewStruct(ndflow.Schema{"f0"})
	_ = out.Put("f0", 0)

	collect := func(values []*ndflow.Struct) (bool, error) {
		v, err := values[0].Item()
		if err != nil {
			return false, err
		}
		cur, err := out.Get("f0")
		if err != nil {
			return false, err
		}
		_ = out.Put("f0", cur+v)
		return true, nil
	}
	return ndflow.NewOutBranch(id, out, collect)
}
