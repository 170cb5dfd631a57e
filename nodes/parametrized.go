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
	"fmt"

	"github.com/brunotm/ndflow"
)

// ParamRange names one tunable parameter of a ParametrizedLambda: its
// initial value and the bounds a future parameter search is expected to
// respect (this package does not enforce them; they are advisory metadata
// carried alongside the value, as in the node family this was modeled on).
type ParamRange struct {
	Initial float64
	Lower   float64
	Upper   float64
}

// ParametrizedLambda is a Lambda whose last argument is a live-tunable
// parameter vector, merged in from shared memory by a Writer the
// orchestrator wires up via parameterize. Unlike a plain Lambda it needs a
// SegmentManager to back that parameter vector, so it is Resourced.
type ParametrizedLambda struct {
	*ndflow.Node

	fn     func(args ...float64) float64
	raw    []ParamRange
	schema ndflow.Schema

	mgr    ndflow.SegmentManager
	params *ndflow.SharedStruct
}

// NewParametrizedLambda builds a ParametrizedLambda computing fn over its
// sources' scalar values plus the current parameter vector, in schema
// order p0..pN-1.
func NewParametrizedLambda(id ndflow.NodeID, fn func(args ...float64) float64, params []ParamRange) *ParametrizedLambda {
	schema := make(ndflow.Schema, len(params))
	for i := range params {
		schema[i] = fmt.Sprintf("p%d", i)
	}

	pl := &ParametrizedLambda{fn: fn, raw: params, schema: schema}

	out := ndflow.NewStruct(ndflow.Schema{"f0"})
	collect := func(values []*ndflow.Struct) (bool, error) {
		args := make([]float64, 0, len(values)+len(schema))
		for _, v := range values {
			item, err := v.Item()
			if err != nil {
				return false, err
			}
			args = append(args, item)
		}
		for _, name := range pl.schema {
			v, err := pl.params.Get(name)
			if err != nil {
				return false, err
			}
			args = append(args, v)
		}
		_ = out.Put("f0", pl.fn(args...))
		return true, nil
	}

	pl.Node = ndflow.NewRouter(id, out, collect)
	pl.Node.SetResourced(pl)
	return pl
}

// RSpec implements ndflow.Resourced.
func (pl *ParametrizedLambda) RSpec() ndflow.ResourceSpec {
	return ndflow.NewResourceSpec(ndflow.ResourceSegmentManager)
}

// Start implements ndflow.Resourced: it allocates the shared segment
// backing this node's parameter vector, seeded with each ParamRange's
// initial value.
func (pl *ParametrizedLambda) Start(res ndflow.Resources) error {
	mgr, ok := res[ndflow.ResourceSegmentManager].(ndflow.SegmentManager)
	if !ok {
		return ndflow.ErrResourceMissing
	}
	pl.mgr = mgr

	params, err := ndflow.NewSharedStruct(mgr, pl.schema)
	if err != nil {
		return err
	}
	if err := params.Set(pl.InitParams()); err != nil {
		return err
	}
	pl.params = params
	return nil
}

// Stop implements ndflow.Resourced.
func (pl *ParametrizedLambda) Stop() error {
	if pl.params == nil {
		return nil
	}
	return pl.mgr.Release(pl.params.Descriptor().SegmentName)
}

// InitParams returns the initial parameter vector, in schema order.
func (pl *ParametrizedLambda) InitParams() *ndflow.Struct {
	s := ndflow.NewStruct(pl.schema)
	for i, name := range pl.schema {
		_ = s.Put(name, pl.raw[i].Initial)
	}
	return s
}

// ParamsDescriptor implements ndflow.Parametrized.
func (pl *ParametrizedLambda) ParamsDescriptor() ndflow.SharedStructDescriptor {
	return pl.params.Descriptor()
}
