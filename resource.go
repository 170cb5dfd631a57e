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

// Resource names a lifecycle dependency a node needs before it can run.
type Resource int

const (
	// ResourceBus is the in-process transport used for cross-context
	// data notification (the per-producer lane Publishers and Subscribers
	// share).
	ResourceBus Resource = iota + 1
	// ResourceMulticastURL is the base addressing scheme publishers and
	// subscribers use to find each other's notification topic.
	ResourceMulticastURL
	// ResourceOrchestratorTxURL is the control channel topic the context
	// worker subscribes to for messages from the orchestrator.
	ResourceOrchestratorTxURL
	// ResourceOrchestratorRxURL is the readiness channel topic the context
	// worker publishes to.
	ResourceOrchestratorRxURL
	// ResourceOrchestratorAPI exposes the orchestrator's node registry to
	// nodes that need to look up peers directly (used sparingly).
	ResourceOrchestratorAPI
	// ResourceSegmentManager allocates and resolves shared-memory segments.
	ResourceSegmentManager
)

// ResourceSpec is the set of resources a Resourced node requires.
type ResourceSpec map[Resource]struct{}

// NewResourceSpec builds a ResourceSpec from the given resources.
func NewResourceSpec(resources ...Resource) ResourceSpec {
	spec := make(ResourceSpec, len(resources))
	for _, r := range resources {
		spec[r] = struct{}{}
	}
	return spec
}

// Union returns a new ResourceSpec containing the resources of both specs.
func (s ResourceSpec) Union(other ResourceSpec) ResourceSpec {
	union := make(ResourceSpec, len(s)+len(other))
	for r := range s {
		union[r] = struct{}{}
	}
	for r := range other {
		union[r] = struct{}{}
	}
	return union
}

// Resources is the concrete set of resource values handed to a node at
// start-up, keyed by Resource.
type Resources map[Resource]interface{}

// Select returns the subset of res named by spec, mirroring the context
// worker's get_resources filter: every node starts with only the resources
// its own RSpec names, never the full pool the worker was handed.
func (res Resources) Select(spec ResourceSpec) Resources {
	selected := make(Resources, len(spec))
	for r := range spec {
		if v, ok := res[r]; ok {
			selected[r] = v
		}
	}
	return selected
}

// Validate asserts that res provides exactly the resources named by spec,
// mirroring the rspec assertion every Resourced.start() performs upstream.
func (spec ResourceSpec) Validate(res Resources) error {
	for r := range spec {
		if _, ok := res[r]; !ok {
			return ErrResourceMissing
		}
	}
	for r := range res {
		if _, ok := spec[r]; !ok {
			return ErrResourceSurplus
		}
	}
	return nil
}

// Resourced is implemented by nodes that need resources provisioned by the
// context worker before they can run, and torn down when removed.
type Resourced interface {
	RSpec() ResourceSpec
	Start(res Resources) error
	Stop() error
}

// Parametrized is a Resourced node that also exposes live-tunable
// parameters backed by shared memory, merged in via Writer/parameterize.
type Parametrized interface {
	Resourced
	InitParams() *Struct
	// ParamsDescriptor returns the serializable handle of the SharedStruct
	// backing this node's live parameters, so the orchestrator can point a
	// merge-mode Writer at the same segment.
	ParamsDescriptor() SharedStructDescriptor
}
