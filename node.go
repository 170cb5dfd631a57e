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

import "sync"

// unlimited marks a Node side (sinks or sources) with no cardinality
// constraint, as opposed to 0 (no such side at all) or 1 (single).
const unlimited = -1

// EmitFunc produces a node's next output, mutating the Struct the node was
// constructed with in place. Returning propagate=false suppresses
// downstream dispatch for this tick without being an error.
type EmitFunc func() (propagate bool, err error)

// CollectFunc runs once a node's sources have all reported completion for
// the current round, in source-registration order. Returning
// propagate=false suppresses downstream dispatch for this round.
type CollectFunc func(values []*Struct) (propagate bool, err error)

// Node is the unified engine behind every Emitter/Collector/Router
// topology. Concrete node kinds are built by supplying an EmitFunc and/or
// a CollectFunc to one of the New* constructors; the engine takes care of
// fan-in ordering, fan-out concurrency and the single-sink/single-source
// constraints of the derived topologies.
type Node struct {
	id     NodeID
	output *Struct

	emit    EmitFunc
	collect CollectFunc

	maxSinks   int
	maxSources int

	finished func() bool
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	sinks   []*Node
	sources []*Node
	flags   map[NodeID]bool

	tickMu sync.Mutex

	resourced Resourced
}

// SetResourced attaches a Resourced lifecycle companion to this node, so a
// context worker can provision and release its resources on add/remove.
// Concrete node kinds that need resources call this right after
// construction.
func (n *Node) SetResourced(r Resourced) {
	n.resourced = r
}

// Resourced returns this node's lifecycle companion, if any.
func (n *Node) Resourced() (Resourced, bool) {
	return n.resourced, n.resourced != nil
}

// ID returns this node's identifier.
func (n *Node) ID() NodeID {
	return n.id
}

// Output returns the Struct this node writes its results into. Nil for
// nodes with no emitting side (plain Collectors).
func (n *Node) Output() *Struct {
	return n.output
}

// IsRootEmitter reports whether this node can be driven by an external
// Tick loop: it emits but does not collect, i.e. a plain Emitter, a
// SingleEmitter or a FiniteEmitter, never a Router or a derived topology
// with a collecting side.
func (n *Node) IsRootEmitter() bool {
	return n.emit != nil && n.collect == nil
}

// IsFinite reports whether this node was built with NewFiniteEmitter.
func (n *Node) IsFinite() bool {
	return n.finished != nil
}

// HasCollector reports whether this node has a collecting side, i.e. it was
// built with one of the constructors that takes a CollectFunc.
func (n *Node) HasCollector() bool {
	return n.collect != nil
}

// Done returns a channel closed the first time a FiniteEmitter's finished
// condition becomes true. Calling Done on a non-finite node returns nil.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// newNode builds the shared engine state common to every constructor.
func newNode(id NodeID, output *Struct, emit EmitFunc, collect CollectFunc, maxSinks, maxSources int) *Node {
	return &Node{
		id:         id,
		output:     output,
		emit:       emit,
		collect:    collect,
		maxSinks:   maxSinks,
		maxSources: maxSources,
		flags:      make(map[NodeID]bool),
	}
}

// NewEmitter builds a node which emits data and can be run in a loop
// without parents, with any number of sinks.
func NewEmitter(id NodeID, output *Struct, emit EmitFunc) *Node {
	return newNode(id, output, emit, nil, unlimited, 0)
}

// NewSingleEmitter builds an Emitter constrained to a single sink.
func NewSingleEmitter(id NodeID, output *Struct, emit EmitFunc) *Node {
	return newNode(id, output, emit, nil, 1, 0)
}

// NewFiniteEmitter builds an Emitter with a fixed term: once finished
// reports true, the node stops propagating to sinks and closes the
// channel returned by Done instead.
func NewFiniteEmitter(id NodeID, output *Struct, emit EmitFunc, finished func() bool) *Node {
	n := newNode(id, output, emit, nil, unlimited, 0)
	n.finished = finished
	n.done = make(chan struct{})
	return n
}

// NewCollector builds a node which drains data, typically with I/O, and
// has no emitting side of its own.
func NewCollector(id NodeID, collect CollectFunc) *Node {
	return newNode(id, nil, nil, collect, 0, unlimited)
}

// NewSingleCollector builds a Collector constrained to a single source.
func NewSingleCollector(id NodeID, collect CollectFunc) *Node {
	return newNode(id, nil, nil, collect, 0, 1)
}

// NewRouter builds a node which both collects from any number of sources
// and emits to any number of sinks once all sources complete a round.
func NewRouter(id NodeID, output *Struct, collect CollectFunc) *Node {
	return newNode(id, output, nil, collect, unlimited, unlimited)
}

// NewPipe builds a single-source, single-sink connector.
func NewPipe(id NodeID, output *Struct, collect CollectFunc) *Node {
	return newNode(id, output, nil, collect, 1, 1)
}

// NewOutBranch builds a single-source, many-sink connector.
func NewOutBranch(id NodeID, output *Struct, collect CollectFunc) *Node {
	return newNode(id, output, nil, collect, unlimited, 1)
}

// NewInBranch builds a many-source, single-sink connector.
func NewInBranch(id NodeID, output *Struct, collect CollectFunc) *Node {
	return newNode(id, output, nil, collect, 1, unlimited)
}

// SendsTo wires n as a source of each of procs, registering the reciprocal
// source link on each of them. Safe to call more than once for the same
// pair; later calls are no-ops.
func (n *Node) SendsTo(procs ...*Node) error {
	for _, proc := range procs {
		if proc == n || proc.id == n.id {
			return errSelfConnect
		}
		if err := n.addSink(proc); err != nil {
			return err
		}
		if err := proc.addSource(n); err != nil {
			return err
		}
	}
	return nil
}

// ReceivesFrom wires n as a sink of each of procs. Equivalent to calling
// SendsTo on each of procs with n as the argument.
func (n *Node) ReceivesFrom(procs ...*Node) error {
	for _, proc := range procs {
		if err := proc.SendsTo(n); err != nil {
			return err
		}
	}
	return nil
}

// Neighbors returns every node currently wired to n, on either side
// (sinks and sources), deduplicated. Used by callers that need to sever
// every recorded link before dropping n, without already knowing its
// topology from the orchestrator's own edge set.
func (n *Node) Neighbors() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[NodeID]*Node, len(n.sinks)+len(n.sources))
	for _, s := range n.sinks {
		seen[s.id] = s
	}
	for _, s := range n.sources {
		seen[s.id] = s
	}
	out := make([]*Node, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out
}

// Disconnect removes the link between n and proc in whichever direction it
// exists. Idempotent: disconnecting an already-disconnected pair, from
// either side, including re-entrantly during the same tear-down, is a
// no-op rather than an error.
func (n *Node) Disconnect(proc *Node) {
	if n.removeSink(proc.id) {
		proc.removeSource(n.id)
	}
	if proc.removeSink(n.id) {
		n.removeSource(proc.id)
	}
}

func (n *Node) addSink(proc *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maxSinks == 0 {
		return errNotASource
	}
	for _, s := range n.sinks {
		if s.id == proc.id {
			return nil
		}
	}
	if n.maxSinks == 1 && len(n.sinks) != 0 {
		return errSingleSinkTaken
	}
	n.sinks = append(n.sinks, proc)
	return nil
}

func (n *Node) addSource(proc *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maxSources == 0 {
		return errNotASink
	}
	for _, s := range n.sources {
		if s.id == proc.id {
			return nil
		}
	}
	if n.maxSources == 1 && len(n.sources) != 0 {
		return errSingleSourceTaken
	}
	n.sources = append(n.sources, proc)
	n.flags[proc.id] = false
	return nil
}

func (n *Node) removeSink(id NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.sinks {
		if s.id == id {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			return true
		}
	}
	return false
}

func (n *Node) removeSource(id NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.sources {
		if s.id == id {
			n.sources = append(n.sources[:i], n.sources[i+1:]...)
			delete(n.flags, id)
			return true
		}
	}
	return false
}

// Tick drives a root emitter's next computation. Only valid for nodes
// built with NewEmitter, NewSingleEmitter or NewFiniteEmitter.
func (n *Node) Tick() error {
	if n.emit == nil {
		return errNotASource
	}

	n.tickMu.Lock()
	propagate, err := n.emit()
	n.tickMu.Unlock()
	if err != nil {
		return err
	}

	if n.finished != nil && n.finished() {
		n.doneOnce.Do(func() { close(n.done) })
		return nil
	}

	if !propagate {
		return nil
	}
	return n.fanout()
}

// Receive is the completion trigger invoked by a source node after it
// finishes dispatching to n. Once every registered source has reported in
// for the current round, n computes and, unless suppressed, propagates to
// its own sinks before Receive returns — this is what makes fan-out a
// synchronous frontier: the caller blocks until the whole reachable
// subgraph below n has quiesced.
func (n *Node) Receive(from NodeID) error {
	n.mu.Lock()
	if _, ok := n.flags[from]; !ok {
		n.mu.Unlock()
		return nil
	}
	n.flags[from] = true

	ready := true
	for _, s := range n.sources {
		if !n.flags[s.id] {
			ready = false
			break
		}
	}

	var values []*Struct
	if ready {
		values = make([]*Struct, len(n.sources))
		for i, s := range n.sources {
			values[i] = s.output
		}
		for k := range n.flags {
			n.flags[k] = false
		}
	}
	n.mu.Unlock()

	if !ready {
		return nil
	}

	n.tickMu.Lock()
	propagate, err := n.collect(values)
	n.tickMu.Unlock()
	if err != nil {
		return err
	}
	if !propagate {
		return nil
	}

	if n.maxSinks == 1 {
		n.mu.Lock()
		var sink *Node
		if len(n.sinks) > 0 {
			sink = n.sinks[0]
		}
		n.mu.Unlock()
		if sink == nil {
			return nil
		}
		return sink.Receive(n.id)
	}
	return n.fanout()
}

// fanout concurrently dispatches to every sink, blocking until the entire
// reachable subgraph below them has finished computing.
func (n *Node) fanout() error {
	n.mu.Lock()
	sinks := make([]*Node, len(n.sinks))
	copy(sinks, n.sinks)
	n.mu.Unlock()

	if len(sinks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(sinks))
	for _, s := range sinks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Receive(n.id); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
