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
	"strconv"
	"sync/atomic"
)

// NodeID identifies a node within a topology, unique across all contexts
// managed by a single orchestrator.
type NodeID string

// ContextID identifies an execution context managed by an orchestrator.
type ContextID string

var idSeq uint64

// NewNodeID returns a process-unique NodeID with the given prefix, useful
// for constructing nodes without caller-assigned identifiers.
func NewNodeID(prefix string) NodeID {
	n := atomic.AddUint64(&idSeq, 1)
	return NodeID(prefix + "-" + strconv.FormatUint(n, 10))
}

// NewContextID returns a process-unique ContextID.
func NewContextID() ContextID {
	n := atomic.AddUint64(&idSeq, 1)
	return ContextID("ctx-" + strconv.FormatUint(n, 10))
}
