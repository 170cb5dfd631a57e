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

import "errors"

// Sentinel errors returned by node and data model operations.
var (
	ErrSchemaMismatch    = errors.New("ndflow: schema mismatch")
	ErrFieldNotFound     = errors.New("ndflow: field not found")
	ErrNotSingleField    = errors.New("ndflow: struct does not hold a single field")
	ErrIndexOutOfBounds  = errors.New("ndflow: index out of bounds")
	ErrNegativeIndex     = errors.New("ndflow: negative index not allowed")
	ErrResourceMissing   = errors.New("ndflow: missing required resource")
	ErrResourceSurplus   = errors.New("ndflow: unexpected resource provided")
	ErrNotParameterizble = errors.New("ndflow: node is not parametrized")
)

// Misuse errors. These are returned (not panicked) by the wiring methods
// and signal a wiring-contract violation by the caller.
var (
	errSingleSinkTaken   = errors.New("ndflow: single-sink node already has a sink")
	errSingleSourceTaken = errors.New("ndflow: single-source node already has a source")
	errSelfConnect       = errors.New("ndflow: a node cannot connect to itself")
	errNotASink          = errors.New("ndflow: node has no collecting side")
	errNotASource        = errors.New("ndflow: node has no emitting side")
)
