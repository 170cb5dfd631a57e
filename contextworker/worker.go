package contextworker

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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brunotm/ndflow"
	"github.com/brunotm/ndflow/internal/bus"
	"github.com/brunotm/ndflow/log"
)

// Errors returned by Worker operations.
var (
	ErrNodeExists   = errors.New("contextworker: node already added")
	ErrNodeNotFound = errors.New("contextworker: node not found")
)

// ConnectSpec names the two ends of a same-context wiring request.
type ConnectSpec struct {
	Parent ndflow.NodeID
	Child  ndflow.NodeID
}

// ControlMessage is the unit of traffic on the orchestrator->worker control
// channel. Exactly one field is populated per message.
type ControlMessage struct {
	Add        *ndflow.Node
	Remove     ndflow.NodeID
	Connect    *ConnectSpec
	Disconnect *ConnectSpec
}

// idleBackoff bounds how long the execution loop sleeps when it currently
// has no root emitters to drive, so a freshly created, still-empty context
// doesn't spin.
const idleBackoff = 5 * time.Millisecond

// Worker runs a single execution context: it owns every node added to it,
// drives each root emitter's tick loop round-robin (a cooperative,
// single-threaded-per-context scheduler), and applies add/remove/connect/
// disconnect requests arriving on the control channel.
type Worker struct {
	id        ndflow.ContextID
	resources ndflow.Resources
	control   *bus.Bus[ndflow.ContextID]
	ready     *bus.Bus[ndflow.ContextID]
	logger    log.Logger

	mu       sync.Mutex
	nodes    map[ndflow.NodeID]*ndflow.Node
	emitters map[ndflow.NodeID]*ndflow.Node

	wg   sync.WaitGroup
	quit context.CancelFunc

	controlCh  <-chan any
	unsubCtrl  func()
}

// New builds a Worker for ctxID, wired to the given control channel (the
// orchestrator->worker lane) and readiness channel (the worker->
// orchestrator lane), provisioned with res for every Resourced node added
// to it.
func New(ctxID ndflow.ContextID, control, ready *bus.Bus[ndflow.ContextID], res ndflow.Resources) *Worker {
	return &Worker{
		id:        ctxID,
		resources: res,
		control:   control,
		ready:     ready,
		logger:    log.New("context", string(ctxID)),
		nodes:     make(map[ndflow.NodeID]*ndflow.Node),
		emitters:  make(map[ndflow.NodeID]*ndflow.Node),
	}
}

// Start subscribes the control channel, signals readiness to the
// orchestrator, and launches the receive and execution loops. The control
// subscription is established synchronously, before the readiness message
// is published, so a caller that waits for readiness before sending the
// first add/connect message can never race the subscription into existence.
// It returns immediately; use Stop to tear the worker down.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.quit = cancel

	w.controlCh, w.unsubCtrl = w.control.Subscribe(w.id, 64)
	w.ready.Publish(w.id, struct{}{})

	w.wg.Add(2)
	go w.receiveLoop(ctx)
	go w.execLoop(ctx)
}

// Stop cancels both loops and releases every Resourced node's resources.
func (w *Worker) Stop() {
	if w.quit != nil {
		w.quit()
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range w.nodes {
		if r, ok := n.Resourced(); ok {
			if err := r.Stop(); err != nil {
				w.logger.Errorw("error stopping node resources", "node", string(n.ID()), "error", err)
			}
		}
	}
}

func (w *Worker) receiveLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.unsubCtrl()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-w.controlCh:
			if !ok {
				return
			}
			msg, ok := raw.(ControlMessage)
			if !ok {
				continue
			}
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg ControlMessage) {
	var err error
	switch {
	case msg.Add != nil:
		err = w.add(msg.Add)
	case msg.Remove != "":
		err = w.remove(msg.Remove)
	case msg.Connect != nil:
		err = w.connect(msg.Connect.Parent, msg.Connect.Child)
	case msg.Disconnect != nil:
		err = w.disconnect(msg.Disconnect.Parent, msg.Disconnect.Child)
	}
	if err != nil {
		w.logger.Errorw("control message error", "error", err)
	}
}

func (w *Worker) execLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		emitters := make([]*ndflow.Node, 0, len(w.emitters))
		for _, n := range w.emitters {
			emitters = append(emitters, n)
		}
		w.mu.Unlock()

		if len(emitters) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleBackoff):
			}
			continue
		}

		for _, n := range emitters {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := n.Tick(); err != nil {
				w.logger.Errorw("node tick error", "node", string(n.ID()), "error", err)
			}

			if n.IsFinite() {
				select {
				case <-n.Done():
					w.mu.Lock()
					delete(w.emitters, n.ID())
					w.mu.Unlock()
				default:
				}
			}
		}
	}
}

// add registers node, provisioning its resources first and, if it is a
// root emitter, scheduling it for the execution loop.
func (w *Worker) add(node *ndflow.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.nodes[node.ID()]; exists {
		return ErrNodeExists
	}

	if r, ok := node.Resourced(); ok {
		res := w.resources.Select(r.RSpec())
		if err := r.RSpec().Validate(res); err != nil {
			return err
		}
		if err := r.Start(res); err != nil {
			return err
		}
	}

	w.nodes[node.ID()] = node
	if node.IsRootEmitter() {
		w.emitters[node.ID()] = node
	}
	return nil
}

// remove tears node down: it is first disconnected from every neighbor it
// still has wired (defensive — the orchestrator's own Remove already severs
// every incident edge before sending this control message, but Disconnect
// is idempotent, so a direct caller that skips that step cannot leave a
// dangling sink/source reference on the other end), then its resources are
// stopped via the node instance looked up by id, never via a bare id, so a
// stale identifier can never be mistaken for something stoppable.
func (w *Worker) remove(id ndflow.NodeID) error {
	w.mu.Lock()
	node, ok := w.nodes[id]
	if !ok {
		w.mu.Unlock()
		return ErrNodeNotFound
	}
	delete(w.nodes, id)
	delete(w.emitters, id)
	w.mu.Unlock()

	for _, neighbor := range node.Neighbors() {
		node.Disconnect(neighbor)
	}

	if r, ok := node.Resourced(); ok {
		if err := r.Stop(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) connect(parent, child ndflow.NodeID) error {
	w.mu.Lock()
	p, pok := w.nodes[parent]
	c, cok := w.nodes[child]
	w.mu.Unlock()
	if !pok || !cok {
		return ErrNodeNotFound
	}
	return p.SendsTo(c)
}

func (w *Worker) disconnect(parent, child ndflow.NodeID) error {
	w.mu.Lock()
	p, pok := w.nodes[parent]
	c, cok := w.nodes[child]
	w.mu.Unlock()
	if !pok || !cok {
		return ErrNodeNotFound
	}
	p.Disconnect(c)
	return nil
}

// NodeCount reports how many nodes this worker currently owns, for tests
// and admin introspection.
func (w *Worker) NodeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.nodes)
}
