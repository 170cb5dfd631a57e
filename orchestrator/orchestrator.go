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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brunotm/ndflow"
	"github.com/brunotm/ndflow/config"
	"github.com/brunotm/ndflow/contextworker"
	"github.com/brunotm/ndflow/internal/adminserver"
	"github.com/brunotm/ndflow/internal/bus"
	"github.com/brunotm/ndflow/journal"
	"github.com/brunotm/ndflow/log"
	"github.com/brunotm/ndflow/nodes"
	"github.com/brunotm/ndflow/segment"
)

// Errors returned by Orchestrator operations.
var (
	ErrContextNotFound   = errors.New("orchestrator: context not found")
	ErrContextExists     = errors.New("orchestrator: context already exists")
	ErrNodeExists        = errors.New("orchestrator: node already added")
	ErrNodeNotFound      = errors.New("orchestrator: node not found")
	ErrContextNotReady   = errors.New("orchestrator: context did not become ready in time")
	ErrNotParameterizble = ndflow.ErrNotParameterizble
)

// defaultReadyTimeout bounds how long NewContext waits for a freshly
// spawned worker's readiness push before giving up, absent an override from
// WithConfig's "context.ready_timeout" path. There is no such timeout in
// the spec's own transport (the pub/push sockets never expire a wait) but
// an in-process deployment with no real process boundary has no other
// signal that a worker has permanently failed to start.
const defaultReadyTimeout = 5 * time.Second

// defaultNotifyBufferSize bounds the per-producer data-channel buffer a
// Publisher's notifications accumulate in, absent an override from
// WithConfig's "bridge.notify_buffer" path.
const defaultNotifyBufferSize = 64

// defaultEmitEvery is how many Writer commits a Publisher lets pass before
// announcing a notification frame, absent an override from WithConfig's
// "bridge.emit_every" path.
const defaultEmitEvery = 1

type nodeEntry struct {
	node *ndflow.Node
	ctx  ndflow.ContextID
	kind string
}

type edgeKey struct {
	parent, child ndflow.NodeID
}

type subKey struct {
	producer ndflow.NodeID
	ctx      ndflow.ContextID
}

// publication is the cross-context bridge state for a single producer:
// exactly one Publisher, shared by every destination context that has at
// least one consumer of that producer.
type publication struct {
	producer    ndflow.NodeID
	ctx         ndflow.ContextID
	publisherID ndflow.NodeID
	buffered    bool
	structDesc  ndflow.SharedStructDescriptor
	arrDesc     *ndflow.SharedArrayDescriptor
	subs        map[ndflow.ContextID]*subscription
}

// subscription is the per-(producer, destination context) bridge state:
// one Subscriber, reused by every local consumer in that context.
type subscription struct {
	subscriberID ndflow.NodeID
	ctx          ndflow.ContextID
	consumers    map[ndflow.NodeID]struct{}
}

type contextHandle struct {
	worker *contextworker.Worker
}

// Orchestrator owns the canonical graph topology (nodes, edges, context
// placement) and the cross-context link bridge. It is the single point of
// mutation for a running topology; context workers only ever react to the
// control messages this type sends them.
type Orchestrator struct {
	control *bus.Bus[ndflow.ContextID]
	ready   *bus.Bus[ndflow.ContextID]
	notify  *bus.Bus[ndflow.NodeID]
	segs    ndflow.SegmentManager
	logger  log.Logger

	readyTimeout     time.Duration
	notifyBufferSize int
	emitEvery        int

	journal *journal.Journal
	admin   *adminserver.Server

	mu            sync.Mutex
	contexts      map[ndflow.ContextID]*contextHandle
	nodes         map[ndflow.NodeID]*nodeEntry
	edges         map[edgeKey]struct{}
	forward       map[ndflow.NodeID]map[ndflow.NodeID]struct{}
	backward      map[ndflow.NodeID]map[ndflow.NodeID]struct{}
	publications  map[ndflow.NodeID]*publication
	subscriptions map[subKey]*subscription
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithJournal appends every control message sent to a context to j, an
// already opened goleveldb-backed audit log, for post-mortem debugging
// only; it is never read back to reconstruct a topology. Off by default.
func WithJournal(j *journal.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithAdminServer attaches an admin HTTP/websocket server that will be
// notified of every topology mutation via Broadcast and can serve this
// Orchestrator's live Snapshot.
func WithAdminServer(s *adminserver.Server) Option {
	return func(o *Orchestrator) { o.admin = s }
}

// WithSegmentManager overrides the default in-process segment.Manager,
// useful for tests that want a manager they can inspect directly.
func WithSegmentManager(m ndflow.SegmentManager) Option {
	return func(o *Orchestrator) { o.segs = m }
}

// WithConfig reads orchestrator-level tunables out of cfg's dot-path tree,
// the same role the teacher's Config plays for per-processor buffer-size
// lookups: "context.ready_timeout" (NewContext's readiness wait),
// "bridge.notify_buffer" (a Subscriber's notification channel buffer) and
// "bridge.emit_every" (how many Writer commits every Publisher this
// orchestrator creates lets pass before announcing). Any path left unset in
// cfg keeps this package's built-in default.
func WithConfig(cfg config.Config) Option {
	return func(o *Orchestrator) {
		o.readyTimeout = cfg.Get("context", "ready_timeout").Duration(o.readyTimeout)
		o.notifyBufferSize = cfg.Get("bridge", "notify_buffer").Int(o.notifyBufferSize)
		o.emitEvery = cfg.Get("bridge", "emit_every").Int(o.emitEvery)
	}
}

// New builds an Orchestrator ready to spawn contexts. Every transport lane
// (control, readiness, per-producer notification) and the shared-memory
// segment allocator are process-wide resources constructed here once and
// handed explicitly to every context worker, rather than referenced as
// ambient globals.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		readyTimeout:     defaultReadyTimeout,
		notifyBufferSize: defaultNotifyBufferSize,
		emitEvery:        defaultEmitEvery,
		control:          bus.New[ndflow.ContextID](),
		ready:            bus.New[ndflow.ContextID](),
		notify:           bus.New[ndflow.NodeID](),
		logger:           log.New("component", "orchestrator"),
		contexts:         make(map[ndflow.ContextID]*contextHandle),
		nodes:            make(map[ndflow.NodeID]*nodeEntry),
		edges:            make(map[edgeKey]struct{}),
		forward:          make(map[ndflow.NodeID]map[ndflow.NodeID]struct{}),
		backward:         make(map[ndflow.NodeID]map[ndflow.NodeID]struct{}),
		publications:     make(map[ndflow.NodeID]*publication),
		subscriptions:    make(map[subKey]*subscription),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.segs == nil {
		mgr, err := segment.NewManager()
		if err != nil {
			return nil, err
		}
		o.segs = mgr
	}
	return o, nil
}

// NewContext spawns a context worker subprocess-equivalent goroutine and
// blocks until its readiness push arrives: the returned ContextID is only
// ever handed back once the worker can accept add/connect/disconnect
// traffic without racing its own subscription setup.
func (o *Orchestrator) NewContext() (ndflow.ContextID, error) {
	id := ndflow.NewContextID()

	readyCh, unsubReady := o.ready.Subscribe(id, 1)
	defer unsubReady()

	res := ndflow.Resources{
		ndflow.ResourceBus:               o.notify,
		ndflow.ResourceSegmentManager:    o.segs,
		ndflow.ResourceOrchestratorAPI:   o,
		ndflow.ResourceOrchestratorTxURL: string(id),
		ndflow.ResourceOrchestratorRxURL: string(id),
	}
	w := contextworker.New(id, o.control, o.ready, res)
	w.Start()

	select {
	case <-readyCh:
	case <-time.After(o.readyTimeout):
		w.Stop()
		return "", ErrContextNotReady
	}

	o.mu.Lock()
	o.contexts[id] = &contextHandle{worker: w}
	o.mu.Unlock()

	o.logger.Infow("context ready", "context", string(id))
	return id, nil
}

// Add places node in ctxID: it is recorded in the orchestrator's registry
// and shipped over the control channel for the owning worker to
// instantiate. ctxID must already exist and node's id must not already be
// registered anywhere in the topology.
func (o *Orchestrator) Add(node *ndflow.Node, ctxID ndflow.ContextID) error {
	o.mu.Lock()
	if _, ok := o.contexts[ctxID]; !ok {
		o.mu.Unlock()
		return ErrContextNotFound
	}
	if _, exists := o.nodes[node.ID()]; exists {
		o.mu.Unlock()
		return ErrNodeExists
	}
	o.nodes[node.ID()] = &nodeEntry{node: node, ctx: ctxID, kind: kindOf(node)}
	o.mu.Unlock()

	o.control.Publish(ctxID, contextworker.ControlMessage{Add: node})
	o.recordJournal(ctxID, "add", string(node.ID()))
	o.broadcast("add", map[string]string{"node": string(node.ID()), "context": string(ctxID)})
	return nil
}

func kindOf(n *ndflow.Node) string {
	switch {
	case n.HasCollector() && n.Output() != nil:
		return "router"
	case n.HasCollector():
		return "collector"
	case n.Output() != nil:
		return "emitter"
	}
	return "unknown"
}

// Remove disconnects every edge incident to id (which, for a cross-context
// edge, garbage-collects the bridging Publisher/Subscriber via unlink),
// tells the owning context to drop the node, and forgets it.
func (o *Orchestrator) Remove(id ndflow.NodeID) error {
	o.mu.Lock()
	entry, ok := o.nodes[id]
	if !ok {
		o.mu.Unlock()
		return ErrNodeNotFound
	}
	incident := o.incidentEdgesLocked(id)
	o.mu.Unlock()

	for _, e := range incident {
		if err := o.disconnectEdge(e.parent, e.child); err != nil {
			return err
		}
	}

	o.mu.Lock()
	delete(o.nodes, id)
	o.mu.Unlock()

	o.control.Publish(entry.ctx, contextworker.ControlMessage{Remove: id})
	o.recordJournal(entry.ctx, "remove", string(id))
	o.broadcast("remove", map[string]string{"node": string(id)})
	return nil
}

func (o *Orchestrator) incidentEdgesLocked(id ndflow.NodeID) []edgeKey {
	var out []edgeKey
	for child := range o.forward[id] {
		out = append(out, edgeKey{parent: id, child: child})
	}
	for parent := range o.backward[id] {
		out = append(out, edgeKey{parent: parent, child: id})
	}
	return out
}

// Connect wires parent to child: a local control message if they share a
// context, or the cross-context link bridge otherwise. bufferSize <= 0
// requests an unbuffered link; bufferSize > 0 requests a buffered link of
// that capacity (meaningful only for cross-context edges — an intra-context
// edge is always delivered via direct method calls, never buffered).
func (o *Orchestrator) Connect(parent, child ndflow.NodeID, bufferSize int) error {
	o.mu.Lock()
	p, pok := o.nodes[parent]
	c, cok := o.nodes[child]
	o.mu.Unlock()
	if !pok || !cok {
		return ErrNodeNotFound
	}

	if p.ctx == c.ctx {
		return o.connectLocal(p.ctx, parent, child)
	}
	return o.link(parent, p.ctx, child, c.ctx, bufferSize)
}

func (o *Orchestrator) connectLocal(ctx ndflow.ContextID, parent, child ndflow.NodeID) error {
	o.mu.Lock()
	o.edges[edgeKey{parent, child}] = struct{}{}
	if o.forward[parent] == nil {
		o.forward[parent] = make(map[ndflow.NodeID]struct{})
	}
	o.forward[parent][child] = struct{}{}
	if o.backward[child] == nil {
		o.backward[child] = make(map[ndflow.NodeID]struct{})
	}
	o.backward[child][parent] = struct{}{}
	o.mu.Unlock()

	o.control.Publish(ctx, contextworker.ControlMessage{Connect: &contextworker.ConnectSpec{Parent: parent, Child: child}})
	o.recordJournal(ctx, "connect", fmt.Sprintf("%s->%s", parent, child))
	o.broadcast("connect", map[string]string{"parent": string(parent), "child": string(child)})
	return nil
}

// Disconnect is the symmetric counterpart of Connect; it is idempotent,
// including when either endpoint no longer exists.
func (o *Orchestrator) Disconnect(parent, child ndflow.NodeID) error {
	o.mu.Lock()
	_, pok := o.nodes[parent]
	_, cok := o.nodes[child]
	o.mu.Unlock()
	if !pok || !cok {
		return nil
	}
	return o.disconnectEdge(parent, child)
}

func (o *Orchestrator) disconnectEdge(parent, child ndflow.NodeID) error {
	o.mu.Lock()
	p, pok := o.nodes[parent]
	c, cok := o.nodes[child]
	o.mu.Unlock()
	if !pok || !cok {
		return nil
	}

	if p.ctx == c.ctx {
		return o.disconnectLocal(p.ctx, parent, child)
	}
	return o.unlink(parent, p.ctx, child, c.ctx)
}

func (o *Orchestrator) disconnectLocal(ctx ndflow.ContextID, parent, child ndflow.NodeID) error {
	o.mu.Lock()
	delete(o.edges, edgeKey{parent, child})
	delete(o.forward[parent], child)
	if len(o.forward[parent]) == 0 {
		delete(o.forward, parent)
	}
	delete(o.backward[child], parent)
	if len(o.backward[child]) == 0 {
		delete(o.backward, child)
	}
	o.mu.Unlock()

	o.control.Publish(ctx, contextworker.ControlMessage{Disconnect: &contextworker.ConnectSpec{Parent: parent, Child: child}})
	o.recordJournal(ctx, "disconnect", fmt.Sprintf("%s->%s", parent, child))
	o.broadcast("disconnect", map[string]string{"parent": string(parent), "child": string(child)})
	return nil
}

// link bridges a producer in ctxA to a consumer in ctxB through a
// Publisher (lazily created, one per producer) and a Subscriber (lazily
// created, one per producer/destination-context pair, reused by every
// further consumer in ctxB).
func (o *Orchestrator) link(producer ndflow.NodeID, ctxA ndflow.ContextID, consumer ndflow.NodeID, ctxB ndflow.ContextID, bufferSize int) error {
	o.mu.Lock()
	pub, exists := o.publications[producer]
	o.mu.Unlock()

	if !exists {
		var err error
		pub, err = o.newPublication(producer, ctxA, bufferSize)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.publications[producer] = pub
		o.mu.Unlock()
	}

	key := subKey{producer: producer, ctx: ctxB}
	o.mu.Lock()
	sub, subExists := pub.subs[key.ctx]
	o.mu.Unlock()

	if !subExists {
		var err error
		sub, err = o.newSubscription(pub, ctxB)
		if err != nil {
			return err
		}
		o.mu.Lock()
		pub.subs[key.ctx] = sub
		o.subscriptions[key] = sub
		o.mu.Unlock()
	}

	if err := o.connectLocal(ctxB, sub.subscriberID, consumer); err != nil {
		return err
	}
	o.mu.Lock()
	sub.consumers[consumer] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) newPublication(producer ndflow.NodeID, ctxA ndflow.ContextID, bufferSize int) (*publication, error) {
	o.mu.Lock()
	entry, ok := o.nodes[producer]
	o.mu.Unlock()
	if !ok || entry.node.Output() == nil {
		return nil, ErrNodeNotFound
	}
	schema := entry.node.Output().Schema()

	publisherID := ndflow.NewNodeID("publisher")
	pub := &publication{producer: producer, ctx: ctxA, publisherID: publisherID, subs: make(map[ndflow.ContextID]*subscription)}

	var publisherNode *ndflow.Node
	if bufferSize > 0 {
		arr, err := ndflow.NewSharedStreamingArray(o.segs, schema, bufferSize)
		if err != nil {
			return nil, err
		}
		desc := arr.Descriptor()
		pub.buffered = true
		pub.arrDesc = &desc
		publisherNode = nodes.NewBufferedPublisher(publisherID, producer, desc, o.notify, o.emitEvery).Node
	} else {
		ss, err := ndflow.NewSharedStruct(o.segs, schema)
		if err != nil {
			return nil, err
		}
		pub.structDesc = ss.Descriptor()
		publisherNode = nodes.NewPublisher(publisherID, producer, pub.structDesc, o.notify, o.emitEvery).Node
	}

	if err := o.Add(publisherNode, ctxA); err != nil {
		return nil, err
	}
	if err := o.connectLocal(ctxA, producer, publisherID); err != nil {
		return nil, err
	}
	return pub, nil
}

func (o *Orchestrator) newSubscription(pub *publication, ctxB ndflow.ContextID) (*subscription, error) {
	subscriberID := ndflow.NewNodeID("subscriber")

	var subNode *ndflow.Node
	if pub.buffered {
		subNode = nodes.NewBufferedSubscriber(subscriberID, pub.producer, *pub.arrDesc, o.notify, o.notifyBufferSize).Node
	} else {
		subNode = nodes.NewSubscriber(subscriberID, pub.producer, pub.structDesc, o.notify, o.notifyBufferSize).Node
	}

	if err := o.Add(subNode, ctxB); err != nil {
		return nil, err
	}
	return &subscription{subscriberID: subscriberID, ctx: ctxB, consumers: make(map[ndflow.NodeID]struct{})}, nil
}

// unlink disconnects the bridge between producer and consumer, garbage
// collecting the Subscriber once it has no more local consumers and then
// the Publisher once it has no more subscriptions anywhere, in that order.
func (o *Orchestrator) unlink(producer ndflow.NodeID, ctxA ndflow.ContextID, consumer ndflow.NodeID, ctxB ndflow.ContextID) error {
	key := subKey{producer: producer, ctx: ctxB}

	o.mu.Lock()
	sub, ok := o.subscriptions[key]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if err := o.disconnectLocal(ctxB, sub.subscriberID, consumer); err != nil {
		return err
	}

	o.mu.Lock()
	delete(sub.consumers, consumer)
	empty := len(sub.consumers) == 0
	o.mu.Unlock()
	if !empty {
		return nil
	}

	if err := o.Remove(sub.subscriberID); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.subscriptions, key)
	pub, pubOK := o.publications[producer]
	if pubOK {
		delete(pub.subs, ctxB)
	}
	pubEmpty := pubOK && len(pub.subs) == 0
	o.mu.Unlock()
	if !pubOK || !pubEmpty {
		return nil
	}

	if err := o.Remove(pub.publisherID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.publications, producer)
	o.mu.Unlock()
	return nil
}

// Parameterize makes c's live parameter vector tunable from p: it builds a
// merge-mode Writer in p's context, writing into c's parameter
// SharedStruct, and connects p to that Writer. c must be a Parametrized
// node whose resources have already been started (its ParamsDescriptor
// only becomes valid once the owning context worker has processed c's own
// Add message) — callers that parameterize a node immediately after adding
// it are responsible for that ordering, the same constraint the control
// channel's asynchronous delivery imposes on every add/connect pairing.
func (o *Orchestrator) Parameterize(p, c ndflow.NodeID) error {
	o.mu.Lock()
	pEntry, pok := o.nodes[p]
	cEntry, cok := o.nodes[c]
	o.mu.Unlock()
	if !pok || !cok {
		return ErrNodeNotFound
	}

	resourced, ok := cEntry.node.Resourced()
	if !ok {
		return ErrNotParameterizble
	}
	param, ok := resourced.(ndflow.Parametrized)
	if !ok {
		return ErrNotParameterizble
	}

	writerID := ndflow.NewNodeID("writer")
	writer := nodes.NewWriter(writerID, param.ParamsDescriptor(), nodes.WriteMerge)
	if err := o.Add(writer.Node, pEntry.ctx); err != nil {
		return err
	}
	return o.Connect(p, writerID, 0)
}

// ClearContext removes every node placed in ctxID.
func (o *Orchestrator) ClearContext(ctxID ndflow.ContextID) error {
	o.mu.Lock()
	var ids []ndflow.NodeID
	for id, e := range o.nodes {
		if e.ctx == ctxID {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Remove(id); err != nil {
			return err
		}
	}
	return nil
}

// DestroyContext clears ctxID and stops its worker, releasing its
// resources. The context id is forgotten; a subsequent Add against it
// fails with ErrContextNotFound.
func (o *Orchestrator) DestroyContext(ctxID ndflow.ContextID) error {
	if err := o.ClearContext(ctxID); err != nil {
		return err
	}

	o.mu.Lock()
	handle, ok := o.contexts[ctxID]
	delete(o.contexts, ctxID)
	o.mu.Unlock()
	if !ok {
		return ErrContextNotFound
	}

	handle.worker.Stop()
	o.recordJournal(ctxID, "destroy_context", "")
	return nil
}

// Close tears down every context and releases process-wide resources (the
// segment manager and, if configured, the audit journal). There is no
// graceful drain phase: each worker's loops are cancelled, and stopping a
// worker waits only for the tick it is currently running to return.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	var ids []ndflow.ContextID
	for id := range o.contexts {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.DestroyContext(id); err != nil {
			o.logger.Errorw("error destroying context", "context", string(id), "error", err)
		}
	}

	if closer, ok := o.segs.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	var err error
	if o.journal != nil {
		err = o.journal.Close()
	}
	_ = log.Sync()
	return err
}

func (o *Orchestrator) recordJournal(ctx ndflow.ContextID, kind, detail string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Record(string(ctx), kind, detail); err != nil {
		o.logger.Warnw("journal record failed", "error", err)
	}
}

func (o *Orchestrator) broadcast(event string, detail interface{}) {
	if o.admin != nil {
		o.admin.Broadcast(event, detail)
	}
}

// Snapshot implements adminserver.SnapshotProvider, exposing the live
// topology for debugging. It has no effect on scheduling or bridging.
func (o *Orchestrator) Snapshot() adminserver.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := adminserver.Snapshot{}
	for id, e := range o.nodes {
		snap.Nodes = append(snap.Nodes, adminserver.NodeInfo{ID: string(id), Context: string(e.ctx), Kind: e.kind})
	}
	for e := range o.edges {
		snap.Edges = append(snap.Edges, adminserver.EdgeInfo{From: string(e.parent), To: string(e.child)})
	}
	for id := range o.contexts {
		snap.Contexts = append(snap.Contexts, string(id))
	}
	for producer, pub := range o.publications {
		snap.Publications = append(snap.Publications, fmt.Sprintf("%s->%s", producer, pub.publisherID))
	}
	for key, sub := range o.subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, fmt.Sprintf("%s@%s->%s", key.producer, key.ctx, sub.subscriberID))
	}
	return snap
}

// GraphFunc builds or extends a topology against an Orchestrator; Setup is
// invoked once to build the initial graph, Run immediately after, for
// long-running user coroutines. Both may freely call NewContext,
// Add, Connect, Disconnect, Remove and Parameterize.
type GraphFunc func(o *Orchestrator) error

// Bootstrap runs setup then run against o, the idiomatic-Go stand-in for
// subclassing Orchestrator and overriding setup()/run(): a caller supplies
// the two hooks as plain functions instead.
func (o *Orchestrator) Bootstrap(setup, run GraphFunc) error {
	if setup != nil {
		if err := setup(o); err != nil {
			return err
		}
	}
	if run != nil {
		return run(o)
	}
	return nil
}
