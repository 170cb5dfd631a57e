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
	"github.com/brunotm/ndflow"
	"github.com/brunotm/ndflow/internal/bus"
)

// WriteMode selects how a Writer applies an incoming value to its link.
type WriteMode int

const (
	// WriteFill fully overwrites the link's data with the incoming value.
	WriteFill WriteMode = iota + 1
	// WriteMerge overwrites only the fields named by the incoming value's
	// schema, leaving the rest of the link untouched. Used by parameterize
	// to patch a subset of a node's live parameter vector.
	WriteMerge
)

// Writer is a single-source collector that writes every value it receives
// to a shared link: a cross-context publication's backing segment, or
// (under WriteMerge) a sibling node's live parameter vector.
type Writer struct {
	*ndflow.Node

	mode   WriteMode
	link   ndflow.SharedStructDescriptor
	arrLnk *ndflow.SharedArrayDescriptor

	mgr      ndflow.SegmentManager
	data     *ndflow.SharedStruct
	arr      *ndflow.SharedStreamingArray
	buffered bool
}

// NewWriter builds a Writer over a SharedStruct link.
func NewWriter(id ndflow.NodeID, link ndflow.SharedStructDescriptor, mode WriteMode) *Writer {
	w := &Writer{mode: mode, link: link}
	collect := func(values []*ndflow.Struct) (bool, error) {
		return true, w.write(values[0])
	}
	w.Node = ndflow.NewSingleCollector(id, collect)
	w.Node.SetResourced(w)
	return w
}

// NewBufferedWriter builds a Writer over a SharedStreamingArray link,
// consuming every incoming value into the ring buffer.
func NewBufferedWriter(id ndflow.NodeID, link ndflow.SharedArrayDescriptor) *Writer {
	w := &Writer{mode: WriteFill, arrLnk: &link, buffered: true}
	collect := func(values []*ndflow.Struct) (bool, error) {
		return true, w.write(values[0])
	}
	w.Node = ndflow.NewSingleCollector(id, collect)
	w.Node.SetResourced(w)
	return w
}

func (w *Writer) write(v *ndflow.Struct) error {
	if w.buffered {
		return w.arr.Consume(v)
	}
	switch w.mode {
	case WriteMerge:
		return w.data.Merge(v)
	default:
		return w.data.Set(v)
	}
}

// RSpec implements ndflow.Resourced.
func (w *Writer) RSpec() ndflow.ResourceSpec {
	return ndflow.NewResourceSpec(ndflow.ResourceSegmentManager)
}

// Start implements ndflow.Resourced: it reopens the link's backing segment.
func (w *Writer) Start(res ndflow.Resources) error {
	mgr, ok := res[ndflow.ResourceSegmentManager].(ndflow.SegmentManager)
	if !ok {
		return ndflow.ErrResourceMissing
	}
	w.mgr = mgr

	if w.buffered {
		arr, err := ndflow.OpenSharedStreamingArray(mgr, *w.arrLnk)
		if err != nil {
			return err
		}
		w.arr = arr
		return nil
	}
	data, err := ndflow.OpenSharedStruct(mgr, w.link)
	if err != nil {
		return err
	}
	w.data = data
	return nil
}

// Stop implements ndflow.Resourced. A Writer does not own its link's
// segment (the publication or the parametrized node that allocated it
// does), so Stop releases nothing.
func (w *Writer) Stop() error {
	return nil
}

// Publisher is a Writer that also announces every write on a notification
// topic, so Subscribers in other contexts know to re-read the link.
type Publisher struct {
	*Writer

	sourceID ndflow.NodeID
	notify   *bus.Bus[ndflow.NodeID]
	emitEvery int
	writes    int
}

// NewPublisher builds a Publisher over an unbuffered SharedStruct link,
// announcing on notify under topic sourceID every emitEvery writes (1
// announces every write).
func NewPublisher(id, sourceID ndflow.NodeID, link ndflow.SharedStructDescriptor, notify *bus.Bus[ndflow.NodeID], emitEvery int) *Publisher {
	return newPublisher(id, sourceID, &Writer{mode: WriteFill, link: link}, notify, emitEvery)
}

// NewBufferedPublisher builds a Publisher over a buffered SharedStreamingArray
// link: every write is appended to the ring buffer instead of overwriting a
// single-record link, matching the buffered cross-context edges connect
// installs when called with a positive buffer size.
func NewBufferedPublisher(id, sourceID ndflow.NodeID, link ndflow.SharedArrayDescriptor, notify *bus.Bus[ndflow.NodeID], emitEvery int) *Publisher {
	return newPublisher(id, sourceID, &Writer{mode: WriteFill, arrLnk: &link, buffered: true}, notify, emitEvery)
}

func newPublisher(id, sourceID ndflow.NodeID, w *Writer, notify *bus.Bus[ndflow.NodeID], emitEvery int) *Publisher {
	if emitEvery < 1 {
		emitEvery = 1
	}
	p := &Publisher{sourceID: sourceID, notify: notify, emitEvery: emitEvery}
	collect := func(values []*ndflow.Struct) (bool, error) {
		return true, p.compute(values[0])
	}
	w.Node = ndflow.NewSingleCollector(id, collect)
	w.Node.SetResourced(p)
	p.Writer = w
	return p
}

func (p *Publisher) compute(v *ndflow.Struct) error {
	if err := p.write(v); err != nil {
		return err
	}
	p.writes++
	if p.writes != p.emitEvery {
		return nil
	}
	p.writes = 0
	p.notify.Publish(p.sourceID, struct{}{})
	return nil
}

// RSpec implements ndflow.Resourced.
func (p *Publisher) RSpec() ndflow.ResourceSpec {
	return p.Writer.RSpec()
}

// Start implements ndflow.Resourced.
func (p *Publisher) Start(res ndflow.Resources) error {
	return p.Writer.Start(res)
}

// Stop implements ndflow.Resourced.
func (p *Publisher) Stop() error {
	return p.Writer.Stop()
}

// DefaultNotifyBufferSize is used by NewSubscriber/NewBufferedSubscriber
// callers that have no reason to override the notification channel's
// buffer depth.
const DefaultNotifyBufferSize = 64

// Subscriber is an emitter that re-reads a publisher's link every time it
// is notified, so a cross-context consumer only wakes on genuine updates
// instead of polling the link on every tick. Notification frames are
// consumed non-blocking rather than awaited: this context's execution loop
// ticks every root emitter round-robin on one goroutine, so a Subscriber
// that blocked waiting for a frame would stall every sibling emitter
// sharing the context. A tick with no pending frame simply suppresses
// propagation (the upstream "await" is modeled as poll-and-skip).
type Subscriber struct {
	*ndflow.Node

	sourceID   ndflow.NodeID
	link       ndflow.SharedStructDescriptor
	arrLnk     *ndflow.SharedArrayDescriptor
	buffered   bool
	notify     *bus.Bus[ndflow.NodeID]
	bufferSize int

	mgr   ndflow.SegmentManager
	data  *ndflow.SharedStruct
	arr   *ndflow.SharedStreamingArray
	ch    <-chan any
	unsub func()
}

// NewSubscriber builds a Subscriber matched to a Publisher by sourceID over
// an unbuffered SharedStruct link, with the given notification-channel
// buffer depth (bufferSize <= 0 falls back to DefaultNotifyBufferSize).
func NewSubscriber(id, sourceID ndflow.NodeID, link ndflow.SharedStructDescriptor, notify *bus.Bus[ndflow.NodeID], bufferSize int) *Subscriber {
	return newSubscriber(id, sourceID, link.Schema, &Subscriber{sourceID: sourceID, link: link, notify: notify, bufferSize: bufferSize})
}

// NewBufferedSubscriber builds a Subscriber matched to a buffered Publisher
// over a SharedStreamingArray link; each tick loads the most recent entry
// (index 0) of the ring buffer, a snapshot of whatever was most recently
// published.
func NewBufferedSubscriber(id, sourceID ndflow.NodeID, link ndflow.SharedArrayDescriptor, notify *bus.Bus[ndflow.NodeID], bufferSize int) *Subscriber {
	return newSubscriber(id, sourceID, link.Schema, &Subscriber{sourceID: sourceID, arrLnk: &link, buffered: true, notify: notify, bufferSize: bufferSize})
}

func newSubscriber(id, sourceID ndflow.NodeID, schema ndflow.Schema, s *Subscriber) *Subscriber {
	out := ndflow.NewStruct(schema)
	emit := func() (bool, error) {
		select {
		case <-s.ch:
		default:
			return false, nil
		}
		var v *ndflow.Struct
		var err error
		if s.buffered {
			v, err = s.arr.At(0)
		} else {
			v, err = s.data.ToStruct()
		}
		if err != nil {
			return false, err
		}
		return true, out.Set(v)
	}
	s.Node = ndflow.NewEmitter(id, out, emit)
	s.Node.SetResourced(s)
	return s
}

// RSpec implements ndflow.Resourced.
func (s *Subscriber) RSpec() ndflow.ResourceSpec {
	return ndflow.NewResourceSpec(ndflow.ResourceSegmentManager)
}

// Start implements ndflow.Resourced: it reopens the publisher's link and
// subscribes to its notification topic.
func (s *Subscriber) Start(res ndflow.Resources) error {
	mgr, ok := res[ndflow.ResourceSegmentManager].(ndflow.SegmentManager)
	if !ok {
		return ndflow.ErrResourceMissing
	}
	s.mgr = mgr

	if s.buffered {
		arr, err := ndflow.OpenSharedStreamingArray(mgr, *s.arrLnk)
		if err != nil {
			return err
		}
		s.arr = arr
	} else {
		data, err := ndflow.OpenSharedStruct(mgr, s.link)
		if err != nil {
			return err
		}
		s.data = data
	}
	n := s.bufferSize
	if n <= 0 {
		n = DefaultNotifyBufferSize
	}
	s.ch, s.unsub = s.notify.Subscribe(s.sourceID, n)
	return nil
}

// Stop implements ndflow.Resourced.
func (s *Subscriber) Stop() error {
	if s.unsub != nil {
		s.unsub()
	}
	return nil
}
