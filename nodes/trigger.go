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
	"sync"
	"time"

	"github.com/brunotm/ndflow"
	"github.com/brunotm/ndflow/log"
)

// Trigger is a collector that runs an embedded computation over its
// sources and wakes any listeners once a condition over the resulting
// state holds. The event only ever fires after ComputeFunc has fully
// returned: a prior revision of this node family set the event from a
// goroutine racing the computation itself, so a listener could observe
// the wake-up before the state it was waiting on had actually settled.
type Trigger struct {
	*ndflow.Node

	mu        sync.Mutex
	listeners []chan struct{}
}

// ComputeFunc is a Trigger's inner collection step, identical in shape to
// ndflow.CollectFunc.
type ComputeFunc func(values []*ndflow.Struct) (bool, error)

// NewTrigger builds a Trigger running compute on every completed round,
// then firing its event whenever shouldFire returns true.
func NewTrigger(id ndflow.NodeID, compute ComputeFunc, shouldFire func() bool) *Trigger {
	t := &Trigger{}
	collect := func(values []*ndflow.Struct) (bool, error) {
		propagate, err := compute(values)
		if err != nil {
			return false, err
		}
		if shouldFire() {
			t.fire()
		}
		return propagate, nil
	}
	t.Node = ndflow.NewCollector(id, collect)
	return t
}

func (t *Trigger) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listen registers a new listener channel, woken once per fire. The
// returned cancel function unregisters it. Only meaningful within the same
// execution context: nothing propagates this event across a context
// boundary.
func (t *Trigger) Listen() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, c := range t.listeners {
			if c == ch {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Throughput is a collector that measures how many values it received per
// second between Start and Stop, logging the rate on Stop.
type Throughput struct {
	*ndflow.Node

	logger    log.Logger
	startedAt time.Time
	count     int64
	onStop    func(rate float64)
}

// NewThroughput builds a Throughput node; onStop receives the measured
// rate (values/sec) when the node is removed.
func NewThroughput(id ndflow.NodeID, onStop func(rate float64)) *Throughput {
	th := &Throughput{onStop: onStop, logger: log.New("node", string(id))}
	collect := func(values []*ndflow.Struct) (bool, error) {
		th.count++
		return true, nil
	}
	th.Node = ndflow.NewCollector(id, collect)
	th.Node.SetResourced(th)
	return th
}

// RSpec implements ndflow.Resourced.
func (th *Throughput) RSpec() ndflow.ResourceSpec {
	return ndflow.NewResourceSpec()
}

// Start implements ndflow.Resourced.
func (th *Throughput) Start(ndflow.Resources) error {
	th.startedAt = time.Now()
	return nil
}

// Stop implements ndflow.Resourced.
func (th *Throughput) Stop() error {
	delta := time.Since(th.startedAt).Seconds()
	var rate float64
	if delta > 0 {
		rate = float64(th.count) / delta
	}
	th.logger.Infow("throughput measured", "rate_per_sec", rate, "count", th.count)
	if th.onStop != nil {
		th.onStop(rate)
	}
	return nil
}
