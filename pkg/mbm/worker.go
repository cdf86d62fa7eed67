// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mbm

import (
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/mid"
)

const (
	// DefaultSampleInterval is the default interval of per-core sampling.
	DefaultSampleInterval = time.Second
)

var (
	log = logger.Get("mbm")
)

// Source is something with bandwidth events to sample, with a MID that
// may change over time.
type Source interface {
	MID() mid.ID
	Events() []mid.Event
}

// Worker periodically samples the bandwidth events of the sources active
// on a single CPU. Its timer runs only while it has sources.
type Worker struct {
	sync.Mutex
	cpu      int
	est      *Estimator
	clock    clock.WithTicker
	interval time.Duration
	sources  []Source
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a sampling worker for a CPU.
func NewWorker(cpu int, est *Estimator, clk clock.WithTicker, interval time.Duration) *Worker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Worker{
		cpu:      cpu,
		est:      est,
		clock:    clk,
		interval: interval,
	}
}

// CPU returns the CPU of the worker.
func (w *Worker) CPU() int {
	return w.cpu
}

// Add adds a source and samples it right away. The first source starts
// the timer of the worker.
func (w *Worker) Add(src Source) {
	w.Lock()
	defer w.Unlock()

	if slices.Contains(w.sources, src) {
		return
	}

	w.sources = append(w.sources, src)
	w.sampleOne(src)

	if len(w.sources) == 1 {
		w.start()
	}
}

// Remove samples a source a final time and removes it. The last source
// stops the timer of the worker.
func (w *Worker) Remove(src Source) {
	w.Lock()

	idx := slices.Index(w.sources, src)
	if idx < 0 {
		w.Unlock()
		return
	}

	w.sampleOne(src)
	w.sources = slices.Delete(w.sources, idx, idx+1)

	var stop, done chan struct{}
	if len(w.sources) == 0 {
		stop, done = w.stop, w.done
		w.stop, w.done = nil, nil
	}

	w.Unlock()

	if stop != nil {
		close(stop)
		<-done
		log.Debug("CPU #%d: stopped bandwidth sampling", w.cpu)
	}
}

// Active returns true if the worker has any sources.
func (w *Worker) Active() bool {
	w.Lock()
	defer w.Unlock()
	return len(w.sources) > 0
}

// Sample samples all sources of the worker once.
func (w *Worker) Sample() {
	w.Lock()
	defer w.Unlock()

	for _, src := range w.sources {
		w.sampleOne(src)
	}
}

func (w *Worker) sampleOne(src Source) {
	id := src.MID()
	if !id.Valid() {
		return
	}
	for _, e := range src.Events() {
		if !e.IsBandwidth() {
			continue
		}
		if _, ok := w.est.Read(w.cpu, id, e); !ok {
			log.Debug("CPU #%d: no %s reading for MID #%d", w.cpu, e, id)
		}
	}
}

func (w *Worker) start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	ticker := w.clock.NewTicker(w.interval)
	go w.run(ticker, w.stop, w.done)

	log.Debug("CPU #%d: started bandwidth sampling every %s", w.cpu, w.interval)
}

func (w *Worker) run(ticker clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			w.Sample()
		}
	}
}
