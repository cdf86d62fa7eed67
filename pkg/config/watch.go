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

package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
)

// EventType is the type of a watch event.
type EventType int

const (
	// Added is sent for a created configuration file, and initially
	// if the file exists.
	Added EventType = iota
	// Modified is sent when the configuration file is rewritten.
	Modified
	// Deleted is sent when the configuration file is removed or renamed.
	Deleted
	// Error is sent when the watch fails and stops.
	Error
)

const eventChanSize = 16

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Error:
		return "error"
	}
	return "unknown"
}

// Event is a configuration change.
type Event struct {
	Type   EventType
	Config *cfgapi.MidMonitor
	Err    error
}

// Watch watches a configuration file. Changes which fail to load are
// logged and skipped, leaving the last good configuration in effect.
type Watch struct {
	file     string
	fsw      *fsnotify.Watcher
	resultC  chan Event
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// WatchFile creates a watch for the given file. If the file exists, it is
// loaded and delivered as an initial Added event. A file which exists but
// fails to load is an error.
func WatchFile(file string) (*Watch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory to see files replaced by rename as well.
	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watch{
		file:    absPath,
		fsw:     fsw,
		resultC: make(chan Event, eventChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	cfg, err := Load(absPath)
	switch {
	case err == nil:
		w.sendEvent(Added, cfg, nil)
	case !errors.Is(err, fs.ErrNotExist):
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watch and closes its result channel.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *Watch) ResultChan() <-chan Event {
	return w.resultC
}

func (w *Watch) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.file, err)
		}
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			log.Warn("%s: fsnotify error: %v", w.file, err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.sendEvent(Error, nil, errors.New("config: failed to receive fsnotify event"))
				return
			}

			log.Debug("%s: got event %s", w.file, e)

			if filepath.Clean(e.Name) != w.file {
				continue
			}

			switch {
			case e.Has(fsnotify.Create) || e.Has(fsnotify.Write):
				cfg, err := Load(w.file)
				if err != nil {
					log.Error("%s: ignoring changed configuration: %v", w.file, err)
					continue
				}
				if e.Has(fsnotify.Create) {
					w.sendEvent(Added, cfg, nil)
				} else {
					w.sendEvent(Modified, cfg, nil)
				}

			case e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename):
				w.sendEvent(Deleted, nil, nil)
			}
		}
	}
}

func (w *Watch) sendEvent(t EventType, cfg *cfgapi.MidMonitor, err error) {
	select {
	case w.resultC <- Event{Type: t, Config: cfg, Err: err}:
	default:
		log.Warn("%s: failed to deliver %s event", w.file, t)
	}
}
