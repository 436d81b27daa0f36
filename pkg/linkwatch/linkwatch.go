// Copyright 2024 Intel Corporation. All Rights Reserved.
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

// Package linkwatch turns carrier changes of a network interface into
// link-change events.
package linkwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

const (
	// DefaultPollInterval is used for sysfs, which doesn't notify on
	// attribute changes.
	DefaultPollInterval = time.Second

	linkUnknown = -1
)

// Watcher reports carrier changes of one interface to an event sink.
type Watcher struct {
	sink     auxdev.EventSink
	path     string
	interval time.Duration
	budget   int
	state    int
}

// New creates a watcher of the carrier file at path.
func New(path string, sink auxdev.EventSink) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		sink:     sink,
		interval: DefaultPollInterval,
		budget:   auxdev.DefaultBudget,
		state:    linkUnknown,
	}
}

// SetPollInterval changes the polling period. Zero disables polling.
func (w *Watcher) SetPollInterval(d time.Duration) {
	w.interval = d
}

// readCarrier returns 1 for link up. A carrier file that can't be read
// means the interface is down.
func readCarrier(path string) int {
	dat, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	if strings.TrimSpace(string(dat)) == "1" {
		return 1
	}

	return 0
}

func (w *Watcher) check(logger logr.Logger) {
	state := readCarrier(w.path)
	if state == w.state {
		return
	}

	if w.state == linkUnknown {
		logger.V(3).Info("Initial link state", "up", state == 1)
		w.state = state

		return
	}

	w.state = state

	logger.V(2).Info("Link state changed", "up", state == 1)

	w.sink.Deliver(auxdev.Event{Type: auxdev.EventLinkChange, Value: uint64(state)}, w.budget)
}

// Run watches until ctx is done or the carrier file is removed. The state
// found at start is not reported.
func (w *Watcher) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithValues("carrier", w.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "Failed to create watcher for %s", w.path)
	}
	defer watcher.Close()

	if err = watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "Failed to add %s to watcher", w.path)
	}

	w.check(logger)

	var tick <-chan time.Time

	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if ev.Name != w.path {
				continue
			}

			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				logger.Info("Carrier file removed, stopping")
				return nil
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.check(logger)
			}
		case <-tick:
			w.check(logger)
		case err := <-watcher.Errors:
			return errors.WithStack(err)
		}
	}
}
