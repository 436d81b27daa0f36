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

package efct

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

// client is an open session. It implements auxdev.Client.
type client struct {
	id         uuid.UUID
	dev        *Device
	handler    auxdev.EventHandler
	events     auxdev.EventMask
	driverData any

	// owned is guarded by dev.poolMutex.
	owned ownership

	inflight sync.WaitGroup
	mutex    sync.Mutex
	closed   bool
}

var _ auxdev.Client = &client{}

func (c *client) ID() string {
	return c.id.String()
}

func (c *client) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.closed
}

func (c *client) checkOpen() error {
	if c.isClosed() {
		return errors.Wrapf(auxdev.ErrInvalidHandle, "client %s", c.id)
	}

	return nil
}

// deliver runs the handler unless the client is closed. Close waits for
// it to return.
func (c *client) deliver(ev auxdev.Event, budget int) int {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0
	}
	c.inflight.Add(1)
	c.mutex.Unlock()

	defer c.inflight.Done()

	return c.handler(c.driverData, ev, budget)
}

// Close implements auxdev.Client.
func (c *client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return errors.Wrapf(auxdev.ErrInvalidHandle, "client %s already closed", c.id)
	}
	c.closed = true
	c.mutex.Unlock()

	c.dev.unregister(c)
	c.inflight.Wait()

	c.dev.poolMutex.Lock()
	revoked := c.owned.all()
	for _, g := range revoked {
		c.dev.pool.pools[g.kind].release(g.index)
	}
	c.owned = ownership{}
	c.dev.poolMutex.Unlock()

	if len(revoked) > 0 {
		klog.V(3).Infof("Client %s closed, revoked %d queue resources", c.id, len(revoked))
	} else {
		klog.V(3).Infof("Client %s closed", c.id)
	}

	return nil
}

// QueuesAlloc implements auxdev.Client.
func (c *client) QueuesAlloc(reqs []auxdev.QueueSetRequest) ([]auxdev.QueueSet, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if err := c.dev.checkAvailable(); err != nil {
		return nil, err
	}

	c.dev.poolMutex.Lock()
	defer c.dev.poolMutex.Unlock()

	// Close may have run since checkOpen; it frees under poolMutex, so a
	// grant made here after it would leak.
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	sets, granted, err := c.dev.pool.alloc(reqs)
	if err != nil {
		klog.V(4).Infof("Client %s: queue allocation failed: %v", c.id, err)
		return nil, err
	}

	c.owned.add(granted)

	klog.V(4).Infof("Client %s: allocated queue sets %+v", c.id, sets)

	return sets, nil
}

// QueuesFree implements auxdev.Client. It is allowed during reset so
// clients can release hardware from their reset-down handling.
func (c *client) QueuesFree(sets []auxdev.QueueSet) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if err := c.dev.checkAttached(); err != nil {
		return err
	}

	c.dev.poolMutex.Lock()
	defer c.dev.poolMutex.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	released, err := c.dev.pool.free(sets, &c.owned)
	if err != nil {
		klog.Warningf("Client %s: rejected queue free: %v", c.id, err)
		return err
	}

	c.owned.remove(released)

	klog.V(4).Infof("Client %s: freed queue sets %+v", c.id, sets)

	return nil
}
