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

// Package efct implements the auxiliary device of efct NICs: the client
// sessions, the queue resource pool, the parameter registry, event delivery
// and the firmware RPC gateway.
package efct

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/fwtransport"
)

// State is the hardware state of a device.
type State int32

// Device states.
const (
	StateUp State = iota
	// StateResetting is entered on ResetDown.
	StateResetting
	// StateFailed is entered when the hardware didn't come back after reset.
	StateFailed
	// StateDetached is final.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateResetting:
		return "resetting"
	case StateFailed:
		return "failed"
	case StateDetached:
		return "detached"
	}

	return "unknown"
}

// Device is an efct auxiliary device. It implements auxdev.Device for
// clients and auxdev.EventSink for the firmware layer.
type Device struct {
	cfg     Config
	variant variant
	fw      fwtransport.Transport
	state   atomic.Int32

	clients      map[*client]struct{}
	clientsMutex sync.RWMutex

	// poolMutex guards pool and the ownership of every client.
	pool      *resourcePool
	poolMutex sync.Mutex

	irqModeration uint32
	paramMutex    sync.RWMutex

	// deliverMutex keeps events in invocation order.
	deliverMutex sync.Mutex

	events    [len(countedEvents)]atomic.Uint64
	rpcs      atomic.Uint64
	rpcErrors atomic.Uint64
}

var (
	_ auxdev.Device    = (*Device)(nil)
	_ auxdev.EventSink = (*Device)(nil)
)

var countedEvents = [...]auxdev.EventType{
	auxdev.EventResetDown,
	auxdev.EventResetUp,
	auxdev.EventLinkChange,
	auxdev.EventFirmware,
}

// NewDevice attaches a device with the resources described by cfg. Firmware
// commands go to fw; a nil fw rejects all commands.
func NewDevice(cfg Config, fw fwtransport.Transport) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid device config")
	}

	v, err := lookupVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}

	if fw == nil {
		fw = fwtransport.NewMux()
	}

	d := &Device{
		cfg:           cfg,
		variant:       v,
		fw:            fw,
		clients:       make(map[*client]struct{}),
		pool:          newResourcePool(cfg.Resources, cfg.IRQ),
		irqModeration: cfg.IRQModeration,
	}

	klog.V(1).Infof("Attached %s device: evq [%d,%d) txq [%d,%d) rxq [%d,%d) irqs %d",
		v.name(), cfg.Resources.EvQMin, cfg.Resources.EvQLim, cfg.Resources.TxQMin, cfg.Resources.TxQLim,
		cfg.Resources.RxQMin, cfg.Resources.RxQLim, cfg.IRQ.Count())

	return d, nil
}

// Name implements auxdev.Device.
func (d *Device) Name() string {
	return d.variant.name()
}

// State returns the current hardware state.
func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) setState(s State) {
	for {
		old := d.state.Load()
		if State(old) == StateDetached {
			return
		}

		if d.state.CompareAndSwap(old, int32(s)) {
			klog.V(3).Infof("%s device state %s -> %s", d.Name(), State(old), s)
			return
		}
	}
}

// checkAvailable fails unless the hardware is up.
func (d *Device) checkAvailable() error {
	if s := d.State(); s != StateUp {
		return errors.Wrapf(auxdev.ErrDeviceUnavailable, "device is %s", s)
	}

	return nil
}

// checkAttached fails once the device is detached. Operations that stay
// valid during reset use it instead of checkAvailable.
func (d *Device) checkAttached() error {
	if d.State() == StateDetached {
		return errors.Wrap(auxdev.ErrDeviceUnavailable, "device is detached")
	}

	return nil
}

// Open implements auxdev.Device.
func (d *Device) Open(handler auxdev.EventHandler, events auxdev.EventMask, driverData any) (auxdev.Client, error) {
	if err := d.checkAttached(); err != nil {
		return nil, err
	}

	if events&^auxdev.AllEvents != 0 {
		return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "unknown events in mask %#x", uint32(events))
	}

	if events != 0 && handler == nil {
		return nil, errors.Wrap(auxdev.ErrInvalidArgument, "event mask without handler")
	}

	c := &client{
		id:         uuid.New(),
		dev:        d,
		handler:    handler,
		events:     events,
		driverData: driverData,
	}

	d.clientsMutex.Lock()
	defer d.clientsMutex.Unlock()

	if len(d.clients) >= d.cfg.MaxClients {
		klog.Warningf("%s device: client limit %d reached", d.Name(), d.cfg.MaxClients)
		return nil, errors.Wrapf(auxdev.ErrResourceExhausted, "%d clients open", len(d.clients))
	}

	d.clients[c] = struct{}{}

	klog.V(3).Infof("Client %s opened %s device, events %v", c.id, d.Name(), events)

	return c, nil
}

// unregister removes c from the delivery list.
func (d *Device) unregister(c *client) {
	d.clientsMutex.Lock()
	defer d.clientsMutex.Unlock()

	delete(d.clients, c)
}

// subscribers returns the open clients subscribed to t.
func (d *Device) subscribers(t auxdev.EventType) []*client {
	d.clientsMutex.RLock()
	defer d.clientsMutex.RUnlock()

	var subs []*client

	for c := range d.clients {
		if c.events.Has(t) {
			subs = append(subs, c)
		}
	}

	return subs
}

// Deliver implements auxdev.EventSink. Handlers are called synchronously;
// concurrent calls are delivered one after the other. Reset events move
// the device state before any handler runs.
func (d *Device) Deliver(ev auxdev.Event, budget int) int {
	if !ev.Type.Valid() {
		klog.Warningf("%s device: dropping event of unknown type %d", d.Name(), int(ev.Type))
		return 0
	}

	switch ev.Type {
	case auxdev.EventResetDown:
		d.setState(StateResetting)
	case auxdev.EventResetUp:
		if ev.ResetSucceeded() {
			d.setState(StateUp)
		} else {
			klog.Warningf("%s device failed to come back after reset", d.Name())
			d.setState(StateFailed)
		}
	}

	d.deliverMutex.Lock()
	defer d.deliverMutex.Unlock()

	consumed := 0
	for _, c := range d.subscribers(ev.Type) {
		consumed += c.deliver(ev, budget)
	}

	d.events[ev.Type].Add(1)

	klog.V(5).Infof("%s device: delivered %v value %#x, budget %d consumed %d", d.Name(), ev.Type, ev.Value, budget, consumed)

	return consumed
}

// ResetDown takes the hardware down for reset. It returns once every
// subscribed client has processed EventResetDown.
func (d *Device) ResetDown() {
	d.Deliver(auxdev.Event{Type: auxdev.EventResetDown}, auxdev.DefaultBudget)
}

// ResetUp reports the end of a reset. On failure clients keep their
// handles but the device refuses new allocations until a successful reset.
func (d *Device) ResetUp(ok bool) {
	var value uint64
	if ok {
		value = 1
	}

	d.Deliver(auxdev.Event{Type: auxdev.EventResetUp, Value: value}, auxdev.DefaultBudget)
}

// Detach marks the device as removed. Open clients can only be closed.
func (d *Device) Detach() {
	d.state.Store(int32(StateDetached))

	d.clientsMutex.RLock()
	n := len(d.clients)
	d.clientsMutex.RUnlock()

	klog.V(1).Infof("Detached %s device with %d clients open", d.Name(), n)
}

// ResourceStats counts the indices of one sub-resource.
type ResourceStats struct {
	Total int
	Free  int
}

// Stats is a point in time view of a device.
type Stats struct {
	State     State
	Clients   int
	Resources [auxdev.NumResourceKinds]ResourceStats
	Events    map[auxdev.EventType]uint64
	RPCs      uint64
	RPCErrors uint64
}

// Stats returns the current counters.
func (d *Device) Stats() Stats {
	s := Stats{
		State:     d.State(),
		Events:    make(map[auxdev.EventType]uint64, len(countedEvents)),
		RPCs:      d.rpcs.Load(),
		RPCErrors: d.rpcErrors.Load(),
	}

	d.clientsMutex.RLock()
	s.Clients = len(d.clients)
	d.clientsMutex.RUnlock()

	d.poolMutex.Lock()
	for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
		s.Resources[k] = ResourceStats{
			Total: d.pool.totalCount(k),
			Free:  d.pool.freeCount(k),
		}
	}
	d.poolMutex.Unlock()

	for _, t := range countedEvents {
		s.Events[t] = d.events[t].Load()
	}

	return s
}
