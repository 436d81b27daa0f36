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
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/fwtransport"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "4") //Enable debug output
}

func testConfig() Config {
	return Config{
		Variant:     auxdev.LLCTDevName,
		VariantCode: 'L',
		Revision:    2,
		NetDev:      auxdev.NetDev{Name: "eth3", Index: 5},
		ConfigMem:   auxdev.ConfigMem{Base: 0xfe000000, Size: 0x1000000},
		Resources: auxdev.NICResources{
			EvQMin: 0, EvQLim: 4,
			TxQMin: 0, TxQLim: 4,
			RxQMin: 0, RxQLim: 2,
		},
		IRQ: auxdev.IRQResources{
			IntPrime: 0xfe800000,
			Ranges:   []auxdev.IRQRange{{Vector: 32, Range: 2}, {Vector: 64, Range: 2}},
		},
		EvQWindow: auxdev.EvQWindow{Base: 0xfe100000, Stride: 0x1000},
		CTPIO:     Window{Base: 0xfe400000, Stride: 0x10000, Size: 0x1000},
		RxQPost:   Window{Base: 0xfe200000, Stride: 0x1000, Size: 8},
		Design: auxdev.DesignParams{
			RxStride:       4096,
			RxBufferLen:    2048,
			RxQueues:       2,
			TxApertures:    4,
			TxApertureSize: 4096,
			EvQSizes:       0x1f,
		},
		MaxClients: 4,
	}
}

func newTestDevice(t *testing.T, cfg Config, fw fwtransport.Transport) *Device {
	t.Helper()

	d, err := NewDevice(cfg, fw)
	if err != nil {
		t.Fatalf("Failed to create device: %+v", err)
	}

	return d
}

func openClient(t *testing.T, d *Device, handler auxdev.EventHandler, events auxdev.EventMask) auxdev.Client {
	t.Helper()

	c, err := d.Open(handler, events, nil)
	if err != nil {
		t.Fatalf("Failed to open client: %+v", err)
	}

	return c
}

func TestNewDevice(t *testing.T) {
	tcases := []struct {
		name        string
		modify      func(*Config)
		expectedErr bool
	}{
		{
			name:   "valid llct",
			modify: func(*Config) {},
		},
		{
			name:   "valid ef10",
			modify: func(cfg *Config) { cfg.Variant = auxdev.EF10DevName },
		},
		{
			name:        "unknown variant",
			modify:      func(cfg *Config) { cfg.Variant = "ef100" },
			expectedErr: true,
		},
		{
			name:        "inverted evq range",
			modify:      func(cfg *Config) { cfg.Resources.EvQMin = 8 },
			expectedErr: true,
		},
		{
			name:        "negative txq range",
			modify:      func(cfg *Config) { cfg.Resources.TxQMin = -1 },
			expectedErr: true,
		},
		{
			name: "overlapping irq ranges",
			modify: func(cfg *Config) {
				cfg.IRQ.Ranges = []auxdev.IRQRange{{Vector: 32, Range: 8}, {Vector: 36, Range: 8}}
			},
			expectedErr: true,
		},
		{
			name:        "empty irq range",
			modify:      func(cfg *Config) { cfg.IRQ.Ranges = []auxdev.IRQRange{{Vector: 32}} },
			expectedErr: true,
		},
		{
			name:        "moderation too large",
			modify:      func(cfg *Config) { cfg.IRQModeration = MaxIRQModerationUsec + 1 },
			expectedErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(&cfg)

			d, err := NewDevice(cfg, nil)
			if tc.expectedErr {
				if err == nil {
					t.Error("Expected error, got none")
				}

				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %+v", err)
			}

			if d.Name() != cfg.Variant {
				t.Errorf("Expected name %q, got %q", cfg.Variant, d.Name())
			}

			if d.State() != StateUp {
				t.Errorf("Expected new device to be up, got %s", d.State())
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Unexpected error: %+v", err)
	}

	if cfg.MaxClients != DefaultMaxClients || cfg.MaxRPCLen != DefaultMaxRPCLen {
		t.Errorf("Defaults not applied: %d clients, %d rpc len", cfg.MaxClients, cfg.MaxRPCLen)
	}
}

func TestOpen(t *testing.T) {
	noop := func(any, auxdev.Event, int) int { return 0 }

	tcases := []struct {
		name        string
		handler     auxdev.EventHandler
		events      auxdev.EventMask
		expectedErr error
	}{
		{
			name:    "handler with all events",
			handler: noop,
			events:  auxdev.AllEvents,
		},
		{
			name: "no handler, no events",
		},
		{
			name:        "events without handler",
			events:      auxdev.MaskOf(auxdev.EventLinkChange),
			expectedErr: auxdev.ErrInvalidArgument,
		},
		{
			name:        "unknown event bit",
			handler:     noop,
			events:      auxdev.AllEvents + 1,
			expectedErr: auxdev.ErrInvalidArgument,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDevice(t, testConfig(), nil)

			c, err := d.Open(tc.handler, tc.events, nil)
			if !errors.Is(err, tc.expectedErr) {
				t.Fatalf("Expected error %v, got %v", tc.expectedErr, err)
			}

			if err == nil && c.ID() == "" {
				t.Error("Client has no id")
			}
		})
	}
}

func TestOpenClientLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 2
	d := newTestDevice(t, cfg, nil)

	first := openClient(t, d, nil, 0)
	_ = openClient(t, d, nil, 0)

	if _, err := d.Open(nil, 0, nil); !errors.Is(err, auxdev.ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %+v", err)
	}

	if _, err := d.Open(nil, 0, nil); err != nil {
		t.Errorf("Open after close failed: %+v", err)
	}
}

func TestClosedClient(t *testing.T) {
	d := newTestDevice(t, testConfig(), fwtransport.NewMux())
	c := openClient(t, d, nil, 0)
	other := openClient(t, d, nil, 0)

	sets, err := other.QueuesAlloc([]auxdev.QueueSetRequest{{EvQ: auxdev.QueueAlloc, TxQ: auxdev.QueueAlloc, RxQ: auxdev.QueueDontAlloc, IRQ: auxdev.QueueDontAlloc}})
	if err != nil {
		t.Fatalf("Allocation failed: %+v", err)
	}

	if err = c.Close(); err != nil {
		t.Fatalf("Close failed: %+v", err)
	}

	ops := map[string]func() error{
		"Close": c.Close,
		"GetParam": func() error {
			_, err := c.GetParam(auxdev.ParamRevision)
			return err
		},
		"GetQueueParam": func() error {
			_, err := c.GetQueueParam(auxdev.ParamCTPIOWindow, 0)
			return err
		},
		"SetParam": func() error {
			return c.SetParam(auxdev.IRQModeration{Usec: 10})
		},
		"QueuesAlloc": func() error {
			_, err := c.QueuesAlloc([]auxdev.QueueSetRequest{{EvQ: auxdev.QueueAlloc}})
			return err
		},
		"QueuesFree": func() error {
			return c.QueuesFree(sets)
		},
		"FwRPC": func() error {
			_, err := c.FwRPC(context.Background(), 1, nil, 0)
			return err
		},
	}

	for name, op := range ops {
		if err := op(); !errors.Is(err, auxdev.ErrInvalidHandle) {
			t.Errorf("%s on closed client: expected ErrInvalidHandle, got %v", name, err)
		}
	}

	// The other client's state must be untouched.
	if err := other.QueuesFree(sets); err != nil {
		t.Errorf("Other client lost its queues: %+v", err)
	}
}

func TestDeliverSubscription(t *testing.T) {
	d := newTestDevice(t, testConfig(), nil)

	var mutex sync.Mutex

	got := map[string][]auxdev.Event{}
	record := func(driverData any, ev auxdev.Event, budget int) int {
		mutex.Lock()
		defer mutex.Unlock()

		name := driverData.(string)
		got[name] = append(got[name], ev)

		return 1
	}

	if _, err := d.Open(record, auxdev.MaskOf(auxdev.EventLinkChange), "link"); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Open(record, auxdev.AllEvents, "all"); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Open(record, auxdev.MaskOf(auxdev.EventFirmware), "fw"); err != nil {
		t.Fatal(err)
	}

	events := []auxdev.Event{
		{Type: auxdev.EventFirmware, Value: 0xdead},
		{Type: auxdev.EventLinkChange, Value: 1},
		{Type: auxdev.EventFirmware, Value: 0xbeef},
		{Type: auxdev.EventLinkChange, Value: 0},
	}

	consumed := 0
	for _, ev := range events {
		consumed += d.Deliver(ev, auxdev.DefaultBudget)
	}

	expected := map[string][]auxdev.Event{
		"link": {events[1], events[3]},
		"all":  events,
		"fw":   {events[0], events[2]},
	}

	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Unexpected deliveries (-want +got):\n%s", diff)
	}

	if consumed != 8 {
		t.Errorf("Expected 8 budget units consumed, got %d", consumed)
	}

	if n := d.Deliver(auxdev.Event{Type: auxdev.EventType(42)}, 1); n != 0 {
		t.Errorf("Unknown event type consumed %d", n)
	}

	stats := d.Stats()
	if stats.Events[auxdev.EventFirmware] != 2 || stats.Events[auxdev.EventLinkChange] != 2 {
		t.Errorf("Unexpected event counters %v", stats.Events)
	}
}

func TestDeliverBudget(t *testing.T) {
	d := newTestDevice(t, testConfig(), nil)

	var seen int

	handler := func(_ any, _ auxdev.Event, budget int) int {
		seen = budget
		return budget / 2
	}

	openClient(t, d, handler, auxdev.AllEvents)

	if n := d.Deliver(auxdev.Event{Type: auxdev.EventFirmware}, 16); n != 8 {
		t.Errorf("Expected 8 consumed, got %d", n)
	}

	if seen != 16 {
		t.Errorf("Handler saw budget %d, expected 16", seen)
	}
}

func TestCloseWaitsForDelivery(t *testing.T) {
	d := newTestDevice(t, testConfig(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	var calls int

	handler := func(any, auxdev.Event, int) int {
		calls++
		if calls == 1 {
			close(entered)
			<-release
			close(done)
		}

		return 0
	}

	c := openClient(t, d, handler, auxdev.AllEvents)

	go d.Deliver(auxdev.Event{Type: auxdev.EventFirmware}, 1)

	<-entered

	closed := make(chan error)
	go func() {
		closed <- c.Close()
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %+v", err)
	}

	select {
	case <-done:
	default:
		t.Fatal("Close returned before the handler finished")
	}

	d.Deliver(auxdev.Event{Type: auxdev.EventFirmware}, 1)

	if calls != 1 {
		t.Errorf("Handler called %d times, expected 1", calls)
	}
}

func TestResetLifecycle(t *testing.T) {
	d := newTestDevice(t, testConfig(), fwtransport.NewMux())

	var (
		mutex  sync.Mutex
		events []auxdev.Event
	)

	c := openClient(t, d, func(_ any, ev auxdev.Event, _ int) int {
		mutex.Lock()
		defer mutex.Unlock()

		events = append(events, ev)

		return 0
	}, auxdev.MaskOf(auxdev.EventResetDown, auxdev.EventResetUp))

	req := []auxdev.QueueSetRequest{{EvQ: auxdev.QueueAlloc, TxQ: auxdev.QueueDontAlloc, RxQ: auxdev.QueueDontAlloc, IRQ: auxdev.QueueDontAlloc}}

	sets, err := c.QueuesAlloc(req)
	if err != nil {
		t.Fatalf("Allocation failed: %+v", err)
	}

	d.ResetDown()

	if len(events) != 1 || events[0].Type != auxdev.EventResetDown {
		t.Fatalf("ResetDown returned before delivery: %v", events)
	}

	if _, err = c.QueuesAlloc(req); !errors.Is(err, auxdev.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable during reset, got %v", err)
	}

	if _, err = c.FwRPC(context.Background(), 1, nil, 16); !errors.Is(err, auxdev.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable for rpc during reset, got %v", err)
	}

	d.ResetUp(false)

	if events[1].ResetSucceeded() {
		t.Errorf("Failed reset reported as success: %+v", events[1])
	}

	if _, err = c.QueuesAlloc(req); !errors.Is(err, auxdev.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable after failed reset, got %v", err)
	}

	// The handle stays valid.
	if _, err = c.GetParam(auxdev.ParamRevision); err != nil {
		t.Errorf("GetParam after failed reset: %+v", err)
	}

	if err = c.QueuesFree(sets); err != nil {
		t.Errorf("QueuesFree after failed reset: %+v", err)
	}

	d.ResetDown()
	d.ResetUp(true)

	if !events[3].ResetSucceeded() {
		t.Errorf("Successful reset not reported: %+v", events[3])
	}

	if _, err = c.QueuesAlloc(req); err != nil {
		t.Errorf("Allocation after successful reset failed: %+v", err)
	}
}

func TestDetach(t *testing.T) {
	d := newTestDevice(t, testConfig(), testFirmware())
	c := openClient(t, d, nil, 0)

	sets, err := c.QueuesAlloc([]auxdev.QueueSetRequest{{EvQ: alloc, TxQ: alloc, RxQ: alloc, IRQ: alloc}})
	if err != nil {
		t.Fatalf("Allocation failed: %+v", err)
	}

	d.Detach()
	d.ResetUp(true)

	if d.State() != StateDetached {
		t.Errorf("Detached device changed state to %s", d.State())
	}

	tcases := []struct {
		name string
		call func() error
	}{
		{
			name: "open",
			call: func() error {
				_, err := d.Open(nil, 0, nil)
				return err
			},
		},
		{
			name: "queues alloc",
			call: func() error {
				_, err := c.QueuesAlloc([]auxdev.QueueSetRequest{{EvQ: alloc, TxQ: skip, RxQ: skip, IRQ: skip}})
				return err
			},
		},
		{
			name: "queues free",
			call: func() error {
				return c.QueuesFree(sets)
			},
		},
		{
			name: "get param",
			call: func() error {
				_, err := c.GetParam(auxdev.ParamRevision)
				return err
			},
		},
		{
			name: "get queue param",
			call: func() error {
				_, err := c.GetQueueParam(auxdev.ParamCTPIOWindow, sets[0].TxQ)
				return err
			},
		},
		{
			name: "set param",
			call: func() error {
				return c.SetParam(auxdev.IRQModeration{Usec: 10})
			},
		},
		{
			name: "firmware rpc",
			call: func() error {
				_, err := c.FwRPC(context.Background(), cmdEcho, []byte{1}, 16)
				return err
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, auxdev.ErrDeviceUnavailable) {
				t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
			}
		})
	}

	if d.irqModeration != 0 {
		t.Errorf("Detached device accepted irq moderation %d", d.irqModeration)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close on detached device failed: %+v", err)
	}

	stats := d.Stats()
	for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
		if stats.Resources[k].Free != stats.Resources[k].Total {
			t.Errorf("%s: %d of %d free after close", k, stats.Resources[k].Free, stats.Resources[k].Total)
		}
	}
}

func TestDeliverResetEvents(t *testing.T) {
	d := newTestDevice(t, testConfig(), nil)
	c := openClient(t, d, nil, 0)

	req := []auxdev.QueueSetRequest{{EvQ: alloc, TxQ: skip, RxQ: skip, IRQ: skip}}

	tcases := []struct {
		name          string
		ev            auxdev.Event
		expectedState State
		expectedErr   error
	}{
		{
			name:          "reset down",
			ev:            auxdev.Event{Type: auxdev.EventResetDown},
			expectedState: StateResetting,
			expectedErr:   auxdev.ErrDeviceUnavailable,
		},
		{
			name:          "failed reset up",
			ev:            auxdev.Event{Type: auxdev.EventResetUp, Value: 0},
			expectedState: StateFailed,
			expectedErr:   auxdev.ErrDeviceUnavailable,
		},
		{
			name:          "reset up",
			ev:            auxdev.Event{Type: auxdev.EventResetUp, Value: 1},
			expectedState: StateUp,
		},
		{
			name:          "link change keeps state",
			ev:            auxdev.Event{Type: auxdev.EventLinkChange, Value: 0},
			expectedState: StateUp,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d.Deliver(tc.ev, auxdev.DefaultBudget)

			if d.State() != tc.expectedState {
				t.Errorf("Expected state %s, got %s", tc.expectedState, d.State())
			}

			sets, err := c.QueuesAlloc(req)
			if !errors.Is(err, tc.expectedErr) {
				t.Fatalf("Expected error %v, got %v", tc.expectedErr, err)
			}

			if err == nil {
				if err = c.QueuesFree(sets); err != nil {
					t.Errorf("Free failed: %+v", err)
				}
			}
		})
	}
}
