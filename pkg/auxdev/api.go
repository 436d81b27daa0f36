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

// Package auxdev provides the client API of an auxiliary NIC device: session
// handles, queue set allocation, device parameters, firmware RPC and
// asynchronous device events.
package auxdev

import "context"

// Device names of the supported auxiliary device variants.
const (
	LLCTDevName = "llct"
	EF10DevName = "ef10"
)

// DefaultBudget is the delivery budget handed to event handlers when the
// device layer has no better value.
const DefaultBudget = 64

// EventHandler is called for every event a client subscribed to. It runs in
// a non-blocking context and must not call Close, QueuesAlloc, QueuesFree or
// FwRPC synchronously. It returns how much of budget it consumed.
type EventHandler func(driverData any, ev Event, budget int) int

// Device is implemented by every device variant. Clients need to open a
// device before using it.
type Device interface {
	// Name returns the variant device name, e.g. LLCTDevName.
	Name() string
	// Open allocates a client handle and registers handler for the event
	// types in events. driverData is passed back to handler unchanged.
	Open(handler EventHandler, events EventMask, driverData any) (Client, error)
}

// Client is an open session on a Device. It is the only capability needed
// for the operations below. All methods return ErrInvalidHandle once the
// client is closed.
type Client interface {
	// ID uniquely identifies the session for logging.
	ID() string
	// Close frees all queue sets still owned by the client and stops event
	// delivery to it. It waits for a delivery already in flight.
	Close() error
	// FwRPC sends cmd with payload in to the firmware and returns at most
	// outCap bytes of response.
	FwRPC(ctx context.Context, cmd uint32, in []byte, outCap int) ([]byte, error)
	// GetParam returns the value of a device parameter.
	GetParam(id ParamID) (ParamValue, error)
	// GetQueueParam returns the value of a per-queue device parameter.
	GetQueueParam(id ParamID, qid int) (ParamValue, error)
	// SetParam writes a device-wide parameter.
	SetParam(v ParamValue) error
	// QueuesAlloc allocates all requested queue sets or none of them.
	QueuesAlloc(reqs []QueueSetRequest) ([]QueueSet, error)
	// QueuesFree returns queue sets to the device. Either all indices are
	// freed or none.
	QueuesFree(sets []QueueSet) error
}

// EventSink receives events from the device/firmware layer and hands them
// to the subscribed clients.
type EventSink interface {
	// Deliver passes ev to every subscribed client and returns the budget
	// consumed by their handlers.
	Deliver(ev Event, budget int) int
}
