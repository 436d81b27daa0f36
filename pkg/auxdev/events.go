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

package auxdev

import (
	"fmt"
	"strings"
)

// EventType identifies an asynchronous device event.
type EventType int

// Events a client can get.
const (
	// EventResetDown is generated when hardware goes down for reset. The
	// client must stop all hardware processing before its handler returns.
	EventResetDown EventType = iota
	// EventResetUp is generated when hardware is back after reset. A value
	// of 1 means normal operation resumes, 0 means the client should
	// abandon use of the hardware resources.
	EventResetUp
	// EventLinkChange is generated when the physical link changed state.
	EventLinkChange
	// EventFirmware carries a hardware specific firmware notification.
	EventFirmware

	numEventTypes
)

var eventNames = [...]string{
	EventResetDown:  "reset-down",
	EventResetUp:    "reset-up",
	EventLinkChange: "link-change",
	EventFirmware:   "firmware",
}

func (t EventType) String() string {
	if t < 0 || t >= numEventTypes {
		return fmt.Sprintf("EventType(%d)", int(t))
	}

	return eventNames[t]
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t >= 0 && t < numEventTypes
}

// EventTypes returns all known event types in ascending order.
func EventTypes() []EventType {
	types := make([]EventType, 0, numEventTypes)
	for t := EventType(0); t < numEventTypes; t++ {
		types = append(types, t)
	}

	return types
}

// EventMask is a bitmap of EventType.
type EventMask uint32

// AllEvents subscribes to every event type.
const AllEvents EventMask = 1<<numEventTypes - 1

// MaskOf builds a mask from the given event types.
func MaskOf(types ...EventType) EventMask {
	var m EventMask
	for _, t := range types {
		m |= 1 << t
	}

	return m
}

// Has reports whether t is in the mask.
func (m EventMask) Has(t EventType) bool {
	return t.Valid() && m&(1<<t) != 0
}

func (m EventMask) String() string {
	var names []string

	for _, t := range EventTypes() {
		if m.Has(t) {
			names = append(names, t.String())
		}
	}

	return "{" + strings.Join(names, ",") + "}"
}

// Event is a single device event. Value holds the link or reset state, or
// the raw firmware event.
type Event struct {
	Type  EventType
	Value uint64
}

// ResetSucceeded reports whether an EventResetUp event signals a working
// device.
func (ev Event) ResetSucceeded() bool {
	return ev.Type == EventResetUp && ev.Value != 0
}
