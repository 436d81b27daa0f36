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

import "fmt"

// QueueRequest asks for one sub-resource of a queue set. A non-negative
// value requests that exact index.
type QueueRequest int

const (
	// QueueAlloc requests any free index.
	QueueAlloc QueueRequest = -1
	// QueueDontAlloc skips the sub-resource. Allocated queue sets use it
	// for sub-resources that were not requested.
	QueueDontAlloc QueueRequest = -2
)

// Index requests the given index.
func Index(i int) QueueRequest {
	return QueueRequest(i)
}

// Valid reports whether r is a sentinel or an index.
func (r QueueRequest) Valid() bool {
	return r >= QueueDontAlloc
}

func (r QueueRequest) String() string {
	switch r {
	case QueueAlloc:
		return "any"
	case QueueDontAlloc:
		return "skip"
	}

	return fmt.Sprintf("%d", int(r))
}

// ResourceKind names the four sub-resources of a queue set.
type ResourceKind int

// Queue set sub-resources.
const (
	EvQ ResourceKind = iota
	TxQ
	RxQ
	IRQ

	NumResourceKinds
)

var kindNames = [...]string{EvQ: "evq", TxQ: "txq", RxQ: "rxq", IRQ: "irq"}

func (k ResourceKind) String() string {
	if k < 0 || k >= NumResourceKinds {
		return fmt.Sprintf("ResourceKind(%d)", int(k))
	}

	return kindNames[k]
}

// QueueSetRequest describes one queue set to allocate.
type QueueSetRequest struct {
	EvQ QueueRequest
	TxQ QueueRequest
	RxQ QueueRequest
	IRQ QueueRequest
}

// Get returns the request for sub-resource k.
func (r QueueSetRequest) Get(k ResourceKind) QueueRequest {
	switch k {
	case EvQ:
		return r.EvQ
	case TxQ:
		return r.TxQ
	case RxQ:
		return r.RxQ
	case IRQ:
		return r.IRQ
	}

	return QueueDontAlloc
}

// QueueSet is an allocated queue set. Sub-resources that were not requested
// hold NoQueue.
type QueueSet struct {
	EvQ int
	TxQ int
	RxQ int
	IRQ int
}

// NoQueue marks an unallocated sub-resource of a QueueSet.
const NoQueue = int(QueueDontAlloc)

// EmptyQueueSet returns a queue set with no sub-resource allocated.
func EmptyQueueSet() QueueSet {
	return QueueSet{EvQ: NoQueue, TxQ: NoQueue, RxQ: NoQueue, IRQ: NoQueue}
}

// Get returns the index of sub-resource k, or NoQueue.
func (s QueueSet) Get(k ResourceKind) int {
	switch k {
	case EvQ:
		return s.EvQ
	case TxQ:
		return s.TxQ
	case RxQ:
		return s.RxQ
	case IRQ:
		return s.IRQ
	}

	return NoQueue
}

// Set stores index i as sub-resource k.
func (s *QueueSet) Set(k ResourceKind, i int) {
	switch k {
	case EvQ:
		s.EvQ = i
	case TxQ:
		s.TxQ = i
	case RxQ:
		s.RxQ = i
	case IRQ:
		s.IRQ = i
	}
}

// Has reports whether sub-resource k is allocated.
func (s QueueSet) Has(k ResourceKind) bool {
	return s.Get(k) >= 0
}
