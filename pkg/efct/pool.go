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
	"math/bits"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

// span is a contiguous block of indices [base, base+count).
type span struct {
	base  int
	count int
}

// indexPool is a first-fit availability bitmap over one or more spans.
// A set bit means the index is allocated. It knows nothing about owners.
type indexPool struct {
	spans []span
	bits  []uint64
	size  int
	free  int
}

func newIndexPool(spans []span) *indexPool {
	size := 0
	for _, s := range spans {
		size += s.count
	}

	return &indexPool{
		spans: spans,
		bits:  make([]uint64, (size+63)/64),
		size:  size,
		free:  size,
	}
}

// ordinal maps an index to its bit position.
func (p *indexPool) ordinal(index int) (int, bool) {
	ord := 0
	for _, s := range p.spans {
		if index >= s.base && index < s.base+s.count {
			return ord + index - s.base, true
		}

		ord += s.count
	}

	return 0, false
}

// index maps a bit position back to its index.
func (p *indexPool) index(ord int) int {
	for _, s := range p.spans {
		if ord < s.count {
			return s.base + ord
		}

		ord -= s.count
	}

	return auxdev.NoQueue
}

func (p *indexPool) contains(index int) bool {
	_, ok := p.ordinal(index)
	return ok
}

func (p *indexPool) isSet(ord int) bool {
	return p.bits[ord/64]&(1<<(ord%64)) != 0
}

// allocAny takes the lowest free index.
func (p *indexPool) allocAny() (int, bool) {
	for w, word := range p.bits {
		if word == ^uint64(0) {
			continue
		}

		ord := w*64 + bits.TrailingZeros64(^word)
		if ord >= p.size {
			break
		}

		p.bits[w] |= 1 << (ord % 64)
		p.free--

		return p.index(ord), true
	}

	return auxdev.NoQueue, false
}

// allocIndex takes index if it is free.
func (p *indexPool) allocIndex(index int) bool {
	ord, ok := p.ordinal(index)
	if !ok || p.isSet(ord) {
		return false
	}

	p.bits[ord/64] |= 1 << (ord % 64)
	p.free--

	return true
}

func (p *indexPool) release(index int) {
	ord, ok := p.ordinal(index)
	if !ok || !p.isSet(ord) {
		klog.Errorf("Releasing index %d which is not allocated", index)
		return
	}

	p.bits[ord/64] &^= 1 << (ord % 64)
	p.free++
}

// resourcePool holds one indexPool per queue set sub-resource.
type resourcePool struct {
	pools [auxdev.NumResourceKinds]*indexPool
}

func newResourcePool(res auxdev.NICResources, irq auxdev.IRQResources) *resourcePool {
	irqSpans := make([]span, 0, len(irq.Ranges))
	for _, r := range irq.Ranges {
		irqSpans = append(irqSpans, span{base: r.Vector, count: r.Range})
	}

	rp := &resourcePool{}
	rp.pools[auxdev.EvQ] = newIndexPool([]span{{base: res.EvQMin, count: res.EvQLim - res.EvQMin}})
	rp.pools[auxdev.TxQ] = newIndexPool([]span{{base: res.TxQMin, count: res.TxQLim - res.TxQMin}})
	rp.pools[auxdev.RxQ] = newIndexPool([]span{{base: res.RxQMin, count: res.RxQLim - res.RxQMin}})
	rp.pools[auxdev.IRQ] = newIndexPool(irqSpans)

	return rp
}

// grant records one allocated index so it can be rolled back.
type grant struct {
	kind  auxdev.ResourceKind
	index int
}

// validateRequests rejects malformed batches before any bit is touched.
func (rp *resourcePool) validateRequests(reqs []auxdev.QueueSetRequest) error {
	if len(reqs) == 0 {
		return errors.Wrap(auxdev.ErrInvalidArgument, "empty queue set batch")
	}

	for i, req := range reqs {
		for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
			r := req.Get(k)
			if !r.Valid() {
				return errors.Wrapf(auxdev.ErrInvalidArgument, "queue set %d: bad %s request %d", i, k, int(r))
			}

			if r >= 0 && !rp.pools[k].contains(int(r)) {
				return errors.Wrapf(auxdev.ErrInvalidArgument, "queue set %d: %s %d out of range", i, k, int(r))
			}
		}
	}

	return nil
}

// alloc commits every request in reqs or none of them. The caller holds
// the device pool mutex.
func (rp *resourcePool) alloc(reqs []auxdev.QueueSetRequest) ([]auxdev.QueueSet, []grant, error) {
	if err := rp.validateRequests(reqs); err != nil {
		return nil, nil, err
	}

	var granted []grant

	rollback := func() {
		for _, g := range granted {
			rp.pools[g.kind].release(g.index)
		}
	}

	result := make([]auxdev.QueueSet, 0, len(reqs))

	for i, req := range reqs {
		set := auxdev.EmptyQueueSet()

		for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
			r := req.Get(k)

			switch {
			case r == auxdev.QueueDontAlloc:
				continue
			case r == auxdev.QueueAlloc:
				index, ok := rp.pools[k].allocAny()
				if !ok {
					rollback()
					return nil, nil, errors.Wrapf(auxdev.ErrResourceExhausted, "queue set %d: no free %s", i, k)
				}

				set.Set(k, index)
			default:
				if !rp.pools[k].allocIndex(int(r)) {
					rollback()
					return nil, nil, errors.Wrapf(auxdev.ErrResourceExhausted, "queue set %d: %s %d is busy", i, k, int(r))
				}

				set.Set(k, int(r))
			}

			granted = append(granted, grant{kind: k, index: set.Get(k)})
		}

		result = append(result, set)
	}

	return result, granted, nil
}

// free returns every present index of sets to the pool. It checks the
// whole batch against owned first so that nothing is freed on error. The
// caller holds the device pool mutex.
func (rp *resourcePool) free(sets []auxdev.QueueSet, owned *ownership) ([]grant, error) {
	var seen ownership

	released := []grant{}

	for i, set := range sets {
		for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
			index := set.Get(k)
			if index == auxdev.NoQueue {
				continue
			}

			if !owned.has(k, index) {
				return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "queue set %d: %s %d not owned by client", i, k, index)
			}

			if seen.has(k, index) {
				return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "queue set %d: %s %d freed twice", i, k, index)
			}

			seen.insert(k, index)
			released = append(released, grant{kind: k, index: index})
		}
	}

	for _, g := range released {
		rp.pools[g.kind].release(g.index)
	}

	return released, nil
}

// freeCount returns the number of free indices of kind k.
func (rp *resourcePool) freeCount(k auxdev.ResourceKind) int {
	return rp.pools[k].free
}

func (rp *resourcePool) totalCount(k auxdev.ResourceKind) int {
	return rp.pools[k].size
}

// ownership tracks which indices a client holds, per sub-resource.
type ownership [auxdev.NumResourceKinds]sets.Set[int]

func (o *ownership) has(k auxdev.ResourceKind, index int) bool {
	return o[k] != nil && o[k].Has(index)
}

func (o *ownership) insert(k auxdev.ResourceKind, index int) {
	if o[k] == nil {
		o[k] = sets.New[int]()
	}

	o[k].Insert(index)
}

func (o *ownership) add(grants []grant) {
	for _, g := range grants {
		o.insert(g.kind, g.index)
	}
}

func (o *ownership) remove(grants []grant) {
	for _, g := range grants {
		if o[g.kind] != nil {
			o[g.kind].Delete(g.index)
		}
	}
}

// all returns every owned index as grants, sorted per kind.
func (o *ownership) all() []grant {
	var grants []grant

	for k, s := range o {
		if s == nil {
			continue
		}

		for _, index := range sets.List(s) {
			grants = append(grants, grant{kind: auxdev.ResourceKind(k), index: index})
		}
	}

	return grants
}
