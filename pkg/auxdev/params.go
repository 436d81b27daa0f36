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

// ParamID identifies a device parameter. Every identifier has exactly one
// ParamValue shape, documented next to it.
type ParamID int

// Device parameters.
const (
	// ParamConfigMem is the PCI memory BAR. Get only. ConfigMem.
	ParamConfigMem ParamID = iota
	// ParamNetDev is the associated network device. Get only. NetDev.
	ParamNetDev
	// ParamVariant is the hardware variant. Get only. Variant.
	ParamVariant
	// ParamRevision is the hardware revision. Get only. Revision.
	ParamRevision
	// ParamNICResources gives the available queue ranges. Get only.
	// NICResources.
	ParamNICResources
	// ParamIRQResources gives the available interrupt vectors. They
	// correspond to the queues of ParamNICResources. Get only. IRQResources.
	ParamIRQResources
	// ParamEvQWindow is the location of the event queue control area. The
	// base is for the first event queue, the stride is the offset between
	// consecutive queues. Get only. EvQWindow.
	ParamEvQWindow
	// ParamCTPIOWindow is the bus address of the CTPIO region of a TXQ.
	// Per queue, get only. CTPIOWindow.
	ParamCTPIOWindow
	// ParamRxQPost is the bus address of the RX buffer post register of an
	// RXQ. Per queue, get only. RxQPost.
	ParamRxQPost
	// ParamDesignParams gives the features that vary with hardware. Get
	// only. DesignParams.
	ParamDesignParams
	// ParamIRQModeration is the device-wide interrupt moderation interval.
	// Get and set. IRQModeration.
	ParamIRQModeration

	numParams
)

var paramNames = [...]string{
	ParamConfigMem:     "config-mem",
	ParamNetDev:        "netdev",
	ParamVariant:       "variant",
	ParamRevision:      "revision",
	ParamNICResources:  "nic-resources",
	ParamIRQResources:  "irq-resources",
	ParamEvQWindow:     "evq-window",
	ParamCTPIOWindow:   "ctpio-window",
	ParamRxQPost:       "rxq-post",
	ParamDesignParams:  "design-params",
	ParamIRQModeration: "irq-moderation",
}

func (p ParamID) String() string {
	if p < 0 || p >= numParams {
		return fmt.Sprintf("ParamID(%d)", int(p))
	}

	return paramNames[p]
}

// Valid reports whether p is a known parameter.
func (p ParamID) Valid() bool {
	return p >= 0 && p < numParams
}

// PerQueue reports whether p needs a queue id.
func (p ParamID) PerQueue() bool {
	return p == ParamCTPIOWindow || p == ParamRxQPost
}

// ParamIDs returns all known parameters.
func ParamIDs() []ParamID {
	ids := make([]ParamID, 0, numParams)
	for p := ParamID(0); p < numParams; p++ {
		ids = append(ids, p)
	}

	return ids
}

// ParamIDByName looks up a parameter by its String() name.
func ParamIDByName(name string) (ParamID, bool) {
	for p, n := range paramNames {
		if n == name {
			return ParamID(p), true
		}
	}

	return 0, false
}

// ParamValue is implemented only by the value types in this file.
type ParamValue interface {
	ParamID() ParamID
	sealed()
}

// ConfigMem is the value of ParamConfigMem.
type ConfigMem struct {
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// NetDev is the value of ParamNetDev.
type NetDev struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Variant is the value of ParamVariant.
type Variant struct {
	Code byte `json:"code"`
}

// Revision is the value of ParamRevision.
type Revision struct {
	Value int `json:"value"`
}

// NICResources is the value of ParamNICResources. Each range is [min, lim).
type NICResources struct {
	EvQMin int `json:"evqMin"`
	EvQLim int `json:"evqLim"`
	TxQMin int `json:"txqMin"`
	TxQLim int `json:"txqLim"`
	RxQMin int `json:"rxqMin"`
	RxQLim int `json:"rxqLim"`
}

// IRQRange is a block of interrupt vectors starting at Vector.
type IRQRange struct {
	Vector int `json:"vector"`
	Range  int `json:"range"`
}

// IRQResources is the value of ParamIRQResources.
type IRQResources struct {
	Flags uint16 `json:"flags"`
	// IntPrime is the bus address of the INT_PRIME register.
	IntPrime uint64     `json:"intPrime"`
	Ranges   []IRQRange `json:"ranges"`
}

// EvQWindow is the value of ParamEvQWindow.
type EvQWindow struct {
	Base   uint64 `json:"base"`
	Stride uint64 `json:"stride"`
}

// IOAddr is the location of an IO area associated with a queue. The
// returned address must be IO mapped by the caller.
type IOAddr struct {
	QueueID int    `json:"queueID"`
	Base    uint64 `json:"base"`
	Size    uint64 `json:"size"`
}

// CTPIOWindow is the value of ParamCTPIOWindow.
type CTPIOWindow struct {
	IOAddr `json:",inline"`
}

// RxQPost is the value of ParamRxQPost.
type RxQPost struct {
	IOAddr `json:",inline"`
}

// DesignParams is the value of ParamDesignParams.
type DesignParams struct {
	// Stride between entries in the receive window.
	RxStride uint32 `json:"rxStride"`
	// Length of each receive buffer.
	RxBufferLen uint32 `json:"rxBufferLen"`
	// Maximum RX queues available.
	RxQueues uint32 `json:"rxQueues"`
	// Maximum TX apertures available.
	TxApertures uint32 `json:"txApertures"`
	// Maximum number of receive buffers that can be posted.
	RxBufFIFOSize uint32 `json:"rxBufFifoSize"`
	// Fixed offset to the frame.
	FrameOffsetFixed uint32 `json:"frameOffsetFixed"`
	// Receive metadata length.
	RxMetadataLen uint32 `json:"rxMetadataLen"`
	// Largest window of reordered writes to the CTPIO.
	TxMaxReorder uint32 `json:"txMaxReorder"`
	// CTPIO aperture length.
	TxApertureSize uint32 `json:"txApertureSize"`
	// Size of packet FIFO per CTPIO aperture.
	TxFIFOSize uint32 `json:"txFifoSize"`
	// Partial timestamp in sub-nanoseconds.
	TSSubnanoBit uint32 `json:"tsSubnanoBit"`
	// Width of sequence number in EVQ_UNSOL_CREDIT_GRANT register.
	UnsolCreditSeqMask uint32 `json:"unsolCreditSeqMask"`
	// L4 checksum fields.
	L4CsumProto uint32 `json:"l4CsumProto"`
	// Max length of frame data when LEN_ERR indicates runt.
	MaxRunt uint32 `json:"maxRunt"`
	// Supported event queue sizes.
	EvQSizes uint32 `json:"evqSizes"`
	// Number of filters.
	NumFilter uint32 `json:"numFilter"`
}

// IRQModeration is the value of ParamIRQModeration.
type IRQModeration struct {
	Usec uint32 `json:"usec"`
}

func (ConfigMem) ParamID() ParamID     { return ParamConfigMem }
func (NetDev) ParamID() ParamID        { return ParamNetDev }
func (Variant) ParamID() ParamID       { return ParamVariant }
func (Revision) ParamID() ParamID      { return ParamRevision }
func (NICResources) ParamID() ParamID  { return ParamNICResources }
func (IRQResources) ParamID() ParamID  { return ParamIRQResources }
func (EvQWindow) ParamID() ParamID     { return ParamEvQWindow }
func (CTPIOWindow) ParamID() ParamID   { return ParamCTPIOWindow }
func (RxQPost) ParamID() ParamID       { return ParamRxQPost }
func (DesignParams) ParamID() ParamID  { return ParamDesignParams }
func (IRQModeration) ParamID() ParamID { return ParamIRQModeration }

func (ConfigMem) sealed()     {}
func (NetDev) sealed()        {}
func (Variant) sealed()       {}
func (Revision) sealed()      {}
func (NICResources) sealed()  {}
func (IRQResources) sealed()  {}
func (EvQWindow) sealed()     {}
func (CTPIOWindow) sealed()   {}
func (RxQPost) sealed()       {}
func (DesignParams) sealed()  {}
func (IRQModeration) sealed() {}

// Count returns the total number of vectors over all ranges.
func (r IRQResources) Count() int {
	n := 0
	for _, rng := range r.Ranges {
		n += rng.Range
	}

	return n
}

// Clone returns a copy that shares no memory with r.
func (r IRQResources) Clone() IRQResources {
	c := r
	c.Ranges = append([]IRQRange(nil), r.Ranges...)

	return c
}
