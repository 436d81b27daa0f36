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
	"github.com/pkg/errors"

	"github.com/efct-io/auxres/pkg/auxdev"
)

// variant captures what differs between hardware generations.
type variant interface {
	name() string
	supports(p auxdev.ParamID) bool
}

// llct is the low latency generation with CTPIO transmit and posted
// receive buffers.
type llct struct{}

func (llct) name() string { return auxdev.LLCTDevName }

func (llct) supports(p auxdev.ParamID) bool {
	return p.Valid()
}

// ef10 has no CTPIO apertures, no RX post register and no design
// parameter block.
type ef10 struct{}

func (ef10) name() string { return auxdev.EF10DevName }

func (ef10) supports(p auxdev.ParamID) bool {
	switch p {
	case auxdev.ParamCTPIOWindow, auxdev.ParamRxQPost, auxdev.ParamDesignParams:
		return false
	}

	return p.Valid()
}

func lookupVariant(name string) (variant, error) {
	switch name {
	case auxdev.LLCTDevName:
		return llct{}, nil
	case auxdev.EF10DevName:
		return ef10{}, nil
	}

	return nil, errors.Errorf("unknown device variant %q", name)
}
