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

const (
	// DefaultMaxClients is the session limit when Config.MaxClients is 0.
	DefaultMaxClients = 32
	// DefaultMaxRPCLen is the largest firmware request payload (MCDI v2
	// SDU) when Config.MaxRPCLen is 0.
	DefaultMaxRPCLen = 1020
	// MaxIRQModerationUsec bounds ParamIRQModeration.
	MaxIRQModerationUsec = 65535
)

// Window describes a per-queue IO area: queue n of the owning range lives
// at Base + n*Stride and is Size bytes long.
type Window struct {
	Base   uint64
	Stride uint64
	Size   uint64
}

// Config is the fixed resource universe and the design constants of a
// device. It never changes after NewDevice.
type Config struct {
	// Variant is auxdev.LLCTDevName or auxdev.EF10DevName.
	Variant     string
	VariantCode byte
	Revision    int

	NetDev    auxdev.NetDev
	ConfigMem auxdev.ConfigMem
	Resources auxdev.NICResources
	IRQ       auxdev.IRQResources
	EvQWindow auxdev.EvQWindow
	CTPIO     Window
	RxQPost   Window
	Design    auxdev.DesignParams

	// IRQModeration is the initial value of ParamIRQModeration.
	IRQModeration uint32

	MaxClients int
	MaxRPCLen  int
}

func checkRange(name string, min, lim int) error {
	if min < 0 || lim < min {
		return errors.Errorf("invalid %s range [%d, %d)", name, min, lim)
	}

	return nil
}

// Validate checks the config and fills in defaults.
func (cfg *Config) Validate() error {
	if _, err := lookupVariant(cfg.Variant); err != nil {
		return err
	}

	res := cfg.Resources
	if err := checkRange("evq", res.EvQMin, res.EvQLim); err != nil {
		return err
	}

	if err := checkRange("txq", res.TxQMin, res.TxQLim); err != nil {
		return err
	}

	if err := checkRange("rxq", res.RxQMin, res.RxQLim); err != nil {
		return err
	}

	if err := validateIRQRanges(cfg.IRQ.Ranges); err != nil {
		return err
	}

	if cfg.IRQModeration > MaxIRQModerationUsec {
		return errors.Errorf("irq moderation %dus exceeds %dus", cfg.IRQModeration, MaxIRQModerationUsec)
	}

	if cfg.MaxClients < 0 || cfg.MaxRPCLen < 0 {
		return errors.Errorf("negative limits: max clients %d, max rpc len %d", cfg.MaxClients, cfg.MaxRPCLen)
	}

	if cfg.MaxClients == 0 {
		cfg.MaxClients = DefaultMaxClients
	}

	if cfg.MaxRPCLen == 0 {
		cfg.MaxRPCLen = DefaultMaxRPCLen
	}

	return nil
}

// validateIRQRanges rejects empty and overlapping vector ranges.
func validateIRQRanges(ranges []auxdev.IRQRange) error {
	for i, r := range ranges {
		if r.Vector < 0 || r.Range <= 0 {
			return errors.Errorf("invalid irq range %d: vector %d, range %d", i, r.Vector, r.Range)
		}

		for _, o := range ranges[:i] {
			if r.Vector < o.Vector+o.Range && o.Vector < r.Vector+r.Range {
				return errors.Errorf("irq range %d+%d overlaps %d+%d", r.Vector, r.Range, o.Vector, o.Range)
			}
		}
	}

	return nil
}
