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

// Package profile loads device profiles. A profile is an INI file
// describing the resources and design constants of an efct device:
//
//	[device]
//	variant = llct
//	revision = 1
//
//	[resources]
//	evq = 0-24
//	txq = 0-3
//	rxq = 0-16
//
//	[irq]
//	int_prime = 0xfe800000
//	ranges = 32+8, 64+8
//
// Missing keys keep the defaults of the variant.
package profile

import (
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/efct"
	"github.com/efct-io/auxres/pkg/pciutils"
)

// Default returns the built-in configuration of a variant.
func Default(variant string) efct.Config {
	cfg := efct.Config{
		Variant:     variant,
		VariantCode: 'L',
		Revision:    1,
		ConfigMem:   auxdev.ConfigMem{Base: 0xfe000000, Size: 0x1000000},
		Resources: auxdev.NICResources{
			EvQMin: 0, EvQLim: 24,
			TxQMin: 0, TxQLim: 3,
			RxQMin: 0, RxQLim: 16,
		},
		IRQ: auxdev.IRQResources{
			IntPrime: 0xfe800000,
			Ranges:   []auxdev.IRQRange{{Vector: 32, Range: 8}},
		},
		EvQWindow: auxdev.EvQWindow{Base: 0xfe100000, Stride: 0x1000},
		CTPIO:     efct.Window{Base: 0xfe400000, Stride: 0x1000, Size: 0x1000},
		RxQPost:   efct.Window{Base: 0xfe200000, Stride: 0x1000, Size: 8},
		Design: auxdev.DesignParams{
			RxStride:           4096,
			RxBufferLen:        1 << 20,
			RxQueues:           16,
			TxApertures:        3,
			RxBufFIFOSize:      128,
			FrameOffsetFixed:   0,
			RxMetadataLen:      16,
			TxMaxReorder:       64,
			TxApertureSize:     4096,
			TxFIFOSize:         0x8000,
			TSSubnanoBit:       2,
			UnsolCreditSeqMask: 0x7f,
			L4CsumProto:        0x0b,
			MaxRunt:            640,
			EvQSizes:           0x7f,
			NumFilter:          512,
		},
	}

	if variant == auxdev.EF10DevName {
		cfg.VariantCode = 'E'
		cfg.Resources = auxdev.NICResources{
			EvQMin: 0, EvQLim: 64,
			TxQMin: 0, TxQLim: 64,
			RxQMin: 0, RxQLim: 64,
		}
		cfg.IRQ.Ranges = []auxdev.IRQRange{{Vector: 32, Range: 32}}
		cfg.CTPIO = efct.Window{}
		cfg.RxQPost = efct.Window{}
		cfg.Design = auxdev.DesignParams{}
	}

	return cfg
}

// Load parses a profile from a file name or a []byte and validates it.
func Load(source interface{}) (efct.Config, error) {
	f, err := ini.Load(source)
	if err != nil {
		return efct.Config{}, errors.Wrap(err, "failed to parse device profile")
	}

	variant := f.Section("device").Key("variant").MustString(auxdev.LLCTDevName)
	cfg := Default(variant)

	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}

		klog.V(4).Info("Profile section ", section.Name())

		if err := parseSection(&cfg, section); err != nil {
			return efct.Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return efct.Config{}, errors.Wrap(err, "invalid device profile")
	}

	return cfg, nil
}

func parseSection(cfg *efct.Config, section *ini.Section) error {
	switch section.Name() {
	case "device":
		return parseDevice(cfg, section)
	case "resources":
		return parseResources(cfg, section)
	case "irq":
		return parseIRQ(cfg, section)
	case "windows":
		return parseWindows(cfg, section)
	case "design":
		return parseDesign(cfg, section)
	}

	return errors.Errorf("unknown profile section [%s]", section.Name())
}

func parseDevice(cfg *efct.Config, section *ini.Section) error {
	if key, err := section.GetKey("code"); err == nil {
		code := key.String()
		if len(code) != 1 {
			return errors.Errorf("Can't parse code in [%s]: %q is not a single character", section.Name(), code)
		}

		cfg.VariantCode = code[0]
	}

	cfg.NetDev.Name = section.Key("netdev").MustString(cfg.NetDev.Name)

	ints := map[string]*int{
		"revision":    &cfg.Revision,
		"ifindex":     &cfg.NetDev.Index,
		"max_clients": &cfg.MaxClients,
		"max_rpc_len": &cfg.MaxRPCLen,
	}

	for name, dst := range ints {
		if err := intKey(section, name, dst); err != nil {
			return err
		}
	}

	moderation := uint64(cfg.IRQModeration)
	if err := uintKey(section, "irq_moderation", &moderation); err != nil {
		return err
	}

	if moderation > efct.MaxIRQModerationUsec {
		return errors.Errorf("irq_moderation %d in [%s] exceeds %d", moderation, section.Name(), efct.MaxIRQModerationUsec)
	}

	cfg.IRQModeration = uint32(moderation)

	return nil
}

func parseResources(cfg *efct.Config, section *ini.Section) error {
	ranges := []struct {
		name     string
		min, lim *int
	}{
		{"evq", &cfg.Resources.EvQMin, &cfg.Resources.EvQLim},
		{"txq", &cfg.Resources.TxQMin, &cfg.Resources.TxQLim},
		{"rxq", &cfg.Resources.RxQMin, &cfg.Resources.RxQLim},
	}

	for _, r := range ranges {
		key, err := section.GetKey(r.name)
		if err != nil {
			continue
		}

		if *r.min, *r.lim, err = parseRange(key.String()); err != nil {
			return errors.Wrapf(err, "Can't parse %s in [%s]", r.name, section.Name())
		}
	}

	return nil
}

// parseRange parses "min-lim", the half-open range [min, lim).
func parseRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, errors.Errorf("%q is not a min-lim range", s)
	}

	first, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}

	lim, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}

	return first, lim, nil
}

func parseIRQ(cfg *efct.Config, section *ini.Section) error {
	if err := uintKey(section, "int_prime", &cfg.IRQ.IntPrime); err != nil {
		return err
	}

	flags := uint64(cfg.IRQ.Flags)
	if err := uintKey(section, "flags", &flags); err != nil {
		return err
	}

	if flags > 0xffff {
		return errors.Errorf("flags %#x in [%s] don't fit 16 bits", flags, section.Name())
	}

	cfg.IRQ.Flags = uint16(flags)

	if !section.HasKey("ranges") {
		return nil
	}

	var ranges []auxdev.IRQRange

	for _, item := range section.Key("ranges").Strings(",") {
		vec, count, ok := strings.Cut(item, "+")
		if !ok {
			return errors.Errorf("Can't parse irq range %q in [%s]: expected vector+count", item, section.Name())
		}

		v, err := strconv.Atoi(strings.TrimSpace(vec))
		if err != nil {
			return errors.Wrapf(err, "Can't parse irq range %q", item)
		}

		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return errors.Wrapf(err, "Can't parse irq range %q", item)
		}

		ranges = append(ranges, auxdev.IRQRange{Vector: v, Range: n})
	}

	cfg.IRQ.Ranges = ranges

	return nil
}

func parseWindows(cfg *efct.Config, section *ini.Section) error {
	keys := map[string]*uint64{
		"config_mem_base": &cfg.ConfigMem.Base,
		"config_mem_size": &cfg.ConfigMem.Size,
		"evq_base":        &cfg.EvQWindow.Base,
		"evq_stride":      &cfg.EvQWindow.Stride,
		"ctpio_base":      &cfg.CTPIO.Base,
		"ctpio_stride":    &cfg.CTPIO.Stride,
		"ctpio_size":      &cfg.CTPIO.Size,
		"rxq_post_base":   &cfg.RxQPost.Base,
		"rxq_post_stride": &cfg.RxQPost.Stride,
		"rxq_post_size":   &cfg.RxQPost.Size,
	}

	for name, dst := range keys {
		if err := uintKey(section, name, dst); err != nil {
			return err
		}
	}

	return nil
}

func parseDesign(cfg *efct.Config, section *ini.Section) error {
	d := &cfg.Design
	keys := map[string]*uint32{
		"rx_stride":             &d.RxStride,
		"rx_buffer_len":         &d.RxBufferLen,
		"rx_queues":             &d.RxQueues,
		"tx_apertures":          &d.TxApertures,
		"rx_buf_fifo_size":      &d.RxBufFIFOSize,
		"frame_offset_fixed":    &d.FrameOffsetFixed,
		"rx_metadata_len":       &d.RxMetadataLen,
		"tx_max_reorder":        &d.TxMaxReorder,
		"tx_aperture_size":      &d.TxApertureSize,
		"tx_fifo_size":          &d.TxFIFOSize,
		"ts_subnano_bit":        &d.TSSubnanoBit,
		"unsol_credit_seq_mask": &d.UnsolCreditSeqMask,
		"l4_csum_proto":         &d.L4CsumProto,
		"max_runt":              &d.MaxRunt,
		"evq_sizes":             &d.EvQSizes,
		"num_filter":            &d.NumFilter,
	}

	for name, dst := range keys {
		v := uint64(*dst)
		if err := uintKey(section, name, &v); err != nil {
			return err
		}

		if v > 0xffffffff {
			return errors.Errorf("%s %#x in [%s] doesn't fit 32 bits", name, v, section.Name())
		}

		*dst = uint32(v)
	}

	return nil
}

// intKey stores key name of section in dst when present.
func intKey(section *ini.Section, name string, dst *int) error {
	key, err := section.GetKey(name)
	if err != nil {
		return nil
	}

	v, err := key.Int()
	if err != nil {
		return errors.Wrapf(err, "Can't parse %s in [%s]", name, section.Name())
	}

	*dst = v

	return nil
}

// uintKey is intKey for unsigned values, accepting 0x prefixed hex.
func uintKey(section *ini.Section, name string, dst *uint64) error {
	key, err := section.GetKey(name)
	if err != nil {
		return nil
	}

	v, err := strconv.ParseUint(key.String(), 0, 64)
	if err != nil {
		return errors.Wrapf(err, "Can't parse %s in [%s]", name, section.Name())
	}

	*dst = v

	return nil
}

// ApplyDevice overrides the profile with what sysfs reports for the PCI
// function: revision, network interface and memory BAR.
func ApplyDevice(cfg *efct.Config, dev *pciutils.Device) {
	cfg.Revision = dev.Revision
	cfg.ConfigMem = dev.BAR0

	if dev.NetDev.Name != "" {
		cfg.NetDev = dev.NetDev
	}

	klog.V(2).Infof("Profile updated from %s: revision %d, netdev %s, BAR0 %#x+%#x",
		dev.BDF, dev.Revision, cfg.NetDev.Name, dev.BAR0.Base, dev.BAR0.Size)
}
