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
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

func (d *Device) checkSupported(id auxdev.ParamID) error {
	if !d.variant.supports(id) {
		return errors.Wrapf(auxdev.ErrUnsupported, "%s on %s device", id, d.Name())
	}

	return nil
}

// GetParam implements auxdev.Client.
func (c *client) GetParam(id auxdev.ParamID) (auxdev.ParamValue, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if err := c.dev.checkAttached(); err != nil {
		return nil, err
	}

	if err := c.dev.checkSupported(id); err != nil {
		return nil, err
	}

	if id.PerQueue() {
		return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "%s needs a queue id", id)
	}

	return c.dev.param(id), nil
}

// GetQueueParam implements auxdev.Client.
func (c *client) GetQueueParam(id auxdev.ParamID, qid int) (auxdev.ParamValue, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if err := c.dev.checkAttached(); err != nil {
		return nil, err
	}

	if err := c.dev.checkSupported(id); err != nil {
		return nil, err
	}

	res := c.dev.cfg.Resources

	switch id {
	case auxdev.ParamCTPIOWindow:
		addr, err := queueIOAddr(c.dev.cfg.CTPIO, qid, res.TxQMin, res.TxQLim)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", id)
		}

		return auxdev.CTPIOWindow{IOAddr: addr}, nil
	case auxdev.ParamRxQPost:
		addr, err := queueIOAddr(c.dev.cfg.RxQPost, qid, res.RxQMin, res.RxQLim)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", id)
		}

		return auxdev.RxQPost{IOAddr: addr}, nil
	}

	return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "%s is not a per-queue parameter", id)
}

func queueIOAddr(w Window, qid, min, lim int) (auxdev.IOAddr, error) {
	if qid < min || qid >= lim {
		return auxdev.IOAddr{}, errors.Wrapf(auxdev.ErrInvalidArgument, "queue %d outside [%d, %d)", qid, min, lim)
	}

	return auxdev.IOAddr{
		QueueID: qid,
		Base:    w.Base + uint64(qid-min)*w.Stride,
		Size:    w.Size,
	}, nil
}

// param returns the value of a supported device-wide parameter.
func (d *Device) param(id auxdev.ParamID) auxdev.ParamValue {
	switch id {
	case auxdev.ParamConfigMem:
		return d.cfg.ConfigMem
	case auxdev.ParamNetDev:
		return d.cfg.NetDev
	case auxdev.ParamVariant:
		return auxdev.Variant{Code: d.cfg.VariantCode}
	case auxdev.ParamRevision:
		return auxdev.Revision{Value: d.cfg.Revision}
	case auxdev.ParamNICResources:
		return d.cfg.Resources
	case auxdev.ParamIRQResources:
		return d.cfg.IRQ.Clone()
	case auxdev.ParamEvQWindow:
		return d.cfg.EvQWindow
	case auxdev.ParamDesignParams:
		return d.cfg.Design
	case auxdev.ParamIRQModeration:
		d.paramMutex.RLock()
		defer d.paramMutex.RUnlock()

		return auxdev.IRQModeration{Usec: d.irqModeration}
	}

	// Only reachable for per-queue identifiers, which callers filter.
	return nil
}

// SetParam implements auxdev.Client. Writes are device-wide.
func (c *client) SetParam(v auxdev.ParamValue) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if err := c.dev.checkAttached(); err != nil {
		return err
	}

	if v == nil {
		return errors.Wrap(auxdev.ErrInvalidArgument, "nil parameter value")
	}

	id := v.ParamID()
	if err := c.dev.checkSupported(id); err != nil {
		return err
	}

	switch val := v.(type) {
	case auxdev.IRQModeration:
		if val.Usec > MaxIRQModerationUsec {
			return errors.Wrapf(auxdev.ErrInvalidArgument, "irq moderation %dus exceeds %dus", val.Usec, MaxIRQModerationUsec)
		}

		c.dev.paramMutex.Lock()
		c.dev.irqModeration = val.Usec
		c.dev.paramMutex.Unlock()

		klog.V(3).Infof("Client %s set %s to %dus", c.id, id, val.Usec)

		return nil
	}

	klog.V(4).Infof("Client %s: write to read-only %s rejected", c.id, id)

	return errors.Wrapf(auxdev.ErrPermissionDenied, "%s is read-only", id)
}
