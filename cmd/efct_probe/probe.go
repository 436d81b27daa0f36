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

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/efct"
	"github.com/efct-io/auxres/pkg/fwtransport"
	"github.com/efct-io/auxres/pkg/iomap"
	"github.com/efct-io/auxres/pkg/linkwatch"
	"github.com/efct-io/auxres/pkg/metrics"
	"github.com/efct-io/auxres/pkg/pciutils"
)

const cmdGetVersion = 0x08

// probe opens a session on one device and walks it through parameter
// queries, queue allocation and a firmware call.
type probe struct {
	out      io.Writer
	fw       fwtransport.Transport
	registry *prometheus.Registry
	// pci is nil when the device isn't backed by a sysfs function.
	pci *pciutils.Device

	cfg      efct.Config
	queues   int
	duration time.Duration

	printParams bool
	dumpMetrics bool
	mapCTPIO    bool
	watchLink   bool
	reset       bool
}

// queueReport is printed for every allocated queue set.
type queueReport struct {
	Set   auxdev.QueueSet     `json:"set"`
	CTPIO *auxdev.CTPIOWindow `json:"ctpio,omitempty"`
	RxQ   *auxdev.RxQPost     `json:"rxqPost,omitempty"`
}

func logEvent(data any, ev auxdev.Event, budget int) int {
	klog.V(2).Infof("%v: event %s value %d (budget %d)", data, ev.Type, ev.Value, budget)

	return 1
}

func (p *probe) run(ctx context.Context) error {
	d, err := efct.NewDevice(p.cfg, p.fw)
	if err != nil {
		return err
	}
	defer d.Detach()

	if p.registry != nil {
		collector := metrics.NewCollector(d)
		p.registry.MustRegister(collector)

		defer p.registry.Unregister(collector)
	}

	c, err := d.Open(logEvent, auxdev.AllEvents, d.Name())
	if err != nil {
		return err
	}

	defer func() {
		if err := c.Close(); err != nil {
			klog.Errorf("Failed to close client %s: %+v", c.ID(), err)
		}
	}()

	klog.V(1).Infof("Opened %s client %s", d.Name(), c.ID())

	if p.printParams {
		if err = p.writeParams(c); err != nil {
			return err
		}
	}

	sets, err := p.allocQueues(c)
	if err != nil {
		return err
	}

	if err = p.writeQueues(c, sets); err != nil {
		return err
	}

	if p.mapCTPIO && len(sets) > 0 {
		if err = p.touchCTPIO(c, sets[0]); err != nil {
			return err
		}
	}

	if p.fw != nil {
		var version string

		if version, err = firmwareVersion(ctx, c); err != nil {
			return err
		}

		fmt.Fprintf(p.out, "firmware: %s\n", version)
	}

	if p.reset {
		d.ResetDown()
		d.ResetUp(true)
	}

	if p.watchLink {
		stop := p.startLinkWatch(ctx, d)
		defer stop()
	}

	if p.duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(p.duration):
		}
	}

	if p.dumpMetrics && p.registry != nil {
		if err = dumpMetrics(p.out, p.registry); err != nil {
			return err
		}
	}

	return c.QueuesFree(sets)
}

// writeParams prints every device-wide parameter the variant supports.
func (p *probe) writeParams(c auxdev.Client) error {
	params := map[string]auxdev.ParamValue{}

	for _, id := range auxdev.ParamIDs() {
		if id.PerQueue() {
			continue
		}

		val, err := c.GetParam(id)
		if errors.Is(err, auxdev.ErrUnsupported) {
			klog.V(4).Infof("%s not supported", id)
			continue
		}

		if err != nil {
			return err
		}

		params[id.String()] = val
	}

	return writeYAML(p.out, map[string]interface{}{"params": params})
}

func (p *probe) allocQueues(c auxdev.Client) ([]auxdev.QueueSet, error) {
	if p.queues == 0 {
		return nil, nil
	}

	reqs := make([]auxdev.QueueSetRequest, p.queues)
	for i := range reqs {
		reqs[i] = auxdev.QueueSetRequest{
			EvQ: auxdev.QueueAlloc,
			TxQ: auxdev.QueueAlloc,
			RxQ: auxdev.QueueAlloc,
			IRQ: auxdev.QueueAlloc,
		}
	}

	sets, err := c.QueuesAlloc(reqs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d queue sets", p.queues)
	}

	return sets, nil
}

func (p *probe) writeQueues(c auxdev.Client, sets []auxdev.QueueSet) error {
	if len(sets) == 0 {
		return nil
	}

	reports := make([]queueReport, 0, len(sets))

	for _, set := range sets {
		r := queueReport{Set: set}

		if val, err := c.GetQueueParam(auxdev.ParamCTPIOWindow, set.TxQ); err == nil {
			w := val.(auxdev.CTPIOWindow)
			r.CTPIO = &w
		} else if !errors.Is(err, auxdev.ErrUnsupported) {
			return err
		}

		if val, err := c.GetQueueParam(auxdev.ParamRxQPost, set.RxQ); err == nil {
			w := val.(auxdev.RxQPost)
			r.RxQ = &w
		} else if !errors.Is(err, auxdev.ErrUnsupported) {
			return err
		}

		reports = append(reports, r)
	}

	return writeYAML(p.out, map[string]interface{}{"queues": reports})
}

// touchCTPIO maps the CTPIO aperture of set's txq and reads its first word.
func (p *probe) touchCTPIO(c auxdev.Client, set auxdev.QueueSet) error {
	if p.pci == nil {
		return errors.New("CTPIO mapping needs a PCI device")
	}

	val, err := c.GetQueueParam(auxdev.ParamCTPIOWindow, set.TxQ)
	if err != nil {
		return err
	}

	region, err := iomap.Map(pciutils.ResourcePath(p.pci.Path, 0), p.pci.BAR0, val.(auxdev.CTPIOWindow).IOAddr)
	if err != nil {
		return err
	}
	defer region.Close()

	word, err := region.ReadUint32(0)
	if err != nil {
		return err
	}

	klog.V(2).Infof("CTPIO of txq %d at %#x: %#08x", set.TxQ, region.Addr().Base, word)

	return nil
}

// firmwareVersion asks for the version with an empty buffer first and
// retries with the length the device reports.
func firmwareVersion(ctx context.Context, c auxdev.Client) (string, error) {
	out, err := c.FwRPC(ctx, cmdGetVersion, nil, 0)
	if n, ok := auxdev.RequiredLength(err); ok {
		klog.V(4).Infof("Version needs %d bytes", n)

		out, err = c.FwRPC(ctx, cmdGetVersion, nil, n)
	}

	if err != nil {
		return "", err
	}

	return string(out), nil
}

// startLinkWatch forwards carrier changes of the netdev to d until the
// returned function is called.
func (p *probe) startLinkWatch(ctx context.Context, d auxdev.EventSink) func() {
	if p.pci == nil || p.pci.NetDev.Name == "" {
		klog.Warning("No network interface to watch")
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w := linkwatch.New(pciutils.CarrierPath(p.pci.Path, p.pci.NetDev.Name), d)

	go func() {
		defer close(done)

		if err := w.Run(ctx); err != nil {
			klog.Errorf("Link watch failed: %+v", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func writeYAML(w io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = w.Write(data)

	return errors.WithStack(err)
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))

	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}
