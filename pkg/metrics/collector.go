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

// Package metrics exports device counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/efct"
)

const namespace = "efct"

// StatsSource is implemented by *efct.Device.
type StatsSource interface {
	Name() string
	Stats() efct.Stats
}

var (
	stateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "state"),
		"Current hardware state, 1 for the active state.",
		[]string{"device", "state"}, nil)
	clientsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "clients"),
		"Number of open client sessions.",
		[]string{"device"}, nil)
	resourcesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue_resources", "total"),
		"Indices owned by the device per queue set sub-resource.",
		[]string{"device", "kind"}, nil)
	freeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue_resources", "free"),
		"Unallocated indices per queue set sub-resource.",
		[]string{"device", "kind"}, nil)
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "events", "total"),
		"Events delivered to clients.",
		[]string{"device", "type"}, nil)
	rpcsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "fw_rpcs", "total"),
		"Firmware commands forwarded.",
		[]string{"device"}, nil)
	rpcErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "fw_rpc_errors", "total"),
		"Firmware commands that failed in the transport.",
		[]string{"device"}, nil)
)

var states = []efct.State{efct.StateUp, efct.StateResetting, efct.StateFailed, efct.StateDetached}

// Collector is a prometheus.Collector over the stats of a set of devices.
type Collector struct {
	devices []StatsSource
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector for devices.
func NewCollector(devices ...StatsSource) *Collector {
	return &Collector{devices: devices}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{stateDesc, clientsDesc, resourcesDesc, freeDesc, eventsDesc, rpcsDesc, rpcErrorsDesc} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, dev := range c.devices {
		name := dev.Name()
		s := dev.Stats()

		for _, st := range states {
			v := 0.0
			if st == s.State {
				v = 1
			}

			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, name, st.String())
		}

		ch <- prometheus.MustNewConstMetric(clientsDesc, prometheus.GaugeValue, float64(s.Clients), name)

		for k := auxdev.ResourceKind(0); k < auxdev.NumResourceKinds; k++ {
			ch <- prometheus.MustNewConstMetric(resourcesDesc, prometheus.GaugeValue, float64(s.Resources[k].Total), name, k.String())
			ch <- prometheus.MustNewConstMetric(freeDesc, prometheus.GaugeValue, float64(s.Resources[k].Free), name, k.String())
		}

		for t, n := range s.Events {
			ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(n), name, t.String())
		}

		ch <- prometheus.MustNewConstMetric(rpcsDesc, prometheus.CounterValue, float64(s.RPCs), name)
		ch <- prometheus.MustNewConstMetric(rpcErrorsDesc, prometheus.CounterValue, float64(s.RPCErrors), name)
	}
}
