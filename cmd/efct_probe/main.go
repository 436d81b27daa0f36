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

// efct_probe opens a session on an efct device and reports what the device
// grants it. The device is described by a profile, optionally refined from
// the sysfs attributes of a PCI function, and talks to firmware over a
// unix socket or to a built-in stub.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
	"github.com/efct-io/auxres/pkg/efct"
	"github.com/efct-io/auxres/pkg/fwtransport"
	"github.com/efct-io/auxres/pkg/pciutils"
	"github.com/efct-io/auxres/pkg/profile"
)

const (
	driversDir = "/sys/bus/pci/drivers"
	// stubVersion is reported by the built-in firmware.
	stubVersion = "0.0.0.0"
)

type options struct {
	profile    string
	variant    string
	device     string
	scanDir    string
	allowIds   string
	denyIds    string
	bindDriver string
	fwSocket   string
	metrics    string
}

func loadConfig(opts *options) (efct.Config, error) {
	if opts.profile != "" {
		return profile.Load(opts.profile)
	}

	cfg := profile.Default(opts.variant)
	if err := cfg.Validate(); err != nil {
		return efct.Config{}, err
	}

	return cfg, nil
}

// findDevice returns the PCI function selected by -device or the first
// compatible one found by -scan. It returns nil when neither is set.
func findDevice(opts *options) (*pciutils.Device, error) {
	dpath := opts.device

	if dpath == "" && opts.scanDir != "" {
		found, err := pciutils.PciScan(func(dpath string) bool {
			return pciutils.IsCompatibleNICDevice(dpath, opts.allowIds, opts.denyIds)
		}, opts.scanDir)
		if err != nil {
			return nil, err
		}

		if len(found) == 0 {
			return nil, errors.New("no compatible PCI device found")
		}

		dpath = found[0]
	}

	if dpath == "" {
		return nil, nil
	}

	if opts.bindDriver != "" {
		if err := pciutils.BindDeviceToDriver(dpath, driversDir, opts.bindDriver); err != nil {
			return nil, err
		}
	}

	return pciutils.ReadDevice(dpath)
}

func stubFirmware() fwtransport.Transport {
	fw := fwtransport.NewMux()
	fw.Handle(cmdGetVersion, fwtransport.Fixed([]byte(stubVersion)))

	return fw
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		klog.V(1).Infof("Serving metrics at %s", addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Metrics server failed: %+v", err)
		}
	}()
}

func main() {
	var (
		opts options
		p    probe
	)

	flag.StringVar(&opts.profile, "profile", "", "INI file describing the device resources")
	flag.StringVar(&opts.variant, "variant", auxdev.LLCTDevName, "device variant used without a profile")
	flag.StringVar(&opts.device, "device", "", "sysfs path of the PCI function")
	flag.StringVar(&opts.scanDir, "scan", "", "scan this PCI device directory for a compatible function, e.g. "+pciutils.SysfsPCIDevices)
	flag.StringVar(&opts.allowIds, "allow-ids", "", "comma separated list of PCI device IDs to accept")
	flag.StringVar(&opts.denyIds, "deny-ids", "", "comma separated list of PCI device IDs to skip")
	flag.StringVar(&opts.bindDriver, "bind-driver", "", "bind the function to this driver before probing")
	flag.StringVar(&opts.fwSocket, "fw-socket", "", "unix socket of the firmware service, built-in stub when empty")
	flag.StringVar(&opts.metrics, "metrics-addr", "", "serve prometheus metrics at this address")
	flag.IntVar(&p.queues, "queues", 1, "number of queue sets to allocate")
	flag.DurationVar(&p.duration, "duration", 0, "keep the session open this long")
	flag.BoolVar(&p.printParams, "print-params", true, "print the device parameters")
	flag.BoolVar(&p.dumpMetrics, "dump-metrics", false, "print the metrics before closing the session")
	flag.BoolVar(&p.mapCTPIO, "map-ctpio", false, "map the CTPIO aperture of the first queue set")
	flag.BoolVar(&p.watchLink, "watch-link", false, "deliver link changes of the network interface")
	flag.BoolVar(&p.reset, "reset", false, "run the device through a reset cycle")
	klog.InitFlags(nil)

	flag.Parse()

	if p.queues < 0 {
		klog.Fatal("-queues can't be negative")
	}

	for _, ids := range []string{opts.allowIds, opts.denyIds} {
		if err := pciutils.ValidatePCIDeviceIDs(ids); err != nil {
			klog.Fatalf("Invalid device ID list: %+v", err)
		}
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		klog.Fatalf("Failed to load device configuration: %+v", err)
	}

	if p.pci, err = findDevice(&opts); err != nil {
		klog.Fatalf("Failed to read PCI device: %+v", err)
	}

	if p.pci != nil {
		profile.ApplyDevice(&cfg, p.pci)
	}

	p.cfg = cfg
	p.out = os.Stdout
	p.fw = stubFirmware()

	if opts.fwSocket != "" {
		conn, err := fwtransport.Dial(opts.fwSocket)
		if err != nil {
			klog.Fatalf("Failed to connect firmware: %+v", err)
		}
		defer conn.Close()

		p.fw = fwtransport.NewGRPCClient(conn)
	}

	if opts.metrics != "" || p.dumpMetrics {
		p.registry = prometheus.NewRegistry()
	}

	if opts.metrics != "" {
		serveMetrics(opts.metrics, p.registry)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.run(ctx); err != nil {
		klog.Fatalf("Probe failed: %+v", err)
	}
}
