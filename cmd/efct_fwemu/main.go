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

// efct_fwemu serves an emulated firmware over a unix socket. It answers
// the version query and echoes everything sent to the echo command, which
// is enough to exercise the RPC path of efct_probe without hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/fwtransport"
)

const (
	cmdGetVersion = 0x08
	cmdEcho       = 0x7f

	defaultSocket = "/run/efct/fw.sock"
)

func newFirmware(version string) *fwtransport.Mux {
	fw := fwtransport.NewMux()
	fw.Handle(cmdGetVersion, fwtransport.Fixed([]byte(version)))
	fw.Handle(cmdEcho, fwtransport.Echo)

	return fw
}

// logCalls logs every firmware call with its outcome and duration.
func logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	if err != nil {
		klog.V(2).Infof("%s failed after %v: %v", info.FullMethod, time.Since(start), err)
	} else {
		klog.V(4).Infof("%s done in %v", info.FullMethod, time.Since(start))
	}

	return resp, err
}

func main() {
	var (
		socket  string
		version string
	)

	flag.StringVar(&socket, "socket", defaultSocket, "unix socket to serve the firmware on")
	flag.StringVar(&version, "version", "8.2.1.1000", "firmware version reported to clients")
	klog.InitFlags(nil)

	flag.Parse()

	srv, err := fwtransport.Serve(socket, newFirmware(version), grpc.UnaryInterceptor(logCalls))
	if err != nil {
		klog.Fatalf("Failed to start firmware emulator: %+v", err)
	}

	klog.Infof("Firmware %s emulated at %s", version, socket)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	klog.V(2).Info("Interrupt received")

	srv.GracefulStop()

	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		klog.Errorf("Failed to remove socket: %+v", err)
	}
}
