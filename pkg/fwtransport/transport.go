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

// Package fwtransport carries opaque firmware commands between the device
// layer and the management controller. Completion and timeout of a command
// are decided here, not by the callers.
package fwtransport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnknownCommand is returned for commands nobody handles.
var ErrUnknownCommand = errors.New("unknown firmware command")

// Transport sends a firmware command and returns the full response.
type Transport interface {
	Call(ctx context.Context, cmd uint32, in []byte) ([]byte, error)
}

// HandlerFunc handles one firmware command.
type HandlerFunc func(ctx context.Context, in []byte) ([]byte, error)

// Mux is an in-process Transport dispatching on the command id.
type Mux struct {
	handlers map[uint32]HandlerFunc
	mutex    sync.RWMutex
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		handlers: make(map[uint32]HandlerFunc),
	}
}

// Handle registers fn for cmd, replacing any previous handler.
func (m *Mux) Handle(cmd uint32, fn HandlerFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.handlers[cmd] = fn
}

// Call implements Transport.
func (m *Mux) Call(ctx context.Context, cmd uint32, in []byte) ([]byte, error) {
	m.mutex.RLock()
	fn, ok := m.handlers[cmd]
	m.mutex.RUnlock()

	if !ok {
		klog.V(4).Infof("No handler for firmware command %#x", cmd)
		return nil, errors.Wrapf(ErrUnknownCommand, "command %#x", cmd)
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return fn(ctx, in)
}

// Echo returns its input. Useful as a firmware loopback command.
func Echo(_ context.Context, in []byte) ([]byte, error) {
	return append([]byte(nil), in...), nil
}

// Fixed returns a handler always answering resp.
func Fixed(resp []byte) HandlerFunc {
	return func(context.Context, []byte) ([]byte, error) {
		return append([]byte(nil), resp...), nil
	}
}
