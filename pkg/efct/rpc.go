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
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

// FwRPC implements auxdev.Client. The response is never truncated: a
// response longer than outCap fails with *auxdev.BufferTooSmallError.
func (c *client) FwRPC(ctx context.Context, cmd uint32, in []byte, outCap int) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if err := c.dev.checkAvailable(); err != nil {
		return nil, err
	}

	if outCap < 0 {
		return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "negative output capacity %d", outCap)
	}

	if len(in) > c.dev.cfg.MaxRPCLen {
		return nil, errors.Wrapf(auxdev.ErrInvalidArgument, "request of %d bytes exceeds %d", len(in), c.dev.cfg.MaxRPCLen)
	}

	c.dev.rpcs.Add(1)

	out, err := c.dev.fw.Call(ctx, cmd, in)
	if err != nil {
		c.dev.rpcErrors.Add(1)
		return nil, errors.Wrapf(err, "client %s: firmware command %#x", c.id, cmd)
	}

	if len(out) > outCap {
		klog.V(4).Infof("Client %s: firmware command %#x response %d bytes, capacity %d", c.id, cmd, len(out), outCap)
		return nil, &auxdev.BufferTooSmallError{Required: len(out), Capacity: outCap}
	}

	return out, nil
}
