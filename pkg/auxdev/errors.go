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

package auxdev

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by Device and Client operations. Implementations wrap
// them with context, so compare with errors.Is.
var (
	// ErrInvalidHandle means the client is closed or unknown to the device.
	ErrInvalidHandle = errors.New("invalid client handle")
	// ErrInvalidArgument means the request is malformed, e.g. freeing a
	// queue the client doesn't own.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResourceExhausted means no free index or client slot is left.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrUnsupported means the parameter is not implemented by the device.
	ErrUnsupported = errors.New("unsupported parameter")
	// ErrPermissionDenied means the parameter is read-only.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBufferTooSmall means the firmware response doesn't fit the output
	// capacity. See BufferTooSmallError for the required length.
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrDeviceUnavailable means the device is in reset or removed.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// BufferTooSmallError is returned by FwRPC when the response is longer than
// the requested output capacity.
type BufferTooSmallError struct {
	// Required is the output capacity needed to receive the response.
	Required int
	// Capacity is the output capacity of the failed call.
	Capacity int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("%v: response needs %d bytes, capacity %d", ErrBufferTooSmall, e.Required, e.Capacity)
}

// Is makes errors.Is(err, ErrBufferTooSmall) hold.
func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}

// RequiredLength returns the length reported by a BufferTooSmallError in
// err's chain.
func RequiredLength(err error) (int, bool) {
	var e *BufferTooSmallError
	if errors.As(err, &e) {
		return e.Required, true
	}

	return 0, false
}
